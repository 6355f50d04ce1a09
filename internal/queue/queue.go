// Package queue provides the background-job plumbing between the web tier
// and the dispatch worker: named jobs with JSON payloads pushed onto a Redis
// list and consumed by a worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job names understood by the worker.
const (
	JobDispatchCampaign = "campaign.dispatch"
)

// DispatchPayload is the payload of JobDispatchCampaign jobs.
type DispatchPayload struct {
	CampaignID uuid.UUID   `json:"campaign_id"`
	ListIDs    []uuid.UUID `json:"list_ids"`
	Test       bool        `json:"test"`
}

// Job is one unit of background work.
type Job struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one job. An error is logged and the job dropped; jobs
// that need durable failure state record it themselves (a dispatch keeps its
// outcome on the Dispatch row).
type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue submits and consumes jobs through a Redis list.
type Queue struct {
	client *redis.Client
	key    string
}

// New creates a queue on the given Redis list key.
func New(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Submit enqueues a named job. The payload must be JSON-marshalable.
func (q *Queue) Submit(ctx context.Context, name string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{Name: name, Payload: body, EnqueuedAt: time.Now().UTC()}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Len reports the queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// WorkerPool consumes jobs and routes them to registered handlers.
type WorkerPool struct {
	queue       *Queue
	concurrency int
	handlers    map[string]Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool with the given concurrency.
func NewWorkerPool(queue *Queue, concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool{
		queue:       queue,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (wp *WorkerPool) Register(name string, h Handler) {
	wp.handlers[name] = h
}

// Start launches the consumer goroutines.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return fmt.Errorf("worker pool already running")
	}
	wp.running = true

	ctx, wp.cancel = context.WithCancel(ctx)
	log.Printf("[Queue] Starting %d workers on %s", wp.concurrency, wp.queue.key)
	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.run(ctx, i)
	}
	return nil
}

// Stop cancels the consumers and waits for in-flight jobs to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.mu.Unlock()

	wp.cancel()
	wp.wg.Wait()
	log.Printf("[Queue] Stopped")
}

func (wp *WorkerPool) run(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := wp.queue.client.BRPop(ctx, 2*time.Second, wp.queue.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Queue] worker %d: pop error: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Printf("[Queue] worker %d: bad job payload: %v", id, err)
			continue
		}

		handler, ok := wp.handlers[job.Name]
		if !ok {
			log.Printf("[Queue] worker %d: no handler for job %q", id, job.Name)
			continue
		}

		if err := handler(ctx, job.Payload); err != nil {
			log.Printf("[Queue] worker %d: job %q failed: %v", id, job.Name, err)
		}
	}
}
