// Package scheduler turns due plannings into dispatch jobs. The sweep runs
// on a ticker under a distributed lock; the claim itself is a conditional
// UPDATE, so even overlapping sweeps fire each planning at most once.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/pkg/distlock"
	"github.com/ignite/newsletter/internal/queue"
)

// Store claims due plannings. *store.Store satisfies it.
type Store interface {
	ClaimDuePlannings(ctx context.Context, now time.Time) ([]*model.Planning, error)
}

// Submitter enqueues background jobs. *queue.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, name string, payload interface{}) error
}

// Scheduler polls for due plannings and submits dispatch jobs.
type Scheduler struct {
	store        Store
	queue        Submitter
	lock         distlock.Lock
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(st Store, q Submitter, lock distlock.Lock, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Scheduler{
		store:        st,
		queue:        q,
		lock:         lock,
		pollInterval: pollInterval,
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	log.Printf("[Scheduler] Starting with poll interval: %v", s.pollInterval)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("[Scheduler] sweep failed: %v", err)
			}
		}
	}
}

// Sweep claims every due planning and submits one dispatch job per claim.
// A planning stays claimed whether or not its dispatch later succeeds;
// failures land on the Dispatch row.
func (s *Scheduler) Sweep(ctx context.Context) error {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer s.lock.Release(ctx)

	plannings, err := s.store.ClaimDuePlannings(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("claim plannings: %w", err)
	}

	for _, p := range plannings {
		payload := queue.DispatchPayload{
			CampaignID: p.CampaignID,
			ListIDs:    p.ListIDs,
		}
		if err := s.queue.Submit(ctx, queue.JobDispatchCampaign, payload); err != nil {
			log.Printf("[Scheduler] planning %s: submit failed: %v", p.ID, err)
			continue
		}
		log.Printf("[Scheduler] planning %s: dispatch queued for campaign %s", p.ID, p.CampaignID)
	}
	return nil
}
