package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter/internal/model"
	"github.com/ignite/newsletter/internal/queue"
)

type fakeStore struct {
	mu  sync.Mutex
	due []*model.Planning
}

// ClaimDuePlannings drains atomically, like the conditional UPDATE does.
func (f *fakeStore) ClaimDuePlannings(_ context.Context, _ time.Time) ([]*model.Planning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claimed := f.due
	f.due = nil
	for _, p := range claimed {
		p.Sent = true
	}
	return claimed, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.DispatchPayload
}

func (f *fakeQueue) Submit(_ context.Context, name string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, payload.(queue.DispatchPayload))
	return nil
}

type fakeLock struct {
	held bool
}

func (f *fakeLock) Acquire(_ context.Context) (bool, error) { return !f.held, nil }
func (f *fakeLock) Release(_ context.Context) error         { return nil }

func planning(campaignID uuid.UUID) *model.Planning {
	return &model.Planning{
		ID:         uuid.New(),
		CampaignID: campaignID,
		ListIDs:    []uuid.UUID{uuid.New()},
		Schedule:   time.Now().Add(-time.Minute),
	}
}

func TestSweepSubmitsClaimedPlannings(t *testing.T) {
	campaignID := uuid.New()
	fs := &fakeStore{due: []*model.Planning{planning(campaignID), planning(campaignID)}}
	fq := &fakeQueue{}
	s := New(fs, fq, &fakeLock{}, time.Minute)

	require.NoError(t, s.Sweep(context.Background()))

	assert.Len(t, fq.jobs, 2)
	assert.Equal(t, campaignID, fq.jobs[0].CampaignID)
	assert.False(t, fq.jobs[0].Test)
	assert.Empty(t, fs.due)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	fs := &fakeStore{due: []*model.Planning{planning(uuid.New())}}
	fq := &fakeQueue{}
	s := New(fs, fq, &fakeLock{held: true}, time.Minute)

	require.NoError(t, s.Sweep(context.Background()))

	assert.Empty(t, fq.jobs)
	assert.Len(t, fs.due, 1)
}

func TestConcurrentSweepsClaimOnce(t *testing.T) {
	fs := &fakeStore{due: []*model.Planning{planning(uuid.New())}}
	fq := &fakeQueue{}

	a := New(fs, fq, &fakeLock{}, time.Minute)
	b := New(fs, fq, &fakeLock{}, time.Minute)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.Sweep(context.Background())
		}(s)
	}
	wg.Wait()

	assert.Len(t, fq.jobs, 1)
}

func TestStartStop(t *testing.T) {
	fs := &fakeStore{}
	s := New(fs, &fakeQueue{}, &fakeLock{}, 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
