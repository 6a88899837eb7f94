package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/executor"
)

type fakeExecutor struct {
	fn func(enrollment domain.Enrollment) executor.Outcome
}

func (f *fakeExecutor) Execute(ctx context.Context, enrollment domain.Enrollment) (executor.Outcome, error) {
	return f.fn(enrollment), nil
}

type fakeStore struct {
	mu        sync.Mutex
	queue     []Claimed
	persisted []executor.Outcome
	persistErr error
	staleCount int64
}

func (f *fakeStore) ClaimDue(ctx context.Context, limit int, excludeSenders []string, now time.Time) ([]Claimed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	excluded := map[string]bool{}
	for _, s := range excludeSenders {
		excluded[s] = true
	}

	// Mirrors the store's real per-sender dedup: at most one due row per
	// sender is claimed per batch, the same contract Store.ClaimDue
	// documents.
	claimedSenders := map[string]bool{}
	var out []Claimed
	var remaining []Claimed
	for _, c := range f.queue {
		if len(out) >= limit || excluded[c.SenderEmail] || claimedSenders[c.SenderEmail] {
			remaining = append(remaining, c)
			continue
		}
		out = append(out, c)
		claimedSenders[c.SenderEmail] = true
	}
	f.queue = remaining
	return out, nil
}

func (f *fakeStore) Persist(ctx context.Context, outcome executor.Outcome, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, outcome)
	return nil
}

func (f *fakeStore) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return atomic.LoadInt64(&f.staleCount), nil
}

func (f *fakeStore) persistedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persisted)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerProcessesClaimedEnrollmentAndPersists(t *testing.T) {
	store := &fakeStore{queue: []Claimed{
		{Enrollment: domain.Enrollment{ID: "e1", SequenceID: "seq-1"}, SenderEmail: "rep@co.com"},
	}}
	exec := &fakeExecutor{fn: func(e domain.Enrollment) executor.Outcome {
		e.Status = domain.EnrollmentCompleted
		return executor.Outcome{Enrollment: e}
	}}

	s := New(store, exec, nil, Config{GlobalConcurrency: 2, ClaimBatchSize: 10, PollInterval: 20 * time.Millisecond, DrainTimeout: time.Second, StaleThreshold: time.Minute})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return store.persistedCount() == 1 })
}

func TestSchedulerSerializesPerSenderAcrossBatches(t *testing.T) {
	store := &fakeStore{queue: []Claimed{
		{Enrollment: domain.Enrollment{ID: "e1", SequenceID: "seq-1"}, SenderEmail: "rep@co.com"},
		{Enrollment: domain.Enrollment{ID: "e2", SequenceID: "seq-1"}, SenderEmail: "rep@co.com"},
	}}

	var concurrent int32
	var maxConcurrent int32
	exec := &fakeExecutor{fn: func(e domain.Enrollment) executor.Outcome {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		e.Status = domain.EnrollmentCompleted
		return executor.Outcome{Enrollment: e}
	}}

	s := New(store, exec, nil, Config{GlobalConcurrency: 4, ClaimBatchSize: 10, PollInterval: 10 * time.Millisecond, DrainTimeout: time.Second, StaleThreshold: time.Minute})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return store.persistedCount() == 2 })
	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("expected at most 1 concurrent send for the same sender, observed %d", maxConcurrent)
	}
}

func TestSchedulerAbandonsClaimOnConcurrencyConflict(t *testing.T) {
	store := &fakeStore{
		queue:      []Claimed{{Enrollment: domain.Enrollment{ID: "e1", SequenceID: "seq-1"}, SenderEmail: "rep@co.com"}},
		persistErr: domain.NewConcurrencyConflict("version mismatch"),
	}
	exec := &fakeExecutor{fn: func(e domain.Enrollment) executor.Outcome {
		return executor.Outcome{Enrollment: e}
	}}

	s := New(store, exec, nil, Config{GlobalConcurrency: 2, ClaimBatchSize: 10, PollInterval: 10 * time.Millisecond, DrainTimeout: time.Second, StaleThreshold: time.Minute})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.queue) == 0
	})
	// The sender must be freed even after a persist conflict, or later
	// enrollments for it would starve.
	waitFor(t, time.Second, func() bool {
		s.busyMu.Lock()
		defer s.busyMu.Unlock()
		return len(s.busySenders) == 0
	})
}

func TestSchedulerPublishesEventsOnOutcome(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(context.Background(), topicEnrollmentAdvanced)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store := &fakeStore{queue: []Claimed{
		{Enrollment: domain.Enrollment{ID: "e1", SequenceID: "seq-1"}, SenderEmail: "rep@co.com"},
	}}
	exec := &fakeExecutor{fn: func(e domain.Enrollment) executor.Outcome {
		e.Status = domain.EnrollmentPending
		return executor.Outcome{Enrollment: e}
	}}

	var pub message.Publisher = pubSub
	s := New(store, exec, pub, Config{GlobalConcurrency: 2, ClaimBatchSize: 10, PollInterval: 10 * time.Millisecond, DrainTimeout: time.Second, StaleThreshold: time.Minute})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case msg := <-messages:
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("expected an enrollment.advanced event to be published")
	}
}

func TestSchedulerStopDrainsInFlightWork(t *testing.T) {
	store := &fakeStore{queue: []Claimed{
		{Enrollment: domain.Enrollment{ID: "e1", SequenceID: "seq-1"}, SenderEmail: "rep@co.com"},
	}}
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(e domain.Enrollment) executor.Outcome {
		close(started)
		time.Sleep(50 * time.Millisecond)
		e.Status = domain.EnrollmentCompleted
		return executor.Outcome{Enrollment: e}
	}}

	s := New(store, exec, nil, Config{GlobalConcurrency: 2, ClaimBatchSize: 10, PollInterval: 10 * time.Millisecond, DrainTimeout: time.Second, StaleThreshold: time.Minute})
	s.Start(context.Background())

	<-started
	s.Stop()

	if store.persistedCount() != 1 {
		t.Fatalf("expected in-flight work to finish before Stop returns, persisted=%d", store.persistedCount())
	}
}
