package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// enqueueRecorder is a Driver stub that records enqueues and dedups by key
// the way both real drivers do.
type enqueueRecorder struct {
	mu     sync.Mutex
	calls  []EnqueueOptions
	byKey  map[string]string
	nextID int
	queues []string
}

func newEnqueueRecorder() *enqueueRecorder {
	return &enqueueRecorder{byKey: map[string]string{}}
}

func (f *enqueueRecorder) Enqueue(ctx context.Context, queueName string, data map[string]any, opts EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Key != "" {
		if id, ok := f.byKey[opts.Key]; ok {
			return id, nil
		}
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	if opts.Key != "" {
		f.byKey[opts.Key] = id
	}
	f.calls = append(f.calls, opts)
	f.queues = append(f.queues, queueName)
	return id, nil
}

func (f *enqueueRecorder) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Key
	}
	return out
}

func (f *enqueueRecorder) GetJob(context.Context, string) (*Job, error)  { return nil, nil }
func (f *enqueueRecorder) Retry(context.Context, string) (bool, error)   { return false, nil }
func (f *enqueueRecorder) Cancel(context.Context, string) (bool, error)  { return false, nil }
func (f *enqueueRecorder) Stats(context.Context, string) (Stats, error)  { return Stats{}, nil }
func (f *enqueueRecorder) Claim(context.Context, string, string, int, time.Duration) ([]*Job, error) {
	return nil, nil
}
func (f *enqueueRecorder) RenewLease(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (f *enqueueRecorder) Complete(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *enqueueRecorder) Fail(context.Context, string, string, string, *time.Time) (bool, error) {
	return false, nil
}
func (f *enqueueRecorder) UpdateStages(context.Context, string, string, []Stage, int) (bool, error) {
	return false, nil
}
func (f *enqueueRecorder) Close() error { return nil }

// memScheduleStore is an in-memory ScheduleStore with the same CAS semantics
// as the real drivers.
type memScheduleStore struct {
	mu sync.Mutex
	m  map[string]*Schedule
}

func newMemScheduleStore() *memScheduleStore {
	return &memScheduleStore{m: map[string]*Schedule{}}
}

func (s *memScheduleStore) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sched
	s.m[sched.Key] = &cp
	return nil
}

func (s *memScheduleStore) GetSchedule(ctx context.Context, key string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.m[key]; ok {
		cp := *sched
		return &cp, nil
	}
	return nil, nil
}

func (s *memScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sched := range s.m {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			cp := *sched
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memScheduleStore) MarkScheduleRun(ctx context.Context, key string, prevNext, lastRun, nextRun time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.m[key]
	if !ok || !sched.NextRunAt.Equal(prevNext) {
		return false, nil
	}
	lr := lastRun
	sched.LastRunAt = &lr
	sched.NextRunAt = nextRun
	return true, nil
}

func (s *memScheduleStore) SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.m[key]
	if !ok {
		return false, nil
	}
	sched.Enabled = enabled
	return true, nil
}

func newTestScheduler(t *testing.T, catchup CatchupPolicy, clk Clock) (*Scheduler, *enqueueRecorder, *memScheduleStore) {
	t.Helper()
	driver := newEnqueueRecorder()
	store := newMemScheduleStore()
	client := NewClient(driver, nil)
	s := NewScheduler(client, store, SchedulerConfig{Catchup: catchup, Clock: clk}, nil)
	return s, driver, store
}

func TestSchedulerUpsertValidatesCron(t *testing.T) {
	s, _, _ := newTestScheduler(t, CatchupCoalesce, newFakeClock(time.Now()))
	if err := s.Upsert(context.Background(), "k", "q", "not a cron", nil); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
	if err := s.Upsert(context.Background(), "k", "q", "*/5 * * * *", nil); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
}

func TestSchedulerUpsertPreservesCadenceWhenCronUnchanged(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s, _, store := newTestScheduler(t, CatchupCoalesce, clk)
	ctx := context.Background()

	if err := s.Upsert(ctx, "k", "q", "* * * * *", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, _ := store.GetSchedule(ctx, "k")

	clk.Advance(20 * time.Second)
	if err := s.Upsert(ctx, "k", "q", "* * * * *", nil); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	second, _ := store.GetSchedule(ctx, "k")
	if !second.NextRunAt.Equal(first.NextRunAt) {
		t.Fatalf("next_run_at shifted on identical re-upsert: %v -> %v", first.NextRunAt, second.NextRunAt)
	}

	if err := s.Upsert(ctx, "k", "q", "*/2 * * * *", nil); err != nil {
		t.Fatalf("cron change upsert: %v", err)
	}
	third, _ := store.GetSchedule(ctx, "k")
	if third.NextRunAt.Equal(first.NextRunAt) {
		t.Fatal("next_run_at should be recomputed when the cron expression changes")
	}
}

func TestSchedulerTickFiresDueSchedule(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s, driver, store := newTestScheduler(t, CatchupCoalesce, clk)
	ctx := context.Background()

	if err := s.Upsert(ctx, "report", "reports", "* * * * *", map[string]any{"kind": "daily"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(driver.keys()) != 0 {
		t.Fatal("schedule fired before its boundary")
	}

	clk.Advance(31 * time.Second) // past 00:01:00
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	keys := driver.keys()
	if len(keys) != 1 {
		t.Fatalf("got %d enqueues, want 1", len(keys))
	}
	want := "report:" + time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC).Format(time.RFC3339)
	if keys[0] != want {
		t.Fatalf("boundary key = %q, want %q", keys[0], want)
	}

	sched, _ := store.GetSchedule(ctx, "report")
	if sched.LastRunAt == nil || !sched.LastRunAt.Equal(time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)) {
		t.Fatalf("last_run_at not advanced: %v", sched.LastRunAt)
	}
	if !sched.NextRunAt.After(clk.Now()) {
		t.Fatalf("next_run_at %v not in the future of %v", sched.NextRunAt, clk.Now())
	}
}

func TestSchedulerCoalesceSkipsMissedBoundaries(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s, driver, _ := newTestScheduler(t, CatchupCoalesce, clk)
	ctx := context.Background()

	if err := s.Upsert(ctx, "sync", "q", "* * * * *", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Ten minutes of downtime: ten boundaries matured.
	clk.Advance(10 * time.Minute)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(driver.keys()); got != 1 {
		t.Fatalf("coalesce fired %d jobs, want 1", got)
	}
}

func TestSchedulerReplayFiresEveryMissedBoundary(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s, driver, _ := newTestScheduler(t, CatchupReplay, clk)
	ctx := context.Background()

	if err := s.Upsert(ctx, "sync", "q", "* * * * *", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	clk.Advance(5 * time.Minute)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Boundaries 00:01 through 00:05.
	if got := len(driver.keys()); got != 5 {
		t.Fatalf("replay fired %d jobs, want 5", got)
	}
}

func TestSchedulerTickIsIdempotentAcrossInstances(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	driver := newEnqueueRecorder()
	store := newMemScheduleStore()
	client := NewClient(driver, nil)
	a := NewScheduler(client, store, SchedulerConfig{Clock: clk}, nil)
	b := NewScheduler(client, store, SchedulerConfig{Clock: clk}, nil)
	ctx := context.Background()

	if err := a.Upsert(ctx, "k", "q", "* * * * *", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	clk.Advance(time.Minute)

	// Both instances observe the same due schedule; the key dedup and the
	// MarkScheduleRun CAS make the double tick harmless.
	if err := a.Tick(ctx); err != nil {
		t.Fatalf("tick a: %v", err)
	}
	if err := b.Tick(ctx); err != nil {
		t.Fatalf("tick b: %v", err)
	}
	if got := len(driver.keys()); got != 1 {
		t.Fatalf("got %d enqueues across two instances, want 1", got)
	}
}

func TestSchedulerDisableStopsFiring(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	s, driver, _ := newTestScheduler(t, CatchupCoalesce, clk)
	ctx := context.Background()

	if err := s.Upsert(ctx, "k", "q", "* * * * *", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if ok, err := s.Disable(ctx, "k"); err != nil || !ok {
		t.Fatalf("disable: ok=%v err=%v", ok, err)
	}
	clk.Advance(5 * time.Minute)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(driver.keys()) != 0 {
		t.Fatal("disabled schedule fired")
	}

	if ok, err := s.Enable(ctx, "k"); err != nil || !ok {
		t.Fatalf("enable: ok=%v err=%v", ok, err)
	}
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(driver.keys()) != 1 {
		t.Fatalf("re-enabled schedule did not fire, got %d", len(driver.keys()))
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s, _, _ := newTestScheduler(t, CatchupCoalesce, newFakeClock(time.Now()))
	s.Start()
	s.Start()
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler should be stopped")
	}
}
