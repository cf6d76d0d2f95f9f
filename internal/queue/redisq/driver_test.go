package redisq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trovehq/trove/internal/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

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

func newTestDriver(t *testing.T) (*Driver, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := New(rdb, Config{Prefix: "t", Clock: clk}, nil)
	t.Cleanup(func() { d.Close() })
	return d, clk
}

func TestEnqueueAndGetJob(t *testing.T) {
	d, clk := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", map[string]any{"url": "https://example.com"}, queue.EnqueueOptions{
		Key:         "bm:1",
		Priority:    3,
		MaxAttempts: 4,
		Metadata:    map[string]any{"source": "import"},
		Stages:      []string{"fetch", "index"},
	})
	require.NoError(t, err)

	byID, err := d.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, "q", byID.Queue)
	require.Equal(t, "bm:1", byID.Key)
	require.Equal(t, 3, byID.Priority)
	require.Equal(t, 4, byID.MaxAttempts)
	require.Equal(t, queue.StatusPending, byID.Status)
	require.Equal(t, "https://example.com", byID.Data["url"])
	require.Equal(t, "import", byID.Metadata["source"])
	require.Len(t, byID.Stages, 2)
	require.True(t, byID.ScheduledFor.Equal(clk.Now()))
	require.Nil(t, byID.LockedAt)
	require.Nil(t, byID.ExpiresAt)

	byKey, err := d.GetJob(ctx, "bm:1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	require.Equal(t, id, byKey.ID)

	missing, err := d.GetJob(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestEnqueueReplacePolicies(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	id1, err := d.Enqueue(ctx, "q", map[string]any{"v": 1}, queue.EnqueueOptions{Key: "k"})
	require.NoError(t, err)

	id2, err := d.Enqueue(ctx, "q", map[string]any{"v": 2}, queue.EnqueueOptions{
		Key: "k", Replace: queue.ReplaceNever,
	})
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	job, err := d.GetJob(ctx, id1)
	require.NoError(t, err)
	require.EqualValues(t, 1, job.Data["v"])

	id3, err := d.Enqueue(ctx, "q", map[string]any{"v": 3}, queue.EnqueueOptions{
		Key: "k", Replace: queue.ReplaceIfNotActive,
	})
	require.NoError(t, err)
	require.Equal(t, id1, id3)
	job, err = d.GetJob(ctx, id1)
	require.NoError(t, err)
	require.EqualValues(t, 3, job.Data["v"])

	// The replaced job occupies the wait list exactly once.
	jobs, err := d.Claim(ctx, "q", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{
		Key: "k", Replace: queue.ReplaceAlways,
	})
	require.ErrorIs(t, err, queue.ErrReplaceProcessing)
}

func TestClaimPriorityOrder(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	low, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	urgent, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Priority: -1})
	require.NoError(t, err)
	normal1, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	normal2, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	jobs, err := d.Claim(ctx, "q", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	got := []string{jobs[0].ID, jobs[1].ID, jobs[2].ID, jobs[3].ID}
	require.Equal(t, []string{urgent, normal1, normal2, low}, got)
	for _, j := range jobs {
		require.Equal(t, queue.StatusProcessing, j.Status)
		require.Equal(t, "w1", j.LockedBy)
		require.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.ExpiresAt)
	}
}

func TestDelayedJobsPromoteAtEligibility(t *testing.T) {
	d, clk := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	jobs, err := d.Claim(ctx, "q", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, jobs)

	stats, err := d.Stats(ctx, "q")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Delayed)
	require.EqualValues(t, 0, stats.Pending)

	clk.Advance(time.Hour + time.Second)
	jobs, err = d.Claim(ctx, "q", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].ID)
}

func TestLeaseGuards(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)

	ok, err := d.RenewLease(ctx, id, "intruder", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = d.Complete(ctx, id, "intruder")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = d.Fail(ctx, id, "intruder", "boom", nil)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = d.UpdateStages(ctx, id, "intruder", nil, 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = d.RenewLease(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.Complete(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	job, err := d.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
	require.Equal(t, 100, job.OverallProgress)
	require.Empty(t, job.LockedBy)
	require.Nil(t, job.ExpiresAt)

	// Committing twice is a no-op.
	ok, err = d.Complete(ctx, id, "w1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFailWithRequeueGoesThroughDelayed(t *testing.T) {
	d, clk := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)
	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)

	requeueAt := clk.Now().Add(5 * time.Second)
	ok, err := d.Fail(ctx, id, "w1", "transient", &requeueAt)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := d.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)
	require.Equal(t, "transient", job.LastError)
	require.Equal(t, 1, job.Attempts)

	none, err := d.Claim(ctx, "q", "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)

	clk.Advance(6 * time.Second)
	again, err := d.Claim(ctx, "q", "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
}

func TestCancelTransitions(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	pending, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)
	ok, err := d.Cancel(ctx, pending)
	require.NoError(t, err)
	require.True(t, ok)
	job, err := d.GetJob(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.Equal(t, "cancelled", job.LastError)

	// Cancelled jobs never surface in a claim.
	jobs, err := d.Claim(ctx, "q", "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, jobs)

	ok, err = d.Cancel(ctx, pending)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = d.Cancel(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	running, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)
	ok, err = d.Cancel(ctx, running)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.Complete(ctx, running, "w1")
	require.NoError(t, err)
	require.False(t, ok, "commit after cancel must lose the ownership guard")
}

func TestRetryResetsFailedJob(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Key: "k", Priority: 2})
	require.NoError(t, err)
	ok, err := d.Retry(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "pending jobs are not retryable")

	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)
	ok, err = d.Fail(ctx, id, "w1", "boom", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.Retry(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	job, err := d.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)
	require.Equal(t, 0, job.Attempts)
	require.Empty(t, job.LastError)

	// Back in its priority bucket and claimable.
	jobs, err := d.Claim(ctx, "q", "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].ID)
}

func TestReapStalledRecoversThenFails(t *testing.T) {
	d, clk := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)
	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)

	// Lease still live: nothing to reap.
	n, err := d.ReapStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// First stall: back to pending.
	clk.Advance(2 * time.Minute)
	n, err = d.ReapStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	job, err := d.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, job.Status)

	// Second stall exceeds MaxStalled (default 1): terminal failure even
	// with attempts remaining.
	_, err = d.Claim(ctx, "q", "w2", 1, time.Minute)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	n, err = d.ReapStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	job, err = d.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.Contains(t, job.LastError, "stalled")
}

func TestStatsCountsByState(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Priority: 4})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)
	claimed, err := d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)
	ok, err := d.Fail(ctx, claimed[0].ID, "w1", "boom", nil)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)
	ok, err = d.Complete(ctx, claimed[0].ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)

	stats, err := d.Stats(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, queue.Stats{
		Pending:    0,
		Processing: 1,
		Completed:  1,
		Failed:     1,
		Delayed:    1,
	}, stats)
}

func TestUpdateStagesRoundTrips(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Stages: []string{"a", "b"}})
	require.NoError(t, err)
	_, err = d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)

	stages := []queue.Stage{
		{Name: "a", Status: queue.StatusCompleted, Progress: 100, Artifacts: map[string]any{"rows": 12}},
		{Name: "b", Status: queue.StatusProcessing, Progress: 40},
	}
	ok, err := d.UpdateStages(ctx, id, "w1", stages, 70)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := d.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 70, job.OverallProgress)
	require.Equal(t, 1, job.CurrentStageIndex)
	require.EqualValues(t, 12, job.Stages[0].Artifacts["rows"])
}

func TestListJobsByStatus(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	_, err := d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, "q", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := d.Claim(ctx, "q", "w1", 1, time.Minute)
	require.NoError(t, err)
	ok, err := d.Complete(ctx, claimed[0].ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := d.ListJobs(ctx, "q", queue.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2, "wait plus delayed")
	completed, err := d.ListJobs(ctx, "q", queue.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	all, err := d.ListJobs(ctx, "q", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestScheduleStoreCAS(t *testing.T) {
	d, clk := newTestDriver(t)
	ctx := context.Background()
	now := clk.Now()

	sched := &queue.Schedule{
		Key:       "reports:daily",
		Queue:     "reports",
		Cron:      "0 6 * * *",
		Data:      map[string]any{"kind": "daily"},
		Enabled:   true,
		NextRunAt: now.Add(time.Hour),
	}
	require.NoError(t, d.UpsertSchedule(ctx, sched))

	got, err := d.GetSchedule(ctx, "reports:daily")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "0 6 * * *", got.Cron)
	require.Equal(t, "daily", got.Data["kind"])
	require.True(t, got.NextRunAt.Equal(now.Add(time.Hour)))
	require.Nil(t, got.LastRunAt)

	due, err := d.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)
	due, err = d.DueSchedules(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	prev := got.NextRunAt
	ok, err := d.MarkScheduleRun(ctx, "reports:daily", prev, prev, prev.Add(24*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.MarkScheduleRun(ctx, "reports:daily", prev, prev, prev.Add(24*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	got, err = d.GetSchedule(ctx, "reports:daily")
	require.NoError(t, err)
	require.True(t, got.NextRunAt.Equal(prev.Add(24*time.Hour)))
	require.NotNil(t, got.LastRunAt)

	ok, err = d.SetScheduleEnabled(ctx, "reports:daily", false)
	require.NoError(t, err)
	require.True(t, ok)
	due, err = d.DueSchedules(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)

	ok, err = d.SetScheduleEnabled(ctx, "missing", true)
	require.NoError(t, err)
	require.False(t, ok)
}
