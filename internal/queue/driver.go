package queue

import (
	"context"
	"time"
)

/*
Driver is the storage/coordination backend consumed by the client, the worker
and the scheduler. Two implementations exist: sqlq (SQLite/Postgres over one
row layout) and redisq (BullMQ-compatible key layout).

Methods returning bool report whether a state change occurred. false means an
ownership or state mismatch; callers log it and move on, they never treat it
as an error or retry the write.
*/
type Driver interface {
	// Enqueue persists a pending job and returns its id. With a key, the
	// dedup/replace policy in opts decides whether an existing job's id is
	// returned instead.
	Enqueue(ctx context.Context, queue string, data map[string]any, opts EnqueueOptions) (string, error)

	// GetJob looks a job up by id, then by key. Returns (nil, nil) when
	// nothing matches.
	GetJob(ctx context.Context, idOrKey string) (*Job, error)

	// Retry re-targets a failed job: attempts reset to 0, status pending,
	// eligible immediately. False for anything not currently failed.
	Retry(ctx context.Context, idOrKey string) (bool, error)

	// Cancel moves a pending or processing job to failed with
	// last_error = "cancelled". False on terminal or missing jobs.
	Cancel(ctx context.Context, id string) (bool, error)

	// Stats returns advisory per-state counts for one queue.
	Stats(ctx context.Context, queue string) (Stats, error)

	// Claim atomically takes up to n eligible jobs for workerID, marking
	// them processing with a lease of the given duration. No two workers
	// ever claim the same job.
	Claim(ctx context.Context, queue, workerID string, n int, lease time.Duration) ([]*Job, error)

	// RenewLease extends the lease. False means ownership was lost and the
	// handler must be aborted.
	RenewLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)

	// Complete commits a successful run: status completed, overall progress
	// 100, lease cleared. Guarded by ownership.
	Complete(ctx context.Context, id, workerID string) (bool, error)

	// Fail commits a failed attempt. With requeueAt set the job returns to
	// pending, eligible at that time; otherwise it is terminally failed.
	// Guarded by ownership.
	Fail(ctx context.Context, id, workerID, errMsg string, requeueAt *time.Time) (bool, error)

	// UpdateStages persists the stage list and the rolled-up overall
	// progress. Guarded by ownership.
	UpdateStages(ctx context.Context, id, workerID string, stages []Stage, overall int) (bool, error)

	// Close releases backend resources. Idempotent.
	Close() error
}

// ScheduleStore persists cron schedules. Both drivers implement it.
type ScheduleStore interface {
	// UpsertSchedule creates or overwrites the schedule identified by
	// s.Key.
	UpsertSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule returns (nil, nil) when the key is unknown.
	GetSchedule(ctx context.Context, key string) (*Schedule, error)

	// DueSchedules lists enabled schedules with next_run_at <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// MarkScheduleRun advances a schedule, but only if next_run_at still
	// equals prevNext. The compare-and-set keeps concurrent scheduler
	// instances from double-advancing.
	MarkScheduleRun(ctx context.Context, key string, prevNext, lastRun, nextRun time.Time) (bool, error)

	// SetScheduleEnabled flips the enabled flag. False when the key is
	// unknown.
	SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error)
}

// StalledReaper is an optional driver capability. The worker runs it
// periodically when the driver exposes it; it returns how many stalled jobs
// were recovered.
type StalledReaper interface {
	ReapStalled(ctx context.Context) (int, error)
}
