package queue

import "time"

// Status is the lifecycle state of a job or a stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions happen without an explicit
// Retry or re-enqueue.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

/*
Job is the persistent unit of work. The same record shape is surfaced by both
drivers: the relational driver maps it onto the queue_jobs row, the redis
driver onto the per-job hash.

While Status is "processing" the lease triple (LockedBy, LockedAt, ExpiresAt)
is non-nil; in every other state it is cleared. A worker owns the job iff
LockedBy equals its workerID and ExpiresAt is in the future.
*/
type Job struct {
	ID           string         `json:"id"`
	Queue        string         `json:"queue"`
	Key          string         `json:"key,omitempty"`
	Data         map[string]any `json:"data"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Priority     int            `json:"priority"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	Status       Status         `json:"status"`
	LockedBy     string         `json:"locked_by,omitempty"`
	LockedAt     *time.Time     `json:"locked_at,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Stages       []Stage        `json:"stages,omitempty"`
	// CurrentStageIndex is derived from Stages (first processing stage,
	// otherwise the number of completed stages). It is not stored.
	CurrentStageIndex int       `json:"current_stage_index"`
	OverallProgress   int       `json:"overall_progress"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Stage is a named sub-step of a job, used for observability and progress
// roll-up. Stage names are unique within a job.
type Stage struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Stats is an advisory snapshot of queue depth by state. Pending counts jobs
// eligible now; Delayed counts pending jobs whose scheduled_for is still in
// the future.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
}

// Schedule is a cron-driven job factory. Schedules are never deleted;
// disable by setting Enabled = false.
type Schedule struct {
	Key       string         `json:"key"`
	Queue     string         `json:"queue"`
	Cron      string         `json:"cron"`
	Data      map[string]any `json:"data,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt time.Time      `json:"next_run_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
