package sqlq

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/trovehq/trove/internal/queue"
)

/*
jobRow is the single row layout shared by SQLite and Postgres. Column names,
defaults and nullability are identical on both engines; schema parity is
asserted by tests.

Indexes:
  - (queue, status, scheduled_for, priority, created_at) serves the claim
    predicate,
  - (status, expires_at) serves stale-lease sweeps,
  - the partial unique index on (queue, "key") is created in Migrate because
    gorm tags cannot express partial indexes portably.
*/
type jobRow struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Queue           string         `gorm:"column:queue;not null;index:idx_queue_jobs_claim,priority:1"`
	Key             *string        `gorm:"column:key"`
	Data            datatypes.JSON `gorm:"column:data;not null"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
	Priority        int            `gorm:"column:priority;not null;default:0;index:idx_queue_jobs_claim,priority:4"`
	ScheduledFor    time.Time      `gorm:"column:scheduled_for;not null;index:idx_queue_jobs_claim,priority:3"`
	Attempts        int            `gorm:"column:attempts;not null;default:0"`
	MaxAttempts     int            `gorm:"column:max_attempts;not null;default:1"`
	Status          string         `gorm:"column:status;not null;default:pending;index:idx_queue_jobs_claim,priority:2;index:idx_queue_jobs_lease,priority:1"`
	LockedBy        *string        `gorm:"column:locked_by"`
	LockedAt        *time.Time     `gorm:"column:locked_at"`
	ExpiresAt       *time.Time     `gorm:"column:expires_at;index:idx_queue_jobs_lease,priority:2"`
	LastError       *string        `gorm:"column:last_error"`
	Stages          datatypes.JSON `gorm:"column:stages"`
	OverallProgress int            `gorm:"column:overall_progress;not null;default:0"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;index:idx_queue_jobs_claim,priority:5"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null"`
}

func (jobRow) TableName() string { return "queue_jobs" }

type scheduleRow struct {
	Key       string         `gorm:"column:key;primaryKey"`
	Queue     string         `gorm:"column:queue;not null"`
	Cron      string         `gorm:"column:cron;not null"`
	Data      datatypes.JSON `gorm:"column:data"`
	Enabled   bool           `gorm:"column:enabled;not null;default:true"`
	LastRunAt *time.Time     `gorm:"column:last_run_at"`
	NextRunAt time.Time      `gorm:"column:next_run_at;not null;index:idx_queue_schedules_due"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

func (scheduleRow) TableName() string { return "queue_schedules" }

// marshalJSON renders a map column; nil maps become an empty object so NOT
// NULL columns stay satisfied.
func marshalJSON(m map[string]any) (datatypes.JSON, error) {
	if len(m) == 0 {
		return datatypes.JSON([]byte("{}")), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func marshalNullableJSON(m map[string]any) (datatypes.JSON, error) {
	if m == nil {
		return nil, nil
	}
	return marshalJSON(m)
}

func marshalStages(stages []queue.Stage) (datatypes.JSON, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(stages)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func unmarshalMap(j datatypes.JSON) (map[string]any, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(j, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStages(j datatypes.JSON) ([]queue.Stage, error) {
	if len(j) == 0 {
		return nil, nil
	}
	var stages []queue.Stage
	if err := json.Unmarshal(j, &stages); err != nil {
		return nil, err
	}
	return stages, nil
}

func (r *jobRow) toJob() (*queue.Job, error) {
	data, err := unmarshalMap(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decode job %s data: %w", r.ID, err)
	}
	meta, err := unmarshalMap(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decode job %s metadata: %w", r.ID, err)
	}
	stages, err := unmarshalStages(r.Stages)
	if err != nil {
		return nil, fmt.Errorf("decode job %s stages: %w", r.ID, err)
	}
	j := &queue.Job{
		ID:                r.ID,
		Queue:             r.Queue,
		Data:              data,
		Metadata:          meta,
		Priority:          r.Priority,
		ScheduledFor:      r.ScheduledFor,
		Attempts:          r.Attempts,
		MaxAttempts:       r.MaxAttempts,
		Status:            queue.Status(r.Status),
		LockedAt:          r.LockedAt,
		ExpiresAt:         r.ExpiresAt,
		Stages:            stages,
		CurrentStageIndex: queue.CurrentStageIndex(stages),
		OverallProgress:   r.OverallProgress,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Key != nil {
		j.Key = *r.Key
	}
	if r.LockedBy != nil {
		j.LockedBy = *r.LockedBy
	}
	if r.LastError != nil {
		j.LastError = *r.LastError
	}
	return j, nil
}

func (r *scheduleRow) toSchedule() (*queue.Schedule, error) {
	data, err := unmarshalMap(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decode schedule %s data: %w", r.Key, err)
	}
	return &queue.Schedule{
		Key:       r.Key,
		Queue:     r.Queue,
		Cron:      r.Cron,
		Data:      data,
		Enabled:   r.Enabled,
		LastRunAt: r.LastRunAt,
		NextRunAt: r.NextRunAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
