package queue

import "time"

// ReplacePolicy controls what Enqueue does when a job with the same
// (queue, key) already exists.
type ReplacePolicy string

const (
	// ReplaceNever returns the existing job's id untouched.
	ReplaceNever ReplacePolicy = "never"
	// ReplaceIfNotActive (the default) resets the existing row in place to a
	// fresh pending job unless it is currently processing, in which case the
	// existing id is returned unchanged.
	ReplaceIfNotActive ReplacePolicy = "if_not_active"
	// ReplaceAlways behaves like ReplaceIfNotActive but returns
	// ErrReplaceProcessing instead of silently keeping a processing row.
	ReplaceAlways ReplacePolicy = "always"
)

// EnqueueOptions tunes a single Enqueue call. The zero value is valid:
// priority 0, one attempt, eligible immediately, ReplaceIfNotActive.
type EnqueueOptions struct {
	// Key deduplicates per queue. Empty means no deduplication.
	Key string
	// Priority orders claims; lower runs first. Default 0.
	Priority int
	// Delay postpones eligibility relative to enqueue time.
	Delay time.Duration
	// RunAt pins eligibility to an absolute time and wins over Delay.
	RunAt *time.Time
	// MaxAttempts caps attempts. Default 1.
	MaxAttempts int
	// Metadata is opaque tagging propagated to event callbacks.
	Metadata map[string]any
	// Stages pre-declares the job's stage list by name.
	Stages []string
	// Replace selects the dedup policy for keyed enqueues.
	Replace ReplacePolicy
}

func (o EnqueueOptions) WithDefaults() EnqueueOptions {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Replace == "" {
		o.Replace = ReplaceIfNotActive
	}
	return o
}

// ScheduledFor resolves the job's eligibility time: RunAt wins, then
// now + Delay, then now.
func (o EnqueueOptions) ScheduledFor(now time.Time) time.Time {
	if o.RunAt != nil {
		return *o.RunAt
	}
	if o.Delay > 0 {
		return now.Add(o.Delay)
	}
	return now
}

// InitialStages builds the pending stage list declared in the options.
func (o EnqueueOptions) InitialStages() []Stage {
	return newStages(o.Stages)
}
