package queue

import (
	"context"
	"sync"
	"time"

	"github.com/trovehq/trove/internal/platform/logger"
)

/*
JobContext is the execution contract between the queue and handler code: the
only sanctioned way for a handler to heartbeat, report progress, and mutate
stages. Handlers never talk to the driver directly.

Stage mutations are serialized by an internal mutex, persisted through the
driver under the ownership guard, and only then surfaced through the event
callbacks. Once the lease is lost every mutator returns ErrLeaseLost and the
context is already cancelled.
*/
type JobContext struct {
	ctx      context.Context
	job      *Job
	workerID string
	driver   Driver
	log      *logger.Logger
	cb       Callbacks
	clock    Clock
	lease    time.Duration

	mu           sync.Mutex
	currentStage string
}

func newJobContext(ctx context.Context, job *Job, workerID string, driver Driver, cb Callbacks, lease time.Duration, clock Clock, log *logger.Logger) *JobContext {
	return &JobContext{
		ctx:      ctx,
		job:      job,
		workerID: workerID,
		driver:   driver,
		cb:       cb,
		clock:    clock,
		lease:    lease,
		log:      log.With("job_id", job.ID, "queue", job.Queue),
	}
}

// Context carries the cancellation signal: lease loss, explicit Cancel, and
// worker shutdown all cancel it. Handlers must treat all I/O as cancellable.
func (jc *JobContext) Context() context.Context { return jc.ctx }

// Cancelled is a convenience alias for Context().Done().
func (jc *JobContext) Cancelled() <-chan struct{} { return jc.ctx.Done() }

// Job returns the claimed job snapshot. Data and Metadata are the decoded
// payloads from enqueue time.
func (jc *JobContext) Job() *Job { return jc.job }

func (jc *JobContext) Data() map[string]any     { return jc.job.Data }
func (jc *JobContext) Metadata() map[string]any { return jc.job.Metadata }

// Heartbeat renews the lease explicitly. Safe to omit while the automatic
// heartbeat ticker runs; useful around long uninstrumented sections.
func (jc *JobContext) Heartbeat() error {
	ok, err := jc.driver.RenewLease(jc.ctx, jc.job.ID, jc.workerID, jc.lease)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Log writes an observational message tagged with the job's identity.
func (jc *JobContext) Log(msg string, keysAndValues ...interface{}) {
	jc.log.Info(msg, keysAndValues...)
}

// Progress reports percent done. With a current stage set it updates that
// stage's progress; otherwise it is log-only.
func (jc *JobContext) Progress(percent int) {
	jc.mu.Lock()
	stage := jc.currentStage
	jc.mu.Unlock()
	if stage == "" {
		jc.log.Debug("Job progress", "progress", percent)
		return
	}
	if err := jc.UpdateStageProgress(stage, percent); err != nil {
		jc.log.Warn("Progress update dropped", "stage", stage, "error", err)
	}
}

// InitStages declares the job's stage list. Only permitted while the list is
// empty.
func (jc *JobContext) InitStages(names ...string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if len(jc.job.Stages) > 0 {
		return ErrStagesInitialized
	}
	jc.job.Stages = newStages(names)
	return jc.persistStagesLocked()
}

// AddStages appends stages mid-flight. Names already present are skipped;
// existing stages are never reordered.
func (jc *JobContext) AddStages(names ...string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	for _, n := range names {
		if n == "" || stageIndex(jc.job.Stages, n) >= 0 {
			continue
		}
		jc.job.Stages = append(jc.job.Stages, Stage{Name: n, Status: StatusPending})
	}
	return jc.persistStagesLocked()
}

// StartStage marks a stage processing and makes it the target of Progress.
func (jc *JobContext) StartStage(name string) error {
	jc.mu.Lock()
	i := stageIndex(jc.job.Stages, name)
	if i < 0 {
		jc.mu.Unlock()
		return ErrUnknownStage
	}
	now := jc.clock.Now()
	jc.job.Stages[i].Status = StatusProcessing
	jc.job.Stages[i].StartedAt = &now
	jc.currentStage = name
	err := jc.persistStagesLocked()
	ev := jc.eventLocked(i)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
	fire(jc.log, "OnStageStart", jc.cb.OnStageStart, ev)
	return nil
}

// CompleteStage marks a stage completed with progress 100 and optional
// artifacts.
func (jc *JobContext) CompleteStage(name string, artifacts map[string]any) error {
	jc.mu.Lock()
	i := stageIndex(jc.job.Stages, name)
	if i < 0 {
		jc.mu.Unlock()
		return ErrUnknownStage
	}
	now := jc.clock.Now()
	jc.job.Stages[i].Status = StatusCompleted
	jc.job.Stages[i].Progress = 100
	jc.job.Stages[i].CompletedAt = &now
	if artifacts != nil {
		jc.job.Stages[i].Artifacts = artifacts
	}
	if jc.currentStage == name {
		jc.currentStage = ""
	}
	err := jc.persistStagesLocked()
	ev := jc.eventLocked(i)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
	fire(jc.log, "OnStageComplete", jc.cb.OnStageComplete, ev)
	return nil
}

// FailStage marks a stage failed and records its error. The job itself keeps
// running; failing the job is the handler's decision via its return value.
func (jc *JobContext) FailStage(name string, stageErr error) error {
	jc.mu.Lock()
	i := stageIndex(jc.job.Stages, name)
	if i < 0 {
		jc.mu.Unlock()
		return ErrUnknownStage
	}
	jc.job.Stages[i].Status = StatusFailed
	if stageErr != nil {
		jc.job.Stages[i].Error = stageErr.Error()
	}
	if jc.currentStage == name {
		jc.currentStage = ""
	}
	err := jc.persistStagesLocked()
	ev := jc.eventLocked(i)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
	fire(jc.log, "OnStageFail", jc.cb.OnStageFail, ev)
	return nil
}

// UpdateStageProgress sets a stage's progress. Values are clamped to
// [0, 99]; 100 is reserved for CompleteStage so that progress 100 always
// means the stage completed.
func (jc *JobContext) UpdateStageProgress(name string, percent int) error {
	jc.mu.Lock()
	i := stageIndex(jc.job.Stages, name)
	if i < 0 {
		jc.mu.Unlock()
		return ErrUnknownStage
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}
	jc.job.Stages[i].Progress = percent
	err := jc.persistStagesLocked()
	ev := jc.eventLocked(i)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
	fire(jc.log, "OnStageProgress", jc.cb.OnStageProgress, ev)
	return nil
}

// persistStagesLocked writes the stage list and rolled-up progress through
// the driver. Caller holds jc.mu.
func (jc *JobContext) persistStagesLocked() error {
	overall := RollUpProgress(jc.job.Stages)
	jc.job.OverallProgress = overall
	jc.job.CurrentStageIndex = CurrentStageIndex(jc.job.Stages)
	ok, err := jc.driver.UpdateStages(jc.ctx, jc.job.ID, jc.workerID, jc.job.Stages, overall)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (jc *JobContext) eventLocked(i int) Event {
	s := jc.job.Stages[i]
	return Event{
		JobID:     jc.job.ID,
		Queue:     jc.job.Queue,
		Stage:     s.Name,
		Progress:  s.Progress,
		Error:     s.Error,
		Artifacts: s.Artifacts,
		Metadata:  jc.job.Metadata,
	}
}
