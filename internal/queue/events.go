package queue

import "github.com/trovehq/trove/internal/platform/logger"

// Event is the payload handed to every callback. Metadata is the job's
// metadata, passed through unchanged.
type Event struct {
	JobID     string         `json:"job_id"`
	Queue     string         `json:"queue"`
	Stage     string         `json:"stage,omitempty"`
	Progress  int            `json:"progress"`
	Error     string         `json:"error,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

/*
Callbacks is the optional event surface of a worker. Every field may be nil.
Callbacks run synchronously on the worker goroutine that performed the
transition, after the transition has been persisted. A panicking callback is
caught and logged; it never rolls back the transition or kills the worker.
*/
type Callbacks struct {
	OnStageStart    func(Event)
	OnStageProgress func(Event)
	OnStageComplete func(Event)
	OnStageFail     func(Event)
	OnJobComplete   func(Event)
	OnJobFail       func(Event)
}

// fire invokes fn(ev) with panic isolation.
func fire(log *logger.Logger, name string, fn func(Event), ev Event) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event callback panic", "callback", name, "job_id", ev.JobID, "panic", r)
		}
	}()
	fn(ev)
}
