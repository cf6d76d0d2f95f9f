package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trovehq/trove/internal/platform/logger"
)

// Handler runs one claimed job. Returning nil completes the job; a
// PermanentError fails it immediately; any other error consumes an attempt
// and retries with backoff while attempts remain.
type Handler func(jc *JobContext) error

// WorkerConfig tunes one worker. The zero value is usable after defaults:
// concurrency 1, 1s polling, 30s leases, 10s heartbeats.
type WorkerConfig struct {
	Queue             string
	Concurrency       int
	PollInterval      time.Duration
	LockDuration      time.Duration
	HeartbeatInterval time.Duration
	Backoff           Backoff
	Callbacks         Callbacks
	// ReapInterval is how often the stalled reaper runs when the driver
	// supports it. Defaults to LockDuration.
	ReapInterval time.Duration
	// Clock overrides the time source; nil means the system clock.
	Clock Clock
}

func (cfg WorkerConfig) withDefaults() WorkerConfig {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.LockDuration/2 {
		cfg.HeartbeatInterval = cfg.LockDuration / 3
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.LockDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return cfg
}

/*
Worker binds one queue to one handler. A single poll loop claims up to the
number of free slots each tick and spawns a goroutine per claimed job; each
job goroutine runs an automatic heartbeat until its handler returns.

Within one worker, jobs are claimed in priority/schedule order; with
Concurrency > 1 completion order is unconstrained. Stop drains: the poll loop
halts immediately, in-flight handlers see their context cancelled but are
waited for, and their commits still go through the ownership guard.
*/
type Worker struct {
	id      string
	client  *Client
	driver  Driver
	handler Handler
	cfg     WorkerConfig
	log     *logger.Logger
	clock   Clock

	running  atomic.Bool
	inflight atomic.Int64
	wake     chan struct{}

	pollCancel    context.CancelFunc
	handlerCancel context.CancelFunc
	pollCtx       context.Context
	handlerCtx    context.Context
	wg            sync.WaitGroup
	loopDone      chan struct{}
}

func NewWorker(client *Client, cfg WorkerConfig, handler Handler, baseLog *logger.Logger) (*Worker, error) {
	if client == nil {
		return nil, fmt.Errorf("queue: worker requires a client")
	}
	if handler == nil {
		return nil, fmt.Errorf("queue: worker requires a handler")
	}
	cfg = cfg.withDefaults()
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue: worker requires a queue name")
	}
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	id := uuid.NewString()
	return &Worker{
		id:      id,
		client:  client,
		driver:  client.Driver(),
		handler: handler,
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     baseLog.With("component", "QueueWorker", "queue", cfg.Queue, "worker_id", id),
		wake:    make(chan struct{}, 1),
	}, nil
}

// ID returns the worker's stable identity, used as the lease owner.
func (w *Worker) ID() string { return w.id }

// Start launches the poll loop. Idempotent while running.
func (w *Worker) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.pollCtx, w.pollCancel = context.WithCancel(context.Background())
	w.handlerCtx, w.handlerCancel = context.WithCancel(context.Background())
	w.loopDone = make(chan struct{})
	w.log.Info("Worker starting", "concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval)
	go w.pollLoop()
	if reaper, ok := w.driver.(StalledReaper); ok {
		go w.reapLoop(reaper)
	}
}

// Stop halts polling, signals in-flight handlers, and waits for them to
// return. Idempotent.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.log.Info("Worker stopping")
	w.pollCancel()
	<-w.loopDone
	w.handlerCancel()
	w.wg.Wait()
	w.log.Info("Worker stopped")
}

// IsRunning reports whether the poll loop is live.
func (w *Worker) IsRunning() bool { return w.running.Load() }

func (w *Worker) pollLoop() {
	defer close(w.loopDone)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.pollOnce()
		select {
		case <-w.pollCtx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Worker) pollOnce() {
	free := w.cfg.Concurrency - int(w.inflight.Load())
	if free <= 0 {
		return
	}
	jobs, err := w.driver.Claim(w.pollCtx, w.cfg.Queue, w.id, free, w.cfg.LockDuration)
	if err != nil {
		if w.pollCtx.Err() == nil {
			w.log.Warn("Claim failed", "error", err)
		}
		return
	}
	for _, job := range jobs {
		w.inflight.Add(1)
		w.wg.Add(1)
		go w.run(job)
	}
}

func (w *Worker) run(job *Job) {
	defer w.wg.Done()
	defer func() {
		w.inflight.Add(-1)
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}()

	jobCtx, cancel := context.WithCancel(w.handlerCtx)
	defer cancel()
	w.client.cancels.register(job.ID, cancel)
	defer w.client.cancels.unregister(job.ID)

	jc := newJobContext(jobCtx, job, w.id, w.driver, w.cfg.Callbacks, w.cfg.LockDuration, w.clock, w.log)

	hbDone := make(chan struct{})
	go w.heartbeat(job.ID, cancel, hbDone)

	runErr := w.invoke(jc)
	close(hbDone)

	w.commit(job, runErr)
}

// heartbeat renews the lease on a ticker until the handler returns. On a
// lost lease it cancels the handler context and exits; the commit path's
// ownership guard handles the rest.
func (w *Worker) heartbeat(jobID string, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ok, err := w.driver.RenewLease(context.Background(), jobID, w.id, w.cfg.LockDuration)
			if err != nil {
				w.log.Warn("Lease renewal error", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				w.log.Warn("Lease lost, aborting handler", "job_id", jobID)
				cancel()
				return
			}
		}
	}
}

// invoke runs the handler with panic isolation. A panic is committed like a
// retryable handler error.
func (w *Worker) invoke(jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic", "job_id", jc.job.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(jc)
}

/*
commit writes the attempt's outcome. Every write is conditional on this
worker still owning the job; a false return means the job was cancelled,
reclaimed, or superseded, and is logged and dropped, never retried.

Commits run on a background context so a graceful drain can still record
results after Stop.
*/
func (w *Worker) commit(job *Job, runErr error) {
	ctx := context.Background()
	switch {
	case runErr == nil:
		ok, err := w.driver.Complete(ctx, job.ID, w.id)
		if err != nil {
			w.log.Error("Complete failed", "job_id", job.ID, "error", err)
			return
		}
		if !ok {
			w.log.Warn("Complete skipped, ownership lost", "job_id", job.ID)
			return
		}
		fire(w.log, "OnJobComplete", w.cfg.Callbacks.OnJobComplete, Event{
			JobID:    job.ID,
			Queue:    job.Queue,
			Progress: 100,
			Metadata: job.Metadata,
		})

	case IsPermanent(runErr) || job.Attempts >= job.MaxAttempts:
		ok, err := w.driver.Fail(ctx, job.ID, w.id, runErr.Error(), nil)
		if err != nil {
			w.log.Error("Fail commit failed", "job_id", job.ID, "error", err)
			return
		}
		if !ok {
			w.log.Warn("Fail skipped, ownership lost", "job_id", job.ID)
			return
		}
		fire(w.log, "OnJobFail", w.cfg.Callbacks.OnJobFail, Event{
			JobID:    job.ID,
			Queue:    job.Queue,
			Progress: job.OverallProgress,
			Error:    runErr.Error(),
			Metadata: job.Metadata,
		})

	default:
		requeueAt := w.clock.Now().Add(w.cfg.Backoff.Delay(job.Attempts))
		ok, err := w.driver.Fail(ctx, job.ID, w.id, runErr.Error(), &requeueAt)
		if err != nil {
			w.log.Error("Requeue commit failed", "job_id", job.ID, "error", err)
			return
		}
		if !ok {
			w.log.Warn("Requeue skipped, ownership lost", "job_id", job.ID)
			return
		}
		w.log.Debug("Job requeued with backoff",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"next_run", requeueAt,
			"error", runErr.Error(),
		)
	}
}

func (w *Worker) reapLoop(reaper StalledReaper) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.pollCtx.Done():
			return
		case <-ticker.C:
			n, err := reaper.ReapStalled(w.pollCtx)
			if err != nil {
				if w.pollCtx.Err() == nil {
					w.log.Warn("Stalled reap failed", "error", err)
				}
				continue
			}
			if n > 0 {
				w.log.Info("Recovered stalled jobs", "count", n)
			}
		}
	}
}
