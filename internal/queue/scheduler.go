package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trovehq/trove/internal/platform/logger"
)

// CatchupPolicy decides what happens when cron boundaries elapsed while no
// scheduler was running.
type CatchupPolicy string

const (
	// CatchupCoalesce (default) enqueues one job and advances straight to
	// the first future boundary.
	CatchupCoalesce CatchupPolicy = "coalesce"
	// CatchupReplay enqueues one job per missed boundary.
	CatchupReplay CatchupPolicy = "replay"
)

type SchedulerConfig struct {
	CheckInterval time.Duration
	Catchup       CatchupPolicy
	// Clock overrides the time source; nil means the system clock.
	Clock Clock
}

func (cfg SchedulerConfig) withDefaults() SchedulerConfig {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 1 * time.Second
	}
	if cfg.Catchup == "" {
		cfg.Catchup = CatchupCoalesce
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return cfg
}

/*
Scheduler turns cron schedules into jobs. Every CheckInterval it loads the
schedules whose next_run_at has matured, enqueues a job per due boundary, and
advances the schedule.

Running multiple instances is safe twice over: the enqueue key
"<schedule.key>:<boundary RFC3339>" dedups the job itself, and
MarkScheduleRun only advances a schedule whose next_run_at is still the value
this instance observed.
*/
type Scheduler struct {
	client *Client
	store  ScheduleStore
	cfg    SchedulerConfig
	log    *logger.Logger
	clock  Clock

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(client *Client, store ScheduleStore, cfg SchedulerConfig, baseLog *logger.Logger) *Scheduler {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		client: client,
		store:  store,
		cfg:    cfg,
		clock:  cfg.Clock,
		log:    baseLog.With("component", "QueueScheduler"),
	}
}

// Upsert creates or updates a schedule. The cron expression is validated
// here; next_run_at is recomputed only when the expression changed, so a
// re-deploy upserting identical schedules never shifts their cadence.
func (s *Scheduler) Upsert(ctx context.Context, key, queue, cronExpr string, data map[string]any) error {
	spec, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	now := s.clock.Now()
	sched := &Schedule{
		Key:       key,
		Queue:     queue,
		Cron:      cronExpr,
		Data:      data,
		Enabled:   true,
		NextRunAt: spec.Next(now),
	}
	existing, err := s.store.GetSchedule(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil && existing.Cron == cronExpr {
		sched.NextRunAt = existing.NextRunAt
		sched.LastRunAt = existing.LastRunAt
		sched.Enabled = existing.Enabled
	}
	return s.store.UpsertSchedule(ctx, sched)
}

// Enable and Disable flip a schedule without deleting it.
func (s *Scheduler) Enable(ctx context.Context, key string) (bool, error) {
	return s.store.SetScheduleEnabled(ctx, key, true)
}

func (s *Scheduler) Disable(ctx context.Context, key string) (bool, error) {
	return s.store.SetScheduleEnabled(ctx, key, false)
}

// Start launches the check loop. Idempotent.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.log.Info("Scheduler starting", "check_interval", s.cfg.CheckInterval, "catchup", s.cfg.Catchup)
	go s.loop(ctx)
}

// Stop halts the loop and waits for the in-flight tick. Idempotent.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) IsRunning() bool { return s.running.Load() }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("Schedule tick failed", "error", err)
			}
		}
	}
}

// Tick processes every matured schedule once. Exposed for tests and for
// callers driving the scheduler from their own loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.log.Warn("Schedule fire failed", "schedule", sched.Key, "error", err)
		}
	}
	return nil
}

/*
fire enqueues the job(s) for one matured schedule and advances it.

The job key embeds the boundary timestamp, so re-running after a crash
between enqueue and MarkScheduleRun dedups instead of double-firing. With
CatchupReplay every boundary between next_run_at and now gets its own job;
with CatchupCoalesce only the observed boundary fires and the schedule jumps
to the first future boundary.
*/
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) error {
	spec, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Cron, err)
	}

	boundary := sched.NextRunAt
	lastFired := boundary
	if _, err := s.enqueueBoundary(ctx, sched, boundary); err != nil {
		return err
	}

	var next time.Time
	switch s.cfg.Catchup {
	case CatchupReplay:
		next = spec.Next(boundary)
		for !next.After(now) {
			if _, err := s.enqueueBoundary(ctx, sched, next); err != nil {
				return err
			}
			lastFired = next
			next = spec.Next(next)
		}
	default:
		next = spec.Next(now)
	}

	ok, err := s.store.MarkScheduleRun(ctx, sched.Key, sched.NextRunAt, lastFired, next)
	if err != nil {
		return err
	}
	if !ok {
		// Another instance advanced it first; its enqueues dedup with ours.
		s.log.Debug("Schedule already advanced elsewhere", "schedule", sched.Key)
	}
	return nil
}

func (s *Scheduler) enqueueBoundary(ctx context.Context, sched *Schedule, boundary time.Time) (string, error) {
	key := fmt.Sprintf("%s:%s", sched.Key, boundary.UTC().Format(time.RFC3339))
	return s.client.Enqueue(ctx, sched.Queue, sched.Data, EnqueueOptions{
		Key:     key,
		Replace: ReplaceNever,
	})
}
