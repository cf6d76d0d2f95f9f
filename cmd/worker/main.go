package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/trovehq/trove/internal/platform/db"
	"github.com/trovehq/trove/internal/platform/logger"
	"github.com/trovehq/trove/internal/queue"
	"github.com/trovehq/trove/internal/queue/redisq"
	"github.com/trovehq/trove/internal/queue/sqlq"
)

type config struct {
	LogMode string `env:"LOG_MODE" envDefault:"development"`

	// Driver selects the queue backend: sqlite, postgres or redis.
	Driver      string `env:"QUEUE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"trove.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"trove"`

	Concurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	LockDuration time.Duration `env:"WORKER_LOCK_DURATION" envDefault:"30s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("Failed to parse environment: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	driver, err := openDriver(cfg, log)
	if err != nil {
		log.Error("Could not init queue driver", "driver", cfg.Driver, "error", err)
		os.Exit(1)
	}

	client := queue.NewClient(driver, log)
	defer client.Close()

	store, ok := driver.(queue.ScheduleStore)
	if !ok {
		log.Error("Driver does not support schedules", "driver", cfg.Driver)
		os.Exit(1)
	}
	scheduler := queue.NewScheduler(client, store, queue.SchedulerConfig{}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registerSchedules(ctx, scheduler); err != nil {
		log.Error("Could not register schedules", "error", err)
		os.Exit(1)
	}

	workers, err := buildWorkers(client, cfg, log)
	if err != nil {
		log.Error("Could not build workers", "error", err)
		os.Exit(1)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		w.Start()
	}
	scheduler.Start()

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutdown signal received, draining")
		scheduler.Stop()
		for _, w := range workers {
			w.Stop()
		}
		return nil
	})

	log.Info("Worker process up",
		"driver", cfg.Driver,
		"queues", []string{bookmarkQueue, mediaQueue, maintenanceQueue},
		"concurrency", cfg.Concurrency,
	)
	if err := g.Wait(); err != nil {
		log.Error("Worker process exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Worker process stopped")
}

func openDriver(cfg config, log *logger.Logger) (queue.Driver, error) {
	switch cfg.Driver {
	case "sqlite":
		gdb, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlq.New(gdb, log, nil)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required with QUEUE_DRIVER=postgres")
		}
		gdb, err := db.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return sqlq.New(gdb, log, nil)
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redisq.New(redis.NewClient(opt), redisq.Config{Prefix: cfg.RedisPrefix}, log), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.Driver)
	}
}

func buildWorkers(client *queue.Client, cfg config, log *logger.Logger) ([]*queue.Worker, error) {
	callbacks := loggingCallbacks(log)
	specs := []struct {
		queue   string
		handler queue.Handler
	}{
		{bookmarkQueue, handleBookmarkCrawl},
		{mediaQueue, handleThumbnail},
		{maintenanceQueue, handleMaintenance(client)},
	}
	workers := make([]*queue.Worker, 0, len(specs))
	for _, s := range specs {
		w, err := queue.NewWorker(client, queue.WorkerConfig{
			Queue:        s.queue,
			Concurrency:  cfg.Concurrency,
			PollInterval: cfg.PollInterval,
			LockDuration: cfg.LockDuration,
			Callbacks:    callbacks,
		}, s.handler, log)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func registerSchedules(ctx context.Context, s *queue.Scheduler) error {
	// Nightly stalled-failure retry sweep; hourly stats snapshot.
	if err := s.Upsert(ctx, "maintenance:nightly", maintenanceQueue, "0 3 * * *",
		map[string]any{"task": "retry_stalled"}); err != nil {
		return err
	}
	return s.Upsert(ctx, "maintenance:stats", maintenanceQueue, "0 * * * *",
		map[string]any{"task": "stats_snapshot"})
}

func loggingCallbacks(log *logger.Logger) queue.Callbacks {
	l := log.With("component", "QueueEvents")
	return queue.Callbacks{
		OnStageStart: func(ev queue.Event) {
			l.Info("Stage started", "job_id", ev.JobID, "stage", ev.Stage)
		},
		OnStageComplete: func(ev queue.Event) {
			l.Info("Stage completed", "job_id", ev.JobID, "stage", ev.Stage)
		},
		OnStageFail: func(ev queue.Event) {
			l.Warn("Stage failed", "job_id", ev.JobID, "stage", ev.Stage, "error", ev.Error)
		},
		OnJobComplete: func(ev queue.Event) {
			l.Info("Job completed", "job_id", ev.JobID, "queue", ev.Queue)
		},
		OnJobFail: func(ev queue.Event) {
			l.Warn("Job failed", "job_id", ev.JobID, "queue", ev.Queue, "error", ev.Error)
		},
	}
}
