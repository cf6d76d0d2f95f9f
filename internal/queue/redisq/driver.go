package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trovehq/trove/internal/platform/logger"
	"github.com/trovehq/trove/internal/queue"
)

// DefaultPrefix namespaces every key the driver touches.
const DefaultPrefix = "trove"

// DefaultMaxStalled is how many times a job may stall (lease expired while on
// the active list) before the reaper fails it terminally.
const DefaultMaxStalled = 1

type Config struct {
	// Prefix defaults to DefaultPrefix.
	Prefix string
	// MaxStalled defaults to DefaultMaxStalled.
	MaxStalled int
	// Clock overrides the time source; nil means the system clock.
	Clock queue.Clock
}

/*
Driver implements queue.Driver and queue.ScheduleStore on Redis with a
BullMQ-compatible key layout (see keys.go). Every transition runs as a Lua
script, so the atomicity story matches the relational driver's conditional
UPDATEs. The server clock is never consulted; scripts receive "now" from the
configured Clock in unix milliseconds.
*/
type Driver struct {
	rdb        redis.UniversalClient
	keys       keys
	log        *logger.Logger
	clock      queue.Clock
	maxStalled int

	closeOnce sync.Once
	closeErr  error
}

func New(rdb redis.UniversalClient, cfg Config, baseLog *logger.Logger) *Driver {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxStalled <= 0 {
		cfg.MaxStalled = DefaultMaxStalled
	}
	if cfg.Clock == nil {
		cfg.Clock = queue.SystemClock()
	}
	return &Driver{
		rdb:        rdb,
		keys:       keys{prefix: cfg.Prefix},
		log:        baseLog.With("component", "RedisDriver", "prefix", cfg.Prefix),
		clock:      cfg.Clock,
		maxStalled: cfg.MaxStalled,
	}
}

func (d *Driver) Enqueue(ctx context.Context, queueName string, data map[string]any, opts queue.EnqueueOptions) (string, error) {
	opts = opts.WithDefaults()
	now := d.clock.Now().UTC()

	dataJSON, err := encodeMap(data, "{}")
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}
	metaJSON, err := encodeMap(opts.Metadata, "")
	if err != nil {
		return "", fmt.Errorf("encode job metadata: %w", err)
	}
	stagesJSON, err := encodeStages(opts.InitialStages())
	if err != nil {
		return "", fmt.Errorf("encode job stages: %w", err)
	}

	res, err := enqueueScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName),
		d.keys.prefix,
		queueName,
		queue.NewID(now),
		opts.Key,
		dataJSON,
		metaJSON,
		opts.Priority,
		opts.ScheduledFor(now).UTC().UnixMilli(),
		opts.MaxAttempts,
		stagesJSON,
		string(opts.Replace),
		now.UnixMilli(),
	).Slice()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	id, _ := res[0].(string)
	code, _ := res[1].(int64)
	if code == 3 {
		return "", queue.ErrReplaceProcessing
	}
	return id, nil
}

// resolve maps an id or dedup key to (queue, id). ok is false when neither
// index knows the argument.
func (d *Driver) resolve(ctx context.Context, idOrKey string) (queueName, id string, ok bool, err error) {
	queueName, err = d.rdb.HGet(ctx, d.keys.jobsIdx(), idOrKey).Result()
	if err == nil {
		return queueName, idOrKey, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", "", false, err
	}
	id, err = d.rdb.HGet(ctx, d.keys.byKeyIdx(), idOrKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	queueName, err = d.rdb.HGet(ctx, d.keys.jobsIdx(), id).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return queueName, id, true, nil
}

func (d *Driver) GetJob(ctx context.Context, idOrKey string) (*queue.Job, error) {
	queueName, id, ok, err := d.resolve(ctx, idOrKey)
	if err != nil || !ok {
		return nil, err
	}
	return d.loadJob(ctx, queueName, id)
}

func (d *Driver) loadJob(ctx context.Context, queueName, id string) (*queue.Job, error) {
	m, err := d.rdb.HGetAll(ctx, d.keys.job(queueName, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return parseJob(m)
}

func (d *Driver) Retry(ctx context.Context, idOrKey string) (bool, error) {
	queueName, id, ok, err := d.resolve(ctx, idOrKey)
	if err != nil || !ok {
		return false, err
	}
	n, err := retryScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), id, d.clock.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	return n == 1, nil
}

func (d *Driver) Cancel(ctx context.Context, id string) (bool, error) {
	queueName, err := d.rdb.HGet(ctx, d.keys.jobsIdx(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := cancelScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), id, d.clock.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return n == 1, nil
}

func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	pipe := d.rdb.Pipeline()
	wait := pipe.LLen(ctx, d.keys.wait(queueName))
	prio := pipe.ZCard(ctx, d.keys.priority(queueName))
	delayed := pipe.ZCard(ctx, d.keys.delayed(queueName))
	active := pipe.LLen(ctx, d.keys.active(queueName))
	completed := pipe.ZCard(ctx, d.keys.completed(queueName))
	failed := pipe.ZCard(ctx, d.keys.failed(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{
		Pending:    wait.Val() + prio.Val(),
		Processing: active.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
		Delayed:    delayed.Val(),
	}, nil
}

func (d *Driver) Claim(ctx context.Context, queueName, workerID string, n int, lease time.Duration) ([]*queue.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := d.clock.Now().UTC()
	res, err := claimScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), workerID, n, now.UnixMilli(), lease.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs := make([]*queue.Job, 0, len(res))
	for _, v := range res {
		id, _ := v.(string)
		job, err := d.loadJob(ctx, queueName, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (d *Driver) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	queueName, err := d.rdb.HGet(ctx, d.keys.jobsIdx(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), id, workerID,
		d.clock.Now().UTC().UnixMilli(), lease.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

func (d *Driver) Complete(ctx context.Context, id, workerID string) (bool, error) {
	queueName, err := d.rdb.HGet(ctx, d.keys.jobsIdx(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := completeScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), id, workerID, d.clock.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return n == 1, nil
}

func (d *Driver) Fail(ctx context.Context, id, workerID, errMsg string, requeueAt *time.Time) (bool, error) {
	queueName, err := d.rdb.HGet(ctx, d.keys.jobsIdx(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	requeue := ""
	if requeueAt != nil {
		requeue = strconv.FormatInt(requeueAt.UTC().UnixMilli(), 10)
	}
	n, err := failScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), id, workerID, errMsg, requeue,
		d.clock.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return n == 1, nil
}

func (d *Driver) UpdateStages(ctx context.Context, id, workerID string, stages []queue.Stage, overall int) (bool, error) {
	queueName, err := d.rdb.HGet(ctx, d.keys.jobsIdx(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stagesJSON, err := encodeStages(stages)
	if err != nil {
		return false, fmt.Errorf("encode stages: %w", err)
	}
	n, err := updateStagesScript.Run(ctx, d.rdb, nil,
		d.keys.base(queueName), id, workerID, stagesJSON, overall,
		d.clock.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("update stages: %w", err)
	}
	return n == 1, nil
}

// ReapStalled walks every known queue's active list and recovers jobs whose
// lease expired. Unlike the relational driver the claim path never sees
// expired leases here, so the reaper is required for crash recovery.
func (d *Driver) ReapStalled(ctx context.Context) (int, error) {
	queues, err := d.rdb.SMembers(ctx, d.keys.queuesIdx()).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	now := d.clock.Now().UTC().UnixMilli()
	for _, q := range queues {
		n, err := reapScript.Run(ctx, d.rdb, nil,
			d.keys.base(q), now, d.maxStalled,
		).Int()
		if err != nil {
			return total, fmt.Errorf("reap queue %s: %w", q, err)
		}
		total += n
	}
	return total, nil
}

// ListJobs returns up to limit jobs in a queue filtered by status, newest
// first for terminal states. Advisory, for operational visibility.
func (d *Driver) ListJobs(ctx context.Context, queueName string, status queue.Status, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []string
	collect := func(s queue.Status) error {
		var batch []string
		var err error
		switch s {
		case queue.StatusPending:
			batch, err = d.rdb.LRange(ctx, d.keys.wait(queueName), 0, int64(limit-1)).Result()
			if err != nil {
				return err
			}
			more, err := d.rdb.ZRange(ctx, d.keys.priority(queueName), 0, int64(limit-1)).Result()
			if err != nil {
				return err
			}
			batch = append(batch, more...)
			more, err = d.rdb.ZRange(ctx, d.keys.delayed(queueName), 0, int64(limit-1)).Result()
			if err != nil {
				return err
			}
			batch = append(batch, more...)
		case queue.StatusProcessing:
			batch, err = d.rdb.LRange(ctx, d.keys.active(queueName), 0, int64(limit-1)).Result()
		case queue.StatusCompleted:
			batch, err = d.rdb.ZRevRange(ctx, d.keys.completed(queueName), 0, int64(limit-1)).Result()
		case queue.StatusFailed:
			batch, err = d.rdb.ZRevRange(ctx, d.keys.failed(queueName), 0, int64(limit-1)).Result()
		}
		if err != nil {
			return err
		}
		ids = append(ids, batch...)
		return nil
	}
	if status != "" {
		if err := collect(status); err != nil {
			return nil, err
		}
	} else {
		for _, s := range []queue.Status{queue.StatusProcessing, queue.StatusPending, queue.StatusCompleted, queue.StatusFailed} {
			if err := collect(s); err != nil {
				return nil, err
			}
		}
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		if len(jobs) >= limit {
			break
		}
		job, err := d.loadJob(ctx, queueName, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (d *Driver) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.rdb.Close() })
	return d.closeErr
}

func encodeMap(m map[string]any, empty string) (string, error) {
	if len(m) == 0 {
		return empty, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeStages(stages []queue.Stage) (string, error) {
	if len(stages) == 0 {
		return "", nil
	}
	b, err := json.Marshal(stages)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseJob(m map[string]string) (*queue.Job, error) {
	j := &queue.Job{
		ID:        m["id"],
		Queue:     m["queue"],
		Key:       m["key"],
		LockedBy:  m["locked_by"],
		LastError: m["last_error"],
		Status:    queue.Status(m["status"]),
	}
	var err error
	if j.Data, err = decodeMap(m["data"]); err != nil {
		return nil, fmt.Errorf("decode job %s data: %w", j.ID, err)
	}
	if j.Metadata, err = decodeMap(m["metadata"]); err != nil {
		return nil, fmt.Errorf("decode job %s metadata: %w", j.ID, err)
	}
	if m["stages"] != "" {
		if err := json.Unmarshal([]byte(m["stages"]), &j.Stages); err != nil {
			return nil, fmt.Errorf("decode job %s stages: %w", j.ID, err)
		}
	}
	j.CurrentStageIndex = queue.CurrentStageIndex(j.Stages)
	j.Priority = atoi(m["priority"])
	j.Attempts = atoi(m["attempts"])
	j.MaxAttempts = atoi(m["max_attempts"])
	j.OverallProgress = atoi(m["overall_progress"])
	j.ScheduledFor = msTime(m["scheduled_for"])
	j.CreatedAt = msTime(m["created_at"])
	j.UpdatedAt = msTime(m["updated_at"])
	j.LockedAt = msTimePtr(m["locked_at"])
	j.ExpiresAt = msTimePtr(m["expires_at"])
	return j, nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func msTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := msTime(s)
	return &t
}
