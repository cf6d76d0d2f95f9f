package sqlq

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trovehq/trove/internal/platform/logger"
	"github.com/trovehq/trove/internal/queue"
)

/*
Driver implements queue.Driver and queue.ScheduleStore over a relational
database. SQLite and Postgres share one row layout and the same visible
semantics; only the claim statement differs. Postgres claims inside a
transaction with SELECT ... FOR UPDATE SKIP LOCKED; SQLite claims with a
single UPDATE ... WHERE id IN (SELECT ...) RETURNING, which SQLite's writer
serialization makes atomic.

All state transitions are conditional updates (WHERE locked_by = ? AND
status = ?); RowsAffected = 0 maps to the bool returns the interface
prescribes.
*/
type Driver struct {
	db    *gorm.DB
	log   *logger.Logger
	clock queue.Clock
}

const claimPredicate = `queue = ? AND (
	(status = 'pending' AND scheduled_for <= ?)
	OR (status = 'processing' AND expires_at IS NOT NULL AND expires_at < ? AND attempts < max_attempts)
)`

const claimOrder = "priority ASC, scheduled_for ASC, created_at ASC"

// sqliteClaimSQL performs the whole claim in one statement. The subquery
// predicate and order mirror the Postgres path exactly.
const sqliteClaimSQL = `
UPDATE queue_jobs SET
	status = 'processing',
	locked_by = ?,
	locked_at = ?,
	expires_at = ?,
	attempts = attempts + 1,
	updated_at = ?
WHERE id IN (
	SELECT id FROM queue_jobs
	WHERE queue = ? AND (
		(status = 'pending' AND scheduled_for <= ?)
		OR (status = 'processing' AND expires_at IS NOT NULL AND expires_at < ? AND attempts < max_attempts)
	)
	ORDER BY priority ASC, scheduled_for ASC, created_at ASC
	LIMIT ?
)
RETURNING id`

// New migrates the schema and returns the driver. clk may be nil for the
// system clock.
func New(db *gorm.DB, baseLog *logger.Logger, clk queue.Clock) (*Driver, error) {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	if clk == nil {
		clk = queue.SystemClock()
	}
	d := &Driver{
		db:    db,
		log:   baseLog.With("component", "SQLDriver", "dialect", db.Dialector.Name()),
		clock: clk,
	}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) migrate() error {
	if err := d.db.AutoMigrate(&jobRow{}, &scheduleRow{}); err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	// Partial unique index; same statement is valid on SQLite and Postgres.
	if err := d.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_queue_key ON queue_jobs (queue, "key") WHERE "key" IS NOT NULL`).Error; err != nil {
		return fmt.Errorf("create dedup index: %w", err)
	}
	return nil
}

func (d *Driver) isPostgres() bool { return d.db.Dialector.Name() == "postgres" }

func (d *Driver) Enqueue(ctx context.Context, queueName string, data map[string]any, opts queue.EnqueueOptions) (string, error) {
	opts = opts.WithDefaults()
	now := d.clock.Now().UTC()

	dataJSON, err := marshalJSON(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}
	metaJSON, err := marshalNullableJSON(opts.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode job metadata: %w", err)
	}
	stagesJSON, err := marshalStages(opts.InitialStages())
	if err != nil {
		return "", fmt.Errorf("encode job stages: %w", err)
	}

	row := jobRow{
		ID:           queue.NewID(now),
		Queue:        queueName,
		Data:         dataJSON,
		Metadata:     metaJSON,
		Priority:     opts.Priority,
		ScheduledFor: opts.ScheduledFor(now).UTC(),
		MaxAttempts:  opts.MaxAttempts,
		Status:       string(queue.StatusPending),
		Stages:       stagesJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if opts.Key == "" {
		if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
			return "", fmt.Errorf("insert job: %w", err)
		}
		return row.ID, nil
	}

	row.Key = &opts.Key
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return "", fmt.Errorf("insert job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return row.ID, nil
	}

	// A row with this (queue, key) already exists.
	if opts.Replace == queue.ReplaceNever {
		return d.keyedJobID(ctx, queueName, opts.Key)
	}

	updates := map[string]interface{}{
		"data":             dataJSON,
		"metadata":         metaJSON,
		"priority":         opts.Priority,
		"scheduled_for":    opts.ScheduledFor(now).UTC(),
		"attempts":         0,
		"max_attempts":     opts.MaxAttempts,
		"status":           string(queue.StatusPending),
		"locked_by":        nil,
		"locked_at":        nil,
		"expires_at":       nil,
		"last_error":       nil,
		"stages":           stagesJSON,
		"overall_progress": 0,
		"updated_at":       now,
	}
	upd := d.db.WithContext(ctx).Model(&jobRow{}).
		Where(`queue = ? AND "key" = ? AND status <> ?`, queueName, opts.Key, string(queue.StatusProcessing)).
		Updates(updates)
	if upd.Error != nil {
		return "", fmt.Errorf("replace job: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		// The existing row is processing.
		if opts.Replace == queue.ReplaceAlways {
			return "", queue.ErrReplaceProcessing
		}
		return d.keyedJobID(ctx, queueName, opts.Key)
	}
	return d.keyedJobID(ctx, queueName, opts.Key)
}

func (d *Driver) keyedJobID(ctx context.Context, queueName, key string) (string, error) {
	var row jobRow
	err := d.db.WithContext(ctx).
		Where(`queue = ? AND "key" = ?`, queueName, key).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return "", err
	}
	if row.ID == "" {
		return "", fmt.Errorf("job with key %q disappeared during enqueue", key)
	}
	return row.ID, nil
}

func (d *Driver) GetJob(ctx context.Context, idOrKey string) (*queue.Job, error) {
	var row jobRow
	err := d.db.WithContext(ctx).Where("id = ?", idOrKey).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		err = d.db.WithContext(ctx).
			Where(`"key" = ?`, idOrKey).
			Order("created_at DESC").
			Limit(1).
			Find(&row).Error
		if err != nil {
			return nil, err
		}
	}
	if row.ID == "" {
		return nil, nil
	}
	return row.toJob()
}

func (d *Driver) Retry(ctx context.Context, idOrKey string) (bool, error) {
	job, err := d.GetJob(ctx, idOrKey)
	if err != nil || job == nil {
		return false, err
	}
	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", job.ID, string(queue.StatusFailed)).
		Updates(map[string]interface{}{
			"status":        string(queue.StatusPending),
			"attempts":      0,
			"scheduled_for": now,
			"last_error":    nil,
			"locked_by":     nil,
			"locked_at":     nil,
			"expires_at":    nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Cancel(ctx context.Context, id string) (bool, error) {
	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status IN ?", id, []string{string(queue.StatusPending), string(queue.StatusProcessing)}).
		Updates(map[string]interface{}{
			"status":     string(queue.StatusFailed),
			"last_error": queue.ErrCancelled.Error(),
			"locked_by":  nil,
			"locked_at":  nil,
			"expires_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	var counts []struct {
		Status string
		N      int64
	}
	err := d.db.WithContext(ctx).Model(&jobRow{}).
		Select("status, COUNT(*) AS n").
		Where("queue = ?", queueName).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return queue.Stats{}, err
	}
	var stats queue.Stats
	for _, c := range counts {
		switch queue.Status(c.Status) {
		case queue.StatusPending:
			stats.Pending = c.N
		case queue.StatusProcessing:
			stats.Processing = c.N
		case queue.StatusCompleted:
			stats.Completed = c.N
		case queue.StatusFailed:
			stats.Failed = c.N
		}
	}
	now := d.clock.Now().UTC()
	err = d.db.WithContext(ctx).Model(&jobRow{}).
		Where("queue = ? AND status = ? AND scheduled_for > ?", queueName, string(queue.StatusPending), now).
		Count(&stats.Delayed).Error
	if err != nil {
		return queue.Stats{}, err
	}
	stats.Pending -= stats.Delayed
	return stats, nil
}

func (d *Driver) Claim(ctx context.Context, queueName, workerID string, n int, lease time.Duration) ([]*queue.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := d.clock.Now().UTC()
	expires := now.Add(lease)

	var ids []string
	if d.isPostgres() {
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rows []jobRow
			if err := tx.
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Select("id").
				Where(claimPredicate, queueName, now, now).
				Order(claimOrder).
				Limit(n).
				Find(&rows).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			for _, r := range rows {
				ids = append(ids, r.ID)
			}
			return tx.Model(&jobRow{}).
				Where("id IN ?", ids).
				Updates(map[string]interface{}{
					"status":     string(queue.StatusProcessing),
					"locked_by":  workerID,
					"locked_at":  now,
					"expires_at": expires,
					"attempts":   gorm.Expr("attempts + 1"),
					"updated_at": now,
				}).Error
		})
		if err != nil {
			return nil, fmt.Errorf("claim jobs: %w", err)
		}
	} else {
		var claimed []struct{ ID string }
		err := d.db.WithContext(ctx).
			Raw(sqliteClaimSQL, workerID, now, expires, now, queueName, now, now, n).
			Scan(&claimed).Error
		if err != nil {
			return nil, fmt.Errorf("claim jobs: %w", err)
		}
		for _, c := range claimed {
			ids = append(ids, c.ID)
		}
	}

	if len(ids) == 0 {
		return nil, nil
	}
	var rows []jobRow
	err := d.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order(claimOrder).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]*queue.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (d *Driver) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(map[string]interface{}{
			"expires_at": now.Add(lease),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Complete(ctx context.Context, id, workerID string) (bool, error) {
	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(map[string]interface{}{
			"status":           string(queue.StatusCompleted),
			"overall_progress": 100,
			"locked_by":        nil,
			"locked_at":        nil,
			"expires_at":       nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) Fail(ctx context.Context, id, workerID, errMsg string, requeueAt *time.Time) (bool, error) {
	now := d.clock.Now().UTC()
	updates := map[string]interface{}{
		"last_error": errMsg,
		"locked_by":  nil,
		"locked_at":  nil,
		"expires_at": nil,
		"updated_at": now,
	}
	if requeueAt != nil {
		updates["status"] = string(queue.StatusPending)
		updates["scheduled_for"] = requeueAt.UTC()
	} else {
		updates["status"] = string(queue.StatusFailed)
	}
	res := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) UpdateStages(ctx context.Context, id, workerID string, stages []queue.Stage, overall int) (bool, error) {
	stagesJSON, err := marshalStages(stages)
	if err != nil {
		return false, fmt.Errorf("encode stages: %w", err)
	}
	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, string(queue.StatusProcessing)).
		Updates(map[string]interface{}{
			"stages":           stagesJSON,
			"overall_progress": overall,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

/*
ReapStalled recovers jobs whose lease expired without a commit: rows with
attempts remaining return to pending immediately, rows that burned their last
attempt fail with a "stalled" error. The claim predicate already accepts
expired leases, so running the reaper is an optimization for visibility, not
a correctness requirement.
*/
func (d *Driver) ReapStalled(ctx context.Context) (int, error) {
	now := d.clock.Now().UTC()
	recovered := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ? AND attempts < max_attempts",
			string(queue.StatusProcessing), now).
		Updates(map[string]interface{}{
			"status":        string(queue.StatusPending),
			"scheduled_for": now,
			"locked_by":     nil,
			"locked_at":     nil,
			"expires_at":    nil,
			"updated_at":    now,
		})
	if recovered.Error != nil {
		return 0, recovered.Error
	}
	exhausted := d.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ? AND attempts >= max_attempts",
			string(queue.StatusProcessing), now).
		Updates(map[string]interface{}{
			"status":     string(queue.StatusFailed),
			"last_error": "stalled: lease expired with no attempts remaining",
			"locked_by":  nil,
			"locked_at":  nil,
			"expires_at": nil,
			"updated_at": now,
		})
	if exhausted.Error != nil {
		return int(recovered.RowsAffected), exhausted.Error
	}
	return int(recovered.RowsAffected + exhausted.RowsAffected), nil
}

// ListJobs returns up to limit jobs in a queue filtered by status, newest
// first. Advisory, for operational visibility.
func (d *Driver) ListJobs(ctx context.Context, queueName string, status queue.Status, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	q := d.db.WithContext(ctx).Where("queue = ?", queueName)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]*queue.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
