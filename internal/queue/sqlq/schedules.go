package sqlq

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/trovehq/trove/internal/queue"
)

func (d *Driver) UpsertSchedule(ctx context.Context, s *queue.Schedule) error {
	dataJSON, err := marshalNullableJSON(s.Data)
	if err != nil {
		return fmt.Errorf("encode schedule data: %w", err)
	}
	now := d.clock.Now().UTC()
	row := scheduleRow{
		Key:       s.Key,
		Queue:     s.Queue,
		Cron:      s.Cron,
		Data:      dataJSON,
		Enabled:   s.Enabled,
		LastRunAt: s.LastRunAt,
		NextRunAt: s.NextRunAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"queue", "cron", "data", "enabled", "last_run_at", "next_run_at", "updated_at",
		}),
	}).Create(&row).Error
}

func (d *Driver) GetSchedule(ctx context.Context, key string) (*queue.Schedule, error) {
	var row scheduleRow
	err := d.db.WithContext(ctx).Where(`"key" = ?`, key).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Key == "" {
		return nil, nil
	}
	return row.toSchedule()
}

func (d *Driver) DueSchedules(ctx context.Context, now time.Time) ([]*queue.Schedule, error) {
	var rows []scheduleRow
	err := d.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now.UTC()).
		Order("next_run_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*queue.Schedule, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toSchedule()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// MarkScheduleRun advances the schedule iff next_run_at is still prevNext.
// The CAS keeps concurrent scheduler instances from double-advancing.
func (d *Driver) MarkScheduleRun(ctx context.Context, key string, prevNext, lastRun, nextRun time.Time) (bool, error) {
	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Model(&scheduleRow{}).
		Where(`"key" = ? AND next_run_at = ?`, key, prevNext.UTC()).
		Updates(map[string]interface{}{
			"last_run_at": lastRun.UTC(),
			"next_run_at": nextRun.UTC(),
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (d *Driver) SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	res := d.db.WithContext(ctx).Model(&scheduleRow{}).
		Where(`"key" = ?`, key).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"updated_at": d.clock.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
