package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trovehq/trove/internal/queue"
)

/*
Schedules live in one hash per schedule plus a zset scoring every key by
next_run_at, so the due scan is a ZRANGEBYSCORE instead of a full sweep. The
advance CAS runs in Lua against the hash's next_run_at field.
*/

func (d *Driver) UpsertSchedule(ctx context.Context, s *queue.Schedule) error {
	dataJSON, err := encodeMap(s.Data, "")
	if err != nil {
		return fmt.Errorf("encode schedule data: %w", err)
	}
	now := d.clock.Now().UTC()
	h := d.keys.schedule(s.Key)

	lastRun := ""
	if s.LastRunAt != nil {
		lastRun = strconv.FormatInt(s.LastRunAt.UTC().UnixMilli(), 10)
	}
	created, err := d.rdb.HGet(ctx, h, "created_at").Result()
	if err != nil || created == "" {
		created = strconv.FormatInt(now.UnixMilli(), 10)
	}

	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, h,
		"key", s.Key,
		"queue", s.Queue,
		"cron", s.Cron,
		"data", dataJSON,
		"enabled", strconv.FormatBool(s.Enabled),
		"last_run_at", lastRun,
		"next_run_at", s.NextRunAt.UTC().UnixMilli(),
		"created_at", created,
		"updated_at", now.UnixMilli(),
	)
	pipe.ZAdd(ctx, d.keys.schedulesIdx(), redis.Z{
		Score:  float64(s.NextRunAt.UTC().UnixMilli()),
		Member: s.Key,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (d *Driver) GetSchedule(ctx context.Context, key string) (*queue.Schedule, error) {
	m, err := d.rdb.HGetAll(ctx, d.keys.schedule(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return parseSchedule(m)
}

func (d *Driver) DueSchedules(ctx context.Context, now time.Time) ([]*queue.Schedule, error) {
	keys, err := d.rdb.ZRangeByScore(ctx, d.keys.schedulesIdx(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UTC().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*queue.Schedule, 0, len(keys))
	for _, key := range keys {
		s, err := d.GetSchedule(ctx, key)
		if err != nil {
			return nil, err
		}
		if s != nil && s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

// MarkScheduleRun advances the schedule iff next_run_at is still prevNext.
// The CAS keeps concurrent scheduler instances from double-advancing.
func (d *Driver) MarkScheduleRun(ctx context.Context, key string, prevNext, lastRun, nextRun time.Time) (bool, error) {
	n, err := markScheduleRunScript.Run(ctx, d.rdb, nil,
		d.keys.schedulesIdx(),
		d.keys.schedule(key),
		key,
		prevNext.UTC().UnixMilli(),
		lastRun.UTC().UnixMilli(),
		nextRun.UTC().UnixMilli(),
		d.clock.Now().UTC().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark schedule run: %w", err)
	}
	return n == 1, nil
}

func (d *Driver) SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	h := d.keys.schedule(key)
	exists, err := d.rdb.Exists(ctx, h).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	err = d.rdb.HSet(ctx, h,
		"enabled", strconv.FormatBool(enabled),
		"updated_at", d.clock.Now().UTC().UnixMilli(),
	).Err()
	if err != nil {
		return false, err
	}
	return true, nil
}

func parseSchedule(m map[string]string) (*queue.Schedule, error) {
	data, err := decodeMap(m["data"])
	if err != nil {
		return nil, fmt.Errorf("decode schedule %s data: %w", m["key"], err)
	}
	return &queue.Schedule{
		Key:       m["key"],
		Queue:     m["queue"],
		Cron:      m["cron"],
		Data:      data,
		Enabled:   m["enabled"] == "true",
		LastRunAt: msTimePtr(m["last_run_at"]),
		NextRunAt: msTime(m["next_run_at"]),
		CreatedAt: msTime(m["created_at"]),
		UpdatedAt: msTime(m["updated_at"]),
	}, nil
}
