package redisq

// BullMQ-compatible key layout. Per queue:
//
//	<prefix>:<queue>:wait      list, ready jobs at default priority (FIFO)
//	<prefix>:<queue>:active    list, claimed jobs
//	<prefix>:<queue>:delayed   zset, score = eligible-at unix ms
//	<prefix>:<queue>:priority  zset, score = priority; ULID members make
//	                           lexicographic ties FIFO within a bucket
//	<prefix>:<queue>:completed zset, score = completion unix ms
//	<prefix>:<queue>:failed    zset, score = failure unix ms
//	<prefix>:<queue>:keys      hash, dedup key -> job id
//	<prefix>:<queue>:<jobID>   hash, the job record
//
// Global:
//
//	<prefix>:jobs      hash, job id -> queue (id lookups without a queue)
//	<prefix>:bykey     hash, dedup key -> job id
//	<prefix>:queues    set, queue names seen (reaper scan)
//	<prefix>:schedules zset, schedule key scored by next_run_at unix ms
//	<prefix>:schedule:<key> hash, the schedule record
type keys struct {
	prefix string
}

func (k keys) base(queue string) string     { return k.prefix + ":" + queue }
func (k keys) job(queue, id string) string  { return k.base(queue) + ":" + id }
func (k keys) wait(queue string) string     { return k.base(queue) + ":wait" }
func (k keys) active(queue string) string   { return k.base(queue) + ":active" }
func (k keys) delayed(queue string) string  { return k.base(queue) + ":delayed" }
func (k keys) priority(queue string) string { return k.base(queue) + ":priority" }
func (k keys) completed(queue string) string {
	return k.base(queue) + ":completed"
}
func (k keys) failed(queue string) string  { return k.base(queue) + ":failed" }
func (k keys) keyIdx(queue string) string  { return k.base(queue) + ":keys" }
func (k keys) jobsIdx() string             { return k.prefix + ":jobs" }
func (k keys) byKeyIdx() string            { return k.prefix + ":bykey" }
func (k keys) queuesIdx() string           { return k.prefix + ":queues" }
func (k keys) schedulesIdx() string        { return k.prefix + ":schedules" }
func (k keys) schedule(key string) string  { return k.prefix + ":schedule:" + key }
