package redisq

import "github.com/redis/go-redis/v9"

/*
Every multi-step transition is a Lua script so it executes atomically, the
same role the conditional UPDATEs play in the relational driver. Scripts never
read the server clock; the caller passes "now" in unix milliseconds, which
keeps both drivers on one Clock and makes the scripts testable against a
frozen time source.

Shared conventions: ARGV[1] is the per-queue key base ("<prefix>:<queue>"),
timestamps travel as unix ms, and empty string means NULL for optional hash
fields.
*/

// routeFn files a pending job into the structure the claim script pops from:
// future jobs into the delayed zset, prioritized jobs into the priority zset,
// everything else onto the wait list.
const routeFn = `
local function route(base, id, priority, sched, now)
	if tonumber(sched) > tonumber(now) then
		redis.call('ZADD', base .. ':delayed', tonumber(sched), id)
	elseif tonumber(priority) ~= 0 then
		redis.call('ZADD', base .. ':priority', tonumber(priority), id)
	else
		redis.call('RPUSH', base .. ':wait', id)
	end
end
`

// clearLeaseFn nulls the lease triple on a job hash.
const clearLeaseFn = `
local function clearlease(h)
	redis.call('HSET', h, 'locked_by', '', 'locked_at', '', 'expires_at', '')
end
`

// ARGV: base, prefix, queue, id, key, data, metadata, priority,
// scheduledForMs, maxAttempts, stages, replace, nowMs.
// Returns {id, code}: 0 inserted, 1 existing kept, 2 replaced in place,
// 3 replace=always refused because the holder is processing.
var enqueueScript = redis.NewScript(routeFn + `
local base, prefix, queueName = ARGV[1], ARGV[2], ARGV[3]
local id, key, now = ARGV[4], ARGV[5], ARGV[13]

if key ~= '' then
	local existing = redis.call('HGET', base .. ':keys', key)
	if existing then
		if ARGV[12] == 'never' then
			return {existing, 1}
		end
		local status = redis.call('HGET', base .. ':' .. existing, 'status')
		if status == 'processing' then
			if ARGV[12] == 'always' then
				return {existing, 3}
			end
			return {existing, 1}
		end
		redis.call('LREM', base .. ':wait', 0, existing)
		redis.call('ZREM', base .. ':priority', existing)
		redis.call('ZREM', base .. ':delayed', existing)
		redis.call('ZREM', base .. ':completed', existing)
		redis.call('ZREM', base .. ':failed', existing)
		redis.call('HSET', base .. ':' .. existing,
			'data', ARGV[6], 'metadata', ARGV[7], 'priority', ARGV[8],
			'scheduled_for', ARGV[9], 'attempts', 0, 'max_attempts', ARGV[10],
			'status', 'pending', 'locked_by', '', 'locked_at', '',
			'expires_at', '', 'last_error', '', 'stages', ARGV[11],
			'overall_progress', 0, 'stalled_count', 0, 'updated_at', now)
		route(base, existing, ARGV[8], ARGV[9], now)
		return {existing, 2}
	end
end

redis.call('HSET', base .. ':' .. id,
	'id', id, 'queue', queueName, 'key', key,
	'data', ARGV[6], 'metadata', ARGV[7], 'priority', ARGV[8],
	'scheduled_for', ARGV[9], 'attempts', 0, 'max_attempts', ARGV[10],
	'status', 'pending', 'locked_by', '', 'locked_at', '', 'expires_at', '',
	'last_error', '', 'stages', ARGV[11], 'overall_progress', 0,
	'stalled_count', 0, 'created_at', now, 'updated_at', now)
if key ~= '' then
	redis.call('HSET', base .. ':keys', key, id)
	redis.call('HSET', prefix .. ':bykey', key, id)
end
redis.call('HSET', prefix .. ':jobs', id, queueName)
redis.call('SADD', prefix .. ':queues', queueName)
route(base, id, ARGV[8], ARGV[9], now)
return {id, 0}
`)

// ARGV: base, workerID, n, nowMs, leaseMs. Returns the claimed ids.
//
// Due delayed jobs are promoted first, then up to n jobs pop in priority
// order: negative scores (ahead of the default) before the wait list before
// positive scores. Ties inside a zset bucket resolve lexicographically, which
// ULID ids make chronological.
var claimScript = redis.NewScript(`
local base, worker = ARGV[1], ARGV[2]
local now = tonumber(ARGV[4])
local expires = now + tonumber(ARGV[5])

local due = redis.call('ZRANGEBYSCORE', base .. ':delayed', '-inf', now)
for i = 1, #due do
	local id = due[i]
	redis.call('ZREM', base .. ':delayed', id)
	local prio = tonumber(redis.call('HGET', base .. ':' .. id, 'priority')) or 0
	if prio ~= 0 then
		redis.call('ZADD', base .. ':priority', prio, id)
	else
		redis.call('RPUSH', base .. ':wait', id)
	end
end

local claimed = {}
for i = 1, tonumber(ARGV[3]) do
	local id = nil
	local head = redis.call('ZRANGE', base .. ':priority', 0, 0, 'WITHSCORES')
	if head[1] and tonumber(head[2]) < 0 then
		id = head[1]
		redis.call('ZREM', base .. ':priority', id)
	else
		id = redis.call('LPOP', base .. ':wait')
		if not id and head[1] then
			id = head[1]
			redis.call('ZREM', base .. ':priority', id)
		end
	end
	if not id then
		break
	end
	redis.call('RPUSH', base .. ':active', id)
	redis.call('HINCRBY', base .. ':' .. id, 'attempts', 1)
	redis.call('HSET', base .. ':' .. id,
		'status', 'processing', 'locked_by', worker,
		'locked_at', now, 'expires_at', expires, 'updated_at', now)
	claimed[#claimed + 1] = id
end
return claimed
`)

// ARGV: base, id, workerID, nowMs, leaseMs. 1 on success, 0 on lost lease.
var renewScript = redis.NewScript(`
local h = ARGV[1] .. ':' .. ARGV[2]
if redis.call('HGET', h, 'locked_by') ~= ARGV[3] then return 0 end
if redis.call('HGET', h, 'status') ~= 'processing' then return 0 end
redis.call('HSET', h, 'expires_at', tonumber(ARGV[4]) + tonumber(ARGV[5]), 'updated_at', ARGV[4])
return 1
`)

// ARGV: base, id, workerID, nowMs.
var completeScript = redis.NewScript(clearLeaseFn + `
local base, id, now = ARGV[1], ARGV[2], ARGV[4]
local h = base .. ':' .. id
if redis.call('HGET', h, 'locked_by') ~= ARGV[3] then return 0 end
if redis.call('HGET', h, 'status') ~= 'processing' then return 0 end
redis.call('LREM', base .. ':active', 0, id)
redis.call('HSET', h, 'status', 'completed', 'overall_progress', 100, 'updated_at', now)
clearlease(h)
redis.call('ZADD', base .. ':completed', tonumber(now), id)
return 1
`)

// ARGV: base, id, workerID, errMsg, requeueAtMs ('' = terminal), nowMs.
var failScript = redis.NewScript(routeFn + clearLeaseFn + `
local base, id, now = ARGV[1], ARGV[2], ARGV[6]
local h = base .. ':' .. id
if redis.call('HGET', h, 'locked_by') ~= ARGV[3] then return 0 end
if redis.call('HGET', h, 'status') ~= 'processing' then return 0 end
redis.call('LREM', base .. ':active', 0, id)
clearlease(h)
if ARGV[5] == '' then
	redis.call('HSET', h, 'status', 'failed', 'last_error', ARGV[4], 'updated_at', now)
	redis.call('ZADD', base .. ':failed', tonumber(now), id)
else
	redis.call('HSET', h, 'status', 'pending', 'last_error', ARGV[4],
		'scheduled_for', ARGV[5], 'updated_at', now)
	local prio = tonumber(redis.call('HGET', h, 'priority')) or 0
	route(base, id, prio, ARGV[5], now)
end
return 1
`)

// ARGV: base, id, workerID, stagesJSON, overall, nowMs.
var updateStagesScript = redis.NewScript(`
local h = ARGV[1] .. ':' .. ARGV[2]
if redis.call('HGET', h, 'locked_by') ~= ARGV[3] then return 0 end
if redis.call('HGET', h, 'status') ~= 'processing' then return 0 end
redis.call('HSET', h, 'stages', ARGV[4], 'overall_progress', ARGV[5], 'updated_at', ARGV[6])
return 1
`)

// ARGV: base, id, nowMs. 0 when the job is missing or already terminal.
var cancelScript = redis.NewScript(clearLeaseFn + `
local base, id, now = ARGV[1], ARGV[2], ARGV[3]
local h = base .. ':' .. id
local status = redis.call('HGET', h, 'status')
if status == 'pending' then
	redis.call('LREM', base .. ':wait', 0, id)
	redis.call('ZREM', base .. ':priority', id)
	redis.call('ZREM', base .. ':delayed', id)
elseif status == 'processing' then
	redis.call('LREM', base .. ':active', 0, id)
else
	return 0
end
redis.call('HSET', h, 'status', 'failed', 'last_error', 'cancelled', 'updated_at', now)
clearlease(h)
redis.call('ZADD', base .. ':failed', tonumber(now), id)
return 1
`)

// ARGV: base, id, nowMs. 0 for anything not currently failed.
var retryScript = redis.NewScript(clearLeaseFn + `
local base, id, now = ARGV[1], ARGV[2], ARGV[3]
local h = base .. ':' .. id
if redis.call('HGET', h, 'status') ~= 'failed' then return 0 end
redis.call('ZREM', base .. ':failed', id)
redis.call('HSET', h, 'status', 'pending', 'attempts', 0, 'scheduled_for', now,
	'last_error', '', 'stalled_count', 0, 'updated_at', now)
clearlease(h)
local prio = tonumber(redis.call('HGET', h, 'priority')) or 0
if prio ~= 0 then
	redis.call('ZADD', base .. ':priority', prio, id)
else
	redis.call('RPUSH', base .. ':wait', id)
end
return 1
`)

// ARGV: base, nowMs, maxStalled. Returns how many active jobs were moved.
//
// A job found on the active list with an expired lease is presumed stalled:
// its worker stopped heartbeating without committing. It returns to pending
// unless it has stalled more than maxStalled times or burned its last
// attempt, in which case it fails terminally.
var reapScript = redis.NewScript(routeFn + clearLeaseFn + `
local base = ARGV[1]
local now = tonumber(ARGV[2])
local maxStalled = tonumber(ARGV[3])
local moved = 0
local active = redis.call('LRANGE', base .. ':active', 0, -1)
for i = 1, #active do
	local id = active[i]
	local h = base .. ':' .. id
	local exp = tonumber(redis.call('HGET', h, 'expires_at'))
	local status = redis.call('HGET', h, 'status')
	if status == 'processing' and exp and exp < now then
		redis.call('LREM', base .. ':active', 0, id)
		local stalls = redis.call('HINCRBY', h, 'stalled_count', 1)
		local attempts = tonumber(redis.call('HGET', h, 'attempts')) or 0
		local max = tonumber(redis.call('HGET', h, 'max_attempts')) or 1
		clearlease(h)
		if stalls > maxStalled or attempts >= max then
			redis.call('HSET', h, 'status', 'failed',
				'last_error', 'stalled: lease expired with no attempts remaining',
				'updated_at', now)
			redis.call('ZADD', base .. ':failed', now, id)
		else
			redis.call('HSET', h, 'status', 'pending', 'scheduled_for', now, 'updated_at', now)
			local prio = tonumber(redis.call('HGET', h, 'priority')) or 0
			route(base, id, prio, now, now)
		end
		moved = moved + 1
	end
end
return moved
`)

// ARGV: schedulesIdx, scheduleHash, key, prevNextMs, lastRunMs, nextRunMs,
// nowMs. Advances the schedule iff next_run_at still equals prevNext.
var markScheduleRunScript = redis.NewScript(`
local cur = redis.call('HGET', ARGV[2], 'next_run_at')
if not cur or tonumber(cur) ~= tonumber(ARGV[4]) then return 0 end
redis.call('HSET', ARGV[2], 'last_run_at', ARGV[5], 'next_run_at', ARGV[6], 'updated_at', ARGV[7])
redis.call('ZADD', ARGV[1], tonumber(ARGV[6]), ARGV[3])
return 1
`)
