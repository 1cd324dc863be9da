package jobstore

import "github.com/redis/go-redis/v9"

// claimScript atomically claims the next due job, walking priorities from
// critical to low and taking the earliest-ready member of each set. At most
// one concurrent caller can win a given job: the ZREM and the status flip
// happen in one script execution. Members whose hash vanished (expired or
// deleted) are skipped and discarded.
//
// KEYS: pending zsets critical..low, paused flag.
// ARGV: now in unix ms, job key prefix.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 1 then
	return false
end
local now = tonumber(ARGV[1])
for i = 1, 4 do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', now, 'LIMIT', 0, 1)
	while #ids > 0 do
		local id = ids[1]
		redis.call('ZREM', KEYS[i], id)
		local key = ARGV[2] .. id
		local status = redis.call('HGET', key, 'status')
		if status == 'pending' or status == 'retry' then
			redis.call('HSET', key, 'status', 'processing', 'started_at', ARGV[1])
			return id
		end
		ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', now, 'LIMIT', 0, 1)
	end
end
return false
`)

// stopWorkerScript marks the worker stopped and resets every processing job
// back to pending in the same execution, so a stopped worker can never be
// observed alongside in-flight claims. started_at is cleared only on the
// worker record; reset jobs keep theirs as a trace of the interrupted run.
//
// KEYS: worker state hash.
// ARGV: job key prefix, now in unix ms, pending zset prefix.
var stopWorkerScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'is_running', '0', 'started_at', '0')
local keys = redis.call('KEYS', ARGV[1] .. '*')
local reset = 0
for _, key in ipairs(keys) do
	if redis.call('HGET', key, 'status') == 'processing' then
		redis.call('HSET', key, 'status', 'pending')
		local id = redis.call('HGET', key, 'id')
		local pr = redis.call('HGET', key, 'priority')
		redis.call('ZADD', ARGV[3] .. pr, tonumber(ARGV[2]), id)
		reset = reset + 1
	end
end
return reset
`)

// startWorkerScript flips the worker record to running atomically; a
// concurrent start keeps the original started_at. This replaces the
// read-then-write sequence that would otherwise race between invocations.
//
// KEYS: worker state hash.
// ARGV: now in unix ms, concurrency.
var startWorkerScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'is_running') ~= '1' then
	redis.call('HSET', KEYS[1], 'started_at', ARGV[1])
end
redis.call('HSET', KEYS[1], 'is_running', '1', 'concurrency', ARGV[2], 'last_heartbeat', ARGV[1])
return 1
`)
