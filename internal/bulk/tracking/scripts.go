package tracking

// completeChunkScript records one chunk completion and, when it is the last
// outstanding chunk, derives the terminal status from the counters read in
// the same script invocation. Two workers finishing their final chunks
// concurrently therefore cannot both conclude "last chunk".
//
// KEYS[1] status hash, KEYS[2] progress set, KEYS[3] active set.
// ARGV[1] chunk index, ARGV[2] ended_at, ARGV[3] batch id.
// Returns {status, completed_chunks, just_ended}.
const completeChunkScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {"", 0, 0}
end
redis.call("SADD", KEYS[2], ARGV[1])
local completed = redis.call("SCARD", KEYS[2])
redis.call("HSET", KEYS[1], "completed_chunks", completed)
local status = redis.call("HGET", KEYS[1], "status") or ""
if status == "COMPLETED" or status == "PARTIALLY_COMPLETED" or status == "FAILED" or status == "CANCELLED" then
  return {status, completed, 0}
end
local total = tonumber(redis.call("HGET", KEYS[1], "total_chunks") or "0")
if total > 0 and completed >= total then
  local failures = tonumber(redis.call("HGET", KEYS[1], "failure_count") or "0")
  local successes = tonumber(redis.call("HGET", KEYS[1], "success_count") or "0")
  local skipped = tonumber(redis.call("HGET", KEYS[1], "skipped_count") or "0")
  if failures == 0 and skipped == 0 then
    status = "COMPLETED"
  elseif successes == 0 and failures > 0 then
    status = "FAILED"
  else
    status = "PARTIALLY_COMPLETED"
  end
  redis.call("HSET", KEYS[1], "status", status, "ended_at", ARGV[2])
  redis.call("SREM", KEYS[3], ARGV[3])
  return {status, completed, 1}
end
return {status, completed, 0}
`

// markInProgressScript flips a freshly accepted batch to IN_PROGRESS without
// touching batches that already moved past it.
//
// KEYS[1] status hash. Returns the resulting status.
const markInProgressScript = `
local status = redis.call("HGET", KEYS[1], "status")
if status == "ACCEPTED" then
  redis.call("HSET", KEYS[1], "status", "IN_PROGRESS")
  return "IN_PROGRESS"
end
return status or ""
`

// cancelScript transitions a non-terminal batch to CANCELLED. Terminal
// batches are left untouched so cancellation stays idempotent.
//
// KEYS[1] status hash, KEYS[2] active set.
// ARGV[1] ended_at, ARGV[2] reason, ARGV[3] batch id.
// Returns {status, changed}.
const cancelScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return {"", 0}
end
if status == "COMPLETED" or status == "PARTIALLY_COMPLETED" or status == "FAILED" or status == "CANCELLED" then
  return {status, 0}
end
redis.call("HSET", KEYS[1], "status", "CANCELLED", "ended_at", ARGV[1], "cancel_reason", ARGV[2])
redis.call("SREM", KEYS[2], ARGV[3])
return {"CANCELLED", 1}
`
