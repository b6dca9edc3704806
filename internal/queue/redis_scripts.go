package queue

import "github.com/redis/go-redis/v9"

// redisJobStatusLua defines jobStatus, which mirrors the relational lookup:
// live meta status, then error record, then last scheduled run.
const redisJobStatusLua = `
local function jobStatus(prefix, jobs, jobnames, job, sched)
  local existing = redis.call('HGET', jobnames, job)
  if existing then
    local st = redis.call('HGET', prefix .. 'meta:' .. existing, 'status')
    if st then
      return tonumber(st)
    end
    if redis.call('EXISTS', prefix .. 'error:' .. existing) == 1 then
      return 3
    end
  end
  local rec = redis.call('HGET', jobs, job)
  if rec then
    local last = string.match(rec, '^(%-?%d+):')
    if last == sched then
      return 2
    end
  end
  return -1
end
`

const redisForgetJobLua = `
local function forgetJob(jobnames, job, id)
  if job and job ~= '' and redis.call('HGET', jobnames, job) == id then
    redis.call('HDEL', jobnames, job)
  end
end
`

var redisJobStatusScript = redis.NewScript(redisJobStatusLua + `
return jobStatus(ARGV[1], KEYS[1], KEYS[2], ARGV[2], ARGV[3])
`)

// KEYS: pending, delayed, body, headers, status, expiration, jobs, jobnames
// ARGV: prefix, id, member, body, headers, correlation, route, priority,
// queued, process, expiration, score, job, jobScheduled, jobEvent, statusTable
var redisSendScript = redis.NewScript(redisJobStatusLua + `
local prefix, id, member = ARGV[1], ARGV[2], ARGV[3]
local job = ARGV[13]
if job ~= '' then
  local st = jobStatus(prefix, KEYS[7], KEYS[8], job, ARGV[14])
  if st ~= -1 then
    return st
  end
end
local meta = prefix .. 'meta:' .. id
redis.call('HSET', KEYS[3], id, ARGV[4])
redis.call('HSET', KEYS[4], id, ARGV[5])
redis.call('HSET', meta,
  'status', '0',
  'correlation', ARGV[6],
  'route', ARGV[7],
  'priority', ARGV[8],
  'queued', ARGV[9],
  'process', ARGV[10],
  'expiration', ARGV[11],
  'score', ARGV[12],
  'member', member,
  'job', job)
local process = tonumber(ARGV[10])
if process > tonumber(ARGV[9]) then
  redis.call('ZADD', KEYS[2], process, id)
else
  redis.call('ZADD', KEYS[1], ARGV[12], member)
end
if ARGV[11] ~= '0' then
  redis.call('ZADD', KEYS[6], ARGV[11], id)
end
if ARGV[16] == '1' then
  redis.call('HSET', KEYS[5], id, '0')
end
if job ~= '' then
  redis.call('HSET', KEYS[7], job, ARGV[14] .. ':' .. ARGV[15])
  redis.call('HSET', KEYS[8], job, id)
end
return -1
`)

// KEYS: pending, delayed, working, body, headers, status
// ARGV: prefix, now, statusTable, routeCount, routes...
var redisReceiveScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local nroutes = tonumber(ARGV[4])
local routes = {}
for i = 1, nroutes do
  routes[ARGV[4 + i]] = true
end

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local fields = redis.call('HMGET', prefix .. 'meta:' .. id, 'score', 'member')
  redis.call('ZREM', KEYS[2], id)
  if fields[1] and fields[2] then
    redis.call('ZADD', KEYS[1], fields[1], fields[2])
  end
end

local offset = 0
while true do
  local members = redis.call('ZRANGE', KEYS[1], offset, offset + 99)
  if #members == 0 then
    return false
  end
  for _, member in ipairs(members) do
    local id = string.match(member, ':0*(%d+)$')
    local meta = prefix .. 'meta:' .. id
    local fields = redis.call('HMGET', meta, 'expiration', 'route')
    local exp = tonumber(fields[1] or '0') or 0
    local ok = exp == 0 or exp > now
    if ok and nroutes > 0 then
      ok = routes[fields[2] or ''] == true
    end
    if ok then
      redis.call('ZREM', KEYS[1], member)
      redis.call('ZADD', KEYS[3], now, id)
      redis.call('HSET', meta, 'status', '1', 'heartbeat', now)
      if ARGV[3] == '1' then
        redis.call('HSET', KEYS[6], id, '1')
      end
      local m = redis.call('HMGET', meta, 'correlation', 'queued', 'route', 'priority')
      return {
        id,
        redis.call('HGET', KEYS[4], id) or '',
        redis.call('HGET', KEYS[5], id) or '',
        m[1] or '',
        m[2] or '0',
        m[3] or '',
        m[4] or '0',
      }
    end
  end
  offset = offset + 100
end
`)

// KEYS: working, body, headers, status, expiration, jobnames
// ARGV: prefix, id
var redisCommitScript = redis.NewScript(redisForgetJobLua + `
local prefix, id = ARGV[1], ARGV[2]
if redis.call('ZREM', KEYS[1], id) == 0 then
  return 0
end
local meta = prefix .. 'meta:' .. id
forgetJob(KEYS[6], redis.call('HGET', meta, 'job'), id)
redis.call('DEL', meta, prefix .. 'errtrack:' .. id)
redis.call('HDEL', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
redis.call('ZREM', KEYS[5], id)
return 1
`)

// KEYS: working, pending, delayed, status
// ARGV: prefix, id, lastHeartBeat, now, delay, heartbeatEnabled, statusTable
var redisRollbackScript = redis.NewScript(`
local prefix, id = ARGV[1], ARGV[2]
local hb = redis.call('ZSCORE', KEYS[1], id)
if not hb then
  return 0
end
if ARGV[6] == '1' then
  if math.floor(tonumber(hb) / 1000) ~= math.floor(tonumber(ARGV[3]) / 1000) then
    return 0
  end
end
local meta = prefix .. 'meta:' .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', meta, 'status', '0')
redis.call('HDEL', meta, 'heartbeat')
local delay = tonumber(ARGV[5])
if delay > 0 then
  local process = tonumber(ARGV[4]) + delay
  local f = redis.call('HMGET', meta, 'score', 'process')
  local score = tonumber(f[1] or '0') - tonumber(f[2] or '0') + process
  redis.call('HSET', meta, 'process', string.format('%.0f', process), 'score', string.format('%.0f', score))
  redis.call('ZADD', KEYS[3], process, id)
else
  local fields = redis.call('HMGET', meta, 'score', 'member')
  if fields[1] and fields[2] then
    redis.call('ZADD', KEYS[2], fields[1], fields[2])
  end
end
if ARGV[7] == '1' then
  redis.call('HSET', KEYS[4], id, '0')
end
return 1
`)

// KEYS: pending, delayed, working, expiration, errors, body, headers, status, jobnames
// ARGV: prefix, id
var redisDeleteScript = redis.NewScript(redisForgetJobLua + `
local prefix, id = ARGV[1], ARGV[2]
local meta = prefix .. 'meta:' .. id
local errkey = prefix .. 'error:' .. id
forgetJob(KEYS[9], redis.call('HGET', meta, 'job'), id)
forgetJob(KEYS[9], redis.call('HGET', errkey, 'job'), id)
local n = 0
local member = redis.call('HGET', meta, 'member')
if member then
  n = n + redis.call('ZREM', KEYS[1], member)
end
n = n + redis.call('ZREM', KEYS[2], id)
n = n + redis.call('ZREM', KEYS[3], id)
n = n + redis.call('ZREM', KEYS[4], id)
n = n + redis.call('ZREM', KEYS[5], id)
n = n + redis.call('DEL', meta, errkey, prefix .. 'errtrack:' .. id)
n = n + redis.call('HDEL', KEYS[6], id)
n = n + redis.call('HDEL', KEYS[7], id)
n = n + redis.call('HDEL', KEYS[8], id)
return n
`)

// KEYS: working
// ARGV: prefix, id, now
var redisHeartBeatScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
redis.call('HSET', ARGV[1] .. 'meta:' .. ARGV[2], 'heartbeat', ARGV[3])
return 1
`)

// KEYS: working, pending, status, headers
// ARGV: prefix, cutoff, statusTable, limit
var redisResetScript = redis.NewScript(`
local prefix = ARGV[1]
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[4]))
if #stale == 0 then
  return false
end
local out = {}
for i = 1, #stale, 2 do
  local id, hb = stale[i], stale[i + 1]
  local meta = prefix .. 'meta:' .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', meta, 'status', '0')
  redis.call('HDEL', meta, 'heartbeat')
  local fields = redis.call('HMGET', meta, 'score', 'member')
  if fields[1] and fields[2] then
    redis.call('ZADD', KEYS[2], fields[1], fields[2])
  end
  if ARGV[3] == '1' then
    redis.call('HSET', KEYS[3], id, '0')
  end
  out[#out + 1] = id
  out[#out + 1] = hb
  out[#out + 1] = redis.call('HGET', KEYS[4], id) or ''
end
return out
`)

// KEYS: pending, delayed, working, expiration, errors, status
// ARGV: prefix, id, exception, now, statusTable
var redisMoveToErrorScript = redis.NewScript(`
local prefix, id = ARGV[1], ARGV[2]
local meta = prefix .. 'meta:' .. id
local fields = redis.call('HGETALL', meta)
if #fields == 0 then
  return 0
end
local member = redis.call('HGET', meta, 'member')
local errkey = prefix .. 'error:' .. id
redis.call('HSET', errkey, unpack(fields))
redis.call('HSET', errkey, 'status', '3', 'lastexception', ARGV[3], 'lastexceptiondate', ARGV[4])
redis.call('DEL', meta)
if member then
  redis.call('ZREM', KEYS[1], member)
end
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('ZREM', KEYS[4], id)
redis.call('ZADD', KEYS[5], ARGV[4], id)
if ARGV[5] == '1' then
  redis.call('HSET', KEYS[6], id, '3')
end
return 1
`)

// KEYS: errors, body, headers, status, jobnames
// ARGV: prefix, id
var redisDeleteErrorScript = redis.NewScript(redisForgetJobLua + `
local prefix, id = ARGV[1], ARGV[2]
if redis.call('ZREM', KEYS[1], id) == 0 then
  return 0
end
local errkey = prefix .. 'error:' .. id
forgetJob(KEYS[5], redis.call('HGET', errkey, 'job'), id)
redis.call('DEL', errkey, prefix .. 'errtrack:' .. id)
redis.call('HDEL', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
return 1
`)
