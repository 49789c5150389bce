package redisstore

import "github.com/redis/go-redis/v9"

// The meta key holds "<state>:<list length>". A push that keeps the list
// within cap rewrites the length; one that evicts or starts a new list drops
// the marker.
//
// KEYS: list, meta, version[, pending]
// ARGV: value, cap, ttl ms, version ttl ms
var pushTrimScript = redis.NewScript(`
local n = redis.call('LPUSH', KEYS[1], ARGV[1])
local cap = tonumber(ARGV[2])
if n == 1 or (cap > 0 and n > cap) then
  if cap > 0 and n > cap then
    redis.call('LTRIM', KEYS[1], 0, cap - 1)
  end
  redis.call('DEL', KEYS[2])
else
  local m = redis.call('GET', KEYS[2])
  if m then
    local i = string.find(m, ':', 1, true)
    local state = m
    if i then state = string.sub(m, 1, i - 1) end
    local pttl = redis.call('PTTL', KEYS[2])
    if pttl > 0 then
      redis.call('SET', KEYS[2], state .. ':' .. n, 'PX', pttl)
    else
      redis.call('SET', KEYS[2], state .. ':' .. n)
    end
  end
end
if redis.call('PTTL', KEYS[1]) < 0 and tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
redis.call('INCR', KEYS[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[3], ARGV[4])
end
if #KEYS >= 4 then
  return redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 0
`)

// KEYS: list, meta, version
// ARGV: expected version, ttl ms, meta value, values...
var replaceScript = redis.NewScript(`
local v = redis.call('GET', KEYS[3])
if not v then v = '' end
if v ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
if #ARGV > 3 then
  redis.call('RPUSH', KEYS[1], unpack(ARGV, 4))
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
redis.call('SET', KEYS[2], ARGV[3] .. ':' .. (#ARGV - 3), 'PX', ARGV[2])
return 1
`)

// KEYS: version, keys to drop...
// ARGV: version ttl ms
var invalidateScript = redis.NewScript(`
for i = 2, #KEYS do
  redis.call('DEL', KEYS[i])
end
redis.call('INCR', KEYS[1])
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// KEYS: list
// ARGV: expected head, count
var dropHeadScript = redis.NewScript(`
if redis.call('LINDEX', KEYS[1], 0) ~= ARGV[1] then
  return 0
end
redis.call('LTRIM', KEYS[1], tonumber(ARGV[2]), -1)
return 1
`)
