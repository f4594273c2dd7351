package store

import "github.com/redis/go-redis/v9"

// The tree is kept as one hash of leaf path -> JSON value plus a sorted set of
// the same leaf paths, all scored 0, so a subtree is a ZRANGEBYLEX range:
// every path under "p" lies in ["p/", "p0") since '0' follows '/'.

// writeScript clears the listed subtrees (and any scalar ancestors) and then
// writes the given leaves, atomically.
//
// KEYS[1] leaf index, KEYS[2] leaf values
// ARGV[1] n, ARGV[2..n+1] subtree roots, then pairs of leaf path, JSON value
var writeScript = redis.NewScript(`
local index, values = KEYS[1], KEYS[2]
local function drop(p)
  redis.call('ZREM', index, p)
  redis.call('HDEL', values, p)
end
local function clear(p)
  local lo, hi = '-', '+'
  if p ~= '' then
    drop(p)
    lo, hi = '[' .. p .. '/', '(' .. p .. '0'
    local i = 0
    while true do
      i = string.find(p, '/', i + 1, true)
      if not i then break end
      drop(string.sub(p, 1, i - 1))
    end
  end
  local kids = redis.call('ZRANGEBYLEX', index, lo, hi)
  for _, k in ipairs(kids) do drop(k) end
end
local n = tonumber(ARGV[1])
for i = 2, n + 1 do clear(ARGV[i]) end
local written = 0
for i = n + 2, #ARGV, 2 do
  redis.call('ZADD', index, 0, ARGV[i])
  redis.call('HSET', values, ARGV[i], ARGV[i + 1])
  written = written + 1
end
return written
`)

// readScript returns the leaves at and below ARGV[1] as a flat
// path, value, path, value list.
var readScript = redis.NewScript(`
local p = ARGV[1]
local leaves
if p == '' then
  leaves = redis.call('ZRANGEBYLEX', KEYS[1], '-', '+')
else
  leaves = redis.call('ZRANGEBYLEX', KEYS[1], '[' .. p .. '/', '(' .. p .. '0')
  table.insert(leaves, 1, p)
end
local out = {}
for _, k in ipairs(leaves) do
  local v = redis.call('HGET', KEYS[2], k)
  if v then
    table.insert(out, k)
    table.insert(out, v)
  end
end
return out
`)

// claimScript takes ownership of a session's disconnect ops. Only one caller
// can ever receive a non-empty list.
var claimScript = redis.NewScript(`
local ops = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return ops
`)
