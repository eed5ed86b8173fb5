package cache

import "github.com/go-redis/redis/v8"

// ARGV[1] 为容量，ARGV[2..] 为待写入元素
var pushBoundedScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local free = cap - redis.call('LLEN', KEYS[1])
if free <= 0 then
	return 0
end
local n = #ARGV - 1
if n > free then
	n = free
end
for i = 2, n + 1 do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
return n
`)

// 只放回能容纳的前 n 个元素，逆序 LPUSH 以保持原顺序
var pushFrontBoundedScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local free = cap - redis.call('LLEN', KEYS[1])
if free <= 0 then
	return 0
end
local n = #ARGV - 1
if n > free then
	n = free
end
for i = n + 1, 2, -1 do
	redis.call('LPUSH', KEYS[1], ARGV[i])
end
return n
`)
