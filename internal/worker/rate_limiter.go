package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendRateLimiter provides atomic rate limiting for transport calls using a
// Redis Lua script. Checking and incrementing in one script avoids the race
// a GET → check → INCR sequence would have between the background processor
// and a concurrent manual drain.
type SendRateLimiter struct {
	redis  *redis.Client
	limits RateLimits
	script *redis.Script
}

// RateLimits defines the provider's published ceilings.
type RateLimits struct {
	CallsPerSecond int
	DailySendLimit int
}

// DefaultRateLimits matches the provider's documented caps: 2 API calls per
// second and 100 messages per day, which is what drives the day-based batch
// scheduling upstream.
func DefaultRateLimits() RateLimits {
	return RateLimits{CallsPerSecond: 2, DailySendLimit: 100}
}

// Lua script for atomic two-window rate limit check. Both windows are checked
// before either counter is incremented, so a denial leaves no residue.
const sendLimitLuaScript = `
local secondKey = KEYS[1]
local dailyKey = KEYS[2]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local dailyLimit = tonumber(ARGV[3])
local secondTTL = tonumber(ARGV[4])
local dailyTTL = tonumber(ARGV[5])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + 1 > secondLimit then
    return {0, 1, secCurrent}
end
if dayCurrent + increment > dailyLimit then
    return {0, 2, dayCurrent}
end

local newSec = redis.call("INCR", secondKey)
if newSec == 1 then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}
`

// NewSendRateLimiter creates a rate limiter with a pre-compiled Lua script.
func NewSendRateLimiter(redisClient *redis.Client, limits RateLimits) *SendRateLimiter {
	if limits.CallsPerSecond <= 0 {
		limits.CallsPerSecond = DefaultRateLimits().CallsPerSecond
	}
	if limits.DailySendLimit <= 0 {
		limits.DailySendLimit = DefaultRateLimits().DailySendLimit
	}
	return &SendRateLimiter{
		redis:  redisClient,
		limits: limits,
		script: redis.NewScript(sendLimitLuaScript),
	}
}

// NewSendRateLimiterFromURL creates a rate limiter by connecting to Redis.
func NewSendRateLimiterFromURL(redisURL string, limits RateLimits) (*SendRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[SendRateLimiter] Connected to Redis at %s", redisURL)

	return NewSendRateLimiter(client, limits), nil
}

// Acquire atomically accounts one transport call carrying messageCount
// messages. When denied, waitTime tells the caller how long to back off
// before trying again; a daily-limit denial returns an error since waiting
// within a tick cannot help.
func (r *SendRateLimiter) Acquire(ctx context.Context, messageCount int) (allowed bool, waitTime time.Duration, err error) {
	now := time.Now()

	secondKey := fmt.Sprintf("sendlimit:sec:%d", now.Unix())
	dailyKey := fmt.Sprintf("sendlimit:day:%s", now.Format("2006-01-02"))

	result, err := r.script.Run(ctx, r.redis,
		[]string{secondKey, dailyKey},
		messageCount,
		r.limits.CallsPerSecond,
		r.limits.DailySendLimit,
		2,     // second TTL
		90000, // daily TTL (25 hours)
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowedInt := result[0].(int64)
	denialReason := result[1].(int64)

	if allowedInt == 1 {
		return true, 0, nil
	}

	switch denialReason {
	case 1: // per-second call limit
		return false, time.Second, nil
	default: // daily message limit
		return false, 0, fmt.Errorf("daily send limit of %d reached", r.limits.DailySendLimit)
	}
}

// CurrentUsage returns today's message count against the daily limit.
func (r *SendRateLimiter) CurrentUsage(ctx context.Context) (int64, error) {
	dailyKey := fmt.Sprintf("sendlimit:day:%s", time.Now().Format("2006-01-02"))
	count, err := r.redis.Get(ctx, dailyKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Close closes the Redis connection.
func (r *SendRateLimiter) Close() error {
	return r.redis.Close()
}
