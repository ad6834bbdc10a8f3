package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one attempt for key.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// slidingWindowScript keeps one sorted-set member per admitted attempt,
// scored by its time in milliseconds. KEYS[2] only feeds unique members.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local seq = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', seq))
	redis.call('PEXPIRE', key, window + 1000)
	redis.call('PEXPIRE', seq, window + 1000)
	return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, 0, tonumber(oldest[2])}
`)

// SlidingWindowLimiter allows at most limit attempts per key within any
// window. State lives in Redis so every replica shares it; when Redis is
// unreachable the process-local limiter takes over.
type SlidingWindowLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
	local  *LocalLimiter
	now    func() time.Time
}

// NewSlidingWindowLimiter builds a limiter. rdb may be nil for a
// single-process deployment.
func NewSlidingWindowLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *SlidingWindowLimiter {
	if prefix == "" {
		prefix = "behavtrust:ratelimit"
	}
	return &SlidingWindowLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: prefix,
		local:  NewLocalLimiter(limit, window, time.Now),
		now:    time.Now,
	}
}

func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string) Decision {
	if s.rdb == nil {
		return s.local.Allow(ctx, key)
	}
	now := s.now()
	base := s.redisKey(key)
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{base, base + ":seq"},
		now.UnixMilli(), s.window.Milliseconds(), s.limit,
	).Int64Slice()
	if err != nil || len(res) < 3 {
		return s.local.Allow(ctx, key)
	}
	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(res[1])}
	}
	retry := time.UnixMilli(res[2]).Add(s.window).Sub(now)
	return Decision{RetryAfter: max(retry, 0)}
}

// redisKey hashes the caller's key (an IP or email) and hash-tags it so the
// set and its sequence land on one cluster slot.
func (s *SlidingWindowLimiter) redisKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:{%s}", s.prefix, hex.EncodeToString(h[:16]))
}

// LocalLimiter is the in-memory sliding window.
type LocalLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	hits      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewLocalLimiter(limit int, window time.Duration, now func() time.Time) *LocalLimiter {
	if now == nil {
		now = time.Now
	}
	return &LocalLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: now}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) > l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	hits := prune(l.hits[key], cutoff)
	if len(hits) >= l.limit {
		l.hits[key] = hits
		if len(hits) == 0 {
			return Decision{RetryAfter: l.window}
		}
		return Decision{RetryAfter: hits[0].Add(l.window).Sub(now)}
	}
	l.hits[key] = append(hits, now)
	return Decision{Allowed: true, Remaining: l.limit - len(hits) - 1}
}

func (l *LocalLimiter) sweep(cutoff time.Time) {
	for k, hits := range l.hits {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(l.hits, k)
		} else {
			l.hits[k] = hits
		}
	}
}

// prune drops hits at or before cutoff; hits are in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
