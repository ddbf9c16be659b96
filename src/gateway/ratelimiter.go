package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// 110 instead of the documented 120 to leave room for heartbeats.
	defaultRateLimitMax = 110
	defaultRateLimitPer = 60 * time.Second
)

// RateLimiter gates outbound gateway frames to a sliding window of max
// sends per period. It only ever delays a send, it never rejects one.
type RateLimiter struct {
	mu        sync.Mutex
	max       int
	remaining int
	window    time.Time
	per       time.Duration

	sendMu  sync.Mutex
	shardID int
	log     *slog.Logger
}

func NewRateLimiter(max int, per time.Duration, log *slog.Logger) *RateLimiter {
	if max <= 0 {
		max = defaultRateLimitMax
	}
	if per <= 0 {
		per = defaultRateLimitPer
	}
	return &RateLimiter{
		max:       max,
		remaining: max,
		per:       per,
		log:       log,
	}
}

// IsRatelimited reports whether a send would be delayed right now. It does
// not consume a token.
func (rl *RateLimiter) IsRatelimited() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if now.After(rl.window.Add(rl.per)) {
		return false
	}
	return rl.remaining == 0
}

// GetDelay consumes a token and returns how long the caller must wait
// before sending. Zero means the send may proceed immediately.
func (rl *RateLimiter) GetDelay() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()

	if now.After(rl.window.Add(rl.per)) {
		rl.remaining = rl.max
	}
	if rl.remaining == rl.max {
		rl.window = now
	}
	if rl.remaining == 0 {
		return rl.per - now.Sub(rl.window)
	}
	rl.remaining--
	if rl.remaining == 0 {
		rl.window = now
	}
	return 0
}

// Block serializes concurrent senders and sleeps out any required delay.
func (rl *RateLimiter) Block(ctx context.Context) error {
	rl.sendMu.Lock()
	defer rl.sendMu.Unlock()
	delay := rl.GetDelay()
	if delay <= 0 {
		return nil
	}
	rl.log.Warn("gateway send is ratelimited",
		"shard_id", rl.shardID,
		"delay", delay.Seconds())
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
