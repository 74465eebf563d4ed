package xerosync

import (
	"context"
	"fmt"
	"time"

	"github.com/xeroflowhq/receipts_backend/config"
	"github.com/xeroflowhq/receipts_backend/utils"
)

// WindowCounter increments a named fixed-window counter and reports its
// value within the current window, plus how long the window has left to
// run. The redis implementation is shared by every replica, so the limit
// holds fleet-wide.
type WindowCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Remaining(ctx context.Context, key string) (time.Duration, error)
}

type redisWindowCounter struct{}

func NewRedisWindowCounter() WindowCounter {
	return redisWindowCounter{}
}

func (redisWindowCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return config.IncrRedisWindow(ctx, key, window)
}

func (redisWindowCounter) Remaining(ctx context.Context, key string) (time.Duration, error) {
	return config.RedisWindowRemaining(ctx, key)
}

// RateGate admits calls to the accounting API at a per-tenant budget of
// limit calls per window. When the window's budget is spent, Admit blocks
// until the next window opens rather than firing a request that would 429.
type RateGate struct {
	counter WindowCounter
	window  time.Duration

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateGate(counter WindowCounter) *RateGate {
	return &RateGate{
		counter: counter,
		window:  time.Minute,
		sleep:   sleepCtx,
	}
}

func (g *RateGate) Admit(ctx context.Context, tenantId string, limit int) error {
	if limit <= 0 {
		limit = 60
	}
	key := fmt.Sprintf("ratelimit:xero:%s", tenantId)
	for {
		n, err := g.counter.Incr(ctx, key, g.window)
		if err != nil {
			return utils.TransientError(err)
		}
		if n <= int64(limit) {
			return nil
		}
		// Window exhausted. Wait out the key's remaining TTL and try again;
		// the key expires with the window so the next Incr starts a fresh
		// count. A missing or unreadable TTL falls back to a full window.
		wait, err := g.counter.Remaining(ctx, key)
		if err != nil || wait <= 0 || wait > g.window {
			wait = g.window
		}
		if err := g.sleep(ctx, wait); err != nil {
			return utils.TransientError(err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
