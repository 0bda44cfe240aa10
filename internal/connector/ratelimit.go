package connector

import (
	"context"
	"sync"
	"time"
)

// weightLimiter tracks request weight inside a rolling one-minute window.
// Binance budgets REST calls by weight, not count; exceeding the budget
// earns an IP ban, so callers block until the window rolls over.
type weightLimiter struct {
	mu          sync.Mutex
	maxWeight   int
	usedWeight  int
	windowStart time.Time
	penaltyEnd  time.Time
}

func newWeightLimiter(maxWeight int) *weightLimiter {
	return &weightLimiter{
		maxWeight:   maxWeight,
		windowStart: time.Now(),
	}
}

// wait blocks until the given weight fits in the current window or ctx
// ends.
func (l *weightLimiter) wait(ctx context.Context, weight int) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.windowStart) >= time.Minute {
			l.windowStart = now
			l.usedWeight = 0
		}

		var sleep time.Duration
		switch {
		case now.Before(l.penaltyEnd):
			sleep = l.penaltyEnd.Sub(now)
		case l.usedWeight+weight <= l.maxWeight:
			l.usedWeight += weight
			l.mu.Unlock()
			return nil
		default:
			sleep = l.windowStart.Add(time.Minute).Sub(now)
		}
		l.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// penalize backs the limiter off after a 429 or 418 from the venue.
func (l *weightLimiter) penalize(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	end := time.Now().Add(d)
	if end.After(l.penaltyEnd) {
		l.penaltyEnd = end
	}
}
