package ai

import (
	"strings"
	"sync"
	"time"

	"ai-trading-engine/internal/model"
)

type cachedAnalysis struct {
	result    model.AnalysisResult
	expiresAt time.Time
}

// analysisCache keeps recent provider verdicts so a burst of near-identical
// signals does not burn the request budget.
type analysisCache struct {
	mu      sync.RWMutex
	entries map[string]cachedAnalysis
	ttl     time.Duration
}

func newAnalysisCache(ttl time.Duration) *analysisCache {
	return &analysisCache{
		entries: make(map[string]cachedAnalysis),
		ttl:     ttl,
	}
}

func cacheKey(sig model.Signal) string {
	return strings.Join([]string{
		sig.Instrument,
		string(sig.Direction),
		sig.Entry.String(),
		sig.Stop.String(),
	}, "|")
}

func (c *analysisCache) Get(sig model.Signal) (model.AnalysisResult, bool) {
	if c.ttl <= 0 {
		return model.AnalysisResult{}, false
	}
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(sig)]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return model.AnalysisResult{}, false
	}
	return entry.result, true
}

func (c *analysisCache) Put(sig model.Signal, result model.AnalysisResult) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(sig)] = cachedAnalysis{result: result, expiresAt: time.Now().Add(c.ttl)}
	// Opportunistic sweep so the map does not grow without bound.
	if len(c.entries) > 512 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()
}

// requestBudget caps outbound provider calls per minute across the whole
// failover chain.
type requestBudget struct {
	mu           sync.Mutex
	requestTimes []time.Time
	perMinute    int
}

func newRequestBudget(perMinute int) *requestBudget {
	return &requestBudget{perMinute: perMinute}
}

// Allow reports whether another provider call may start now and records
// it if so.
func (b *requestBudget) Allow() bool {
	if b.perMinute <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	kept := b.requestTimes[:0]
	for _, t := range b.requestTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.requestTimes = kept

	if len(b.requestTimes) >= b.perMinute {
		return false
	}
	b.requestTimes = append(b.requestTimes, time.Now())
	return true
}
