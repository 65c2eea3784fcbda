// Package ratelimit implements the dual total/burst token-bucket admission
// engine that tracks Riot's dynamically-discovered, multi-window rate
// limits and coordinates waiters across many concurrent callers.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can drive a virtual clock without
// sleeping, following the same "inject the clock" idiom the corpus uses
// wherever a timestamp would otherwise be hardcoded.
type Clock func() time.Time

// TokenBucket tracks timestamped admissions within one rolling window
// ("N requests per D seconds"), additionally shaped by a smaller burst
// window to spread requests instead of admitting them all at once.
type TokenBucket struct {
	now Clock

	window            time.Duration
	durationOverhead  time.Duration
	totalLimit        int
	burstWindow       time.Duration
	burstLimit        int

	mu         sync.Mutex
	timestamps []time.Time // newest first
}

// NewTokenBucket builds a bucket for a "totalLimit per window" rule.
// rateUsageFactor scales totalLimit down (reserving capacity for other
// clients sharing the same key); burstFactor controls how much of the
// window's allowance can be spent immediately before spreading kicks in.
// Both factors must be in (0, 1]; totalLimit and burstLimit are floored at 1.
func NewTokenBucket(now Clock, window time.Duration, rawLimit int, durationOverhead time.Duration, burstFactor, rateUsageFactor float64) *TokenBucket {
	totalLimit := int(math.Ceil(float64(rawLimit) * rateUsageFactor))
	if totalLimit < 1 {
		totalLimit = 1
	}

	effective := window + durationOverhead
	burstLimit := int(math.Floor(float64(totalLimit) * burstFactor))
	if burstLimit < 1 {
		burstLimit = 1
	}
	if burstLimit > totalLimit {
		burstLimit = totalLimit
	}
	burstWindow := time.Duration(math.Ceil(float64(effective) * burstFactor))

	return &TokenBucket{
		now:              now,
		window:           window,
		durationOverhead: durationOverhead,
		totalLimit:       totalLimit,
		burstWindow:      burstWindow,
		burstLimit:       burstLimit,
		timestamps:       make([]time.Time, 0, totalLimit),
	}
}

// trim drops timestamps at or older than the full window cutoff, so a
// timestamp exactly one window old no longer counts (GetDelay admits at that
// same instant). Must be called with mu held.
func (b *TokenBucket) trim() {
	cutoff := b.now().Add(-(b.window + b.durationOverhead))
	i := len(b.timestamps)
	for i > 0 && !b.timestamps[i-1].After(cutoff) {
		i--
	}
	b.timestamps = b.timestamps[:i]
}

// GetDelay reports how long to wait before the next admission would be
// allowed. ok is false when a token is available right now.
func (b *TokenBucket) GetDelay() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim()

	now := b.now()
	if len(b.timestamps) >= b.totalLimit {
		ts := b.timestamps[b.totalLimit-1]
		passed := now.Sub(ts)
		remaining := (b.window + b.durationOverhead) - passed
		if remaining <= 0 {
			return 0, false
		}
		return remaining, true
	}
	if len(b.timestamps) >= b.burstLimit {
		ts := b.timestamps[b.burstLimit-1]
		passed := now.Sub(ts)
		remaining := b.burstWindow - passed
		if remaining <= 0 {
			return 0, false
		}
		return remaining, true
	}
	return 0, false
}

// GetTokens unconditionally records n fresh admissions. Callers must only
// call this after GetDelay reported no delay; the bool return is a
// post-hoc invariant check (were the total/burst caps still respected),
// not a gate.
func (b *TokenBucket) GetTokens(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim()

	now := b.now()
	fresh := make([]time.Time, n)
	for i := range fresh {
		fresh[i] = now
	}
	b.timestamps = append(fresh, b.timestamps...)

	if len(b.timestamps) > b.totalLimit {
		return false
	}
	if len(b.timestamps) > b.burstLimit && now.Sub(b.timestamps[b.burstLimit]) < b.burstWindow {
		return false
	}
	return true
}

// BucketDuration returns the configured window duration (excluding overhead).
func (b *TokenBucket) BucketDuration() time.Duration {
	return b.window
}

// TotalLimit returns the effective limit (after rateUsageFactor) per window.
func (b *TokenBucket) TotalLimit() int {
	return b.totalLimit
}
