package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// retryCushion is added on top of a parsed Retry-After value, a rounding
// cushion against the server's second-granularity clock.
const retryCushion = 500 * time.Millisecond

// placeholderWindow/placeholderLimit are the "1 request per second" bucket a
// fresh Limiter starts with, before any response has told it the real
// shape. Matches the original's conservative default.
const (
	placeholderWindow = time.Second
	placeholderLimit  = 1
)

// Limiter tracks one rate-limit scope (application or method) for a single
// region: the set of token buckets currently believed to represent the
// server's rule, any outstanding Retry-After deadline, and a Notify so
// waiters blocked on a full bucket wake up as soon as either is updated.
type Limiter struct {
	scope RateLimitScope
	now   Clock

	mu      sync.RWMutex
	buckets []*TokenBucket

	retryMu    sync.Mutex
	retryAfter *time.Time

	updateSignal *Notify
}

// NewLimiter creates a Limiter seeded with a conservative 1-req/1s bucket,
// narrowed as soon as the first response headers are observed.
func NewLimiter(scope RateLimitScope) *Limiter {
	return NewLimiterWithClock(scope, time.Now)
}

// NewLimiterWithClock is NewLimiter with an injectable clock, for tests.
func NewLimiterWithClock(scope RateLimitScope, now Clock) *Limiter {
	return &Limiter{
		scope:        scope,
		now:          now,
		buckets:      []*TokenBucket{NewTokenBucket(now, placeholderWindow, placeholderLimit, 0, 1.0, 1.0)},
		updateSignal: NewNotify(),
	}
}

// Scope reports which kind of limit this Limiter tracks.
func (l *Limiter) Scope() RateLimitScope { return l.scope }

// snapshotDelay returns the largest delay reported by any current bucket,
// or ok=false if every bucket would admit right now.
func (l *Limiter) snapshotDelay() (time.Duration, bool) {
	l.mu.RLock()
	buckets := l.buckets
	l.mu.RUnlock()

	var max time.Duration
	found := false
	for _, b := range buckets {
		d, ok := b.GetDelay()
		if ok && d > max {
			max = d
			found = true
		}
	}
	return max, found
}

// admit records one admission against every current bucket. Only safe to
// call once snapshotDelay reported no delay for every limiter being
// acquired together, under the same composite-wait loop iteration.
func (l *Limiter) admit() {
	l.mu.RLock()
	buckets := l.buckets
	l.mu.RUnlock()

	for _, b := range buckets {
		b.GetTokens(1)
	}
}

// retryDeadline returns the currently stored Retry-After deadline, if any
// and still in the future.
func (l *Limiter) retryDeadline() (time.Time, bool) {
	l.retryMu.Lock()
	defer l.retryMu.Unlock()
	if l.retryAfter == nil {
		return time.Time{}, false
	}
	if !l.retryAfter.After(l.now()) {
		return time.Time{}, false
	}
	return *l.retryAfter, true
}

// AcquireBoth blocks until both the application and method Limiters would
// admit one request, honoring any outstanding Retry-After deadlines on
// either. It is the composite wait described for the regional requester:
// on every wake it re-evaluates both limiters from scratch rather than
// keeping any FIFO ordering between waiters.
func AcquireBoth(ctx context.Context, app, method *Limiter) error {
	for {
		now := time.Now()
		var wakeAt time.Time
		hasWake := false

		if d, ok := app.retryDeadline(); ok && d.After(now) {
			wakeAt, hasWake = laterOf(wakeAt, hasWake, d)
		}
		if d, ok := method.retryDeadline(); ok && d.After(now) {
			wakeAt, hasWake = laterOf(wakeAt, hasWake, d)
		}

		if !hasWake {
			appDelay, appOK := app.snapshotDelay()
			methodDelay, methodOK := method.snapshotDelay()
			if !appOK && !methodOK {
				app.admit()
				method.admit()
				return nil
			}
			delay := appDelay
			if methodOK && methodDelay > delay {
				delay = methodDelay
			}
			wakeAt = now.Add(delay)
			hasWake = true
		}

		if err := sleepUntilOrNotified(ctx, wakeAt, app.updateSignal, method.updateSignal); err != nil {
			return err
		}
	}
}

func laterOf(cur time.Time, curOK bool, cand time.Time) (time.Time, bool) {
	if !curOK || cand.After(cur) {
		return cand, true
	}
	return cur, curOK
}

// sleepUntilOrNotified waits for the earliest of: the deadline, either
// Notify firing, or ctx being cancelled.
func sleepUntilOrNotified(ctx context.Context, deadline time.Time, app, method *Notify) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	appCh, appCancel := app.Wait()
	defer appCancel()
	methodCh, methodCancel := method.Wait()
	defer methodCancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-appCh:
		return nil
	case <-methodCh:
		return nil
	}
}

// RateLimitParams carries the tunables OnResponse needs to rebuild buckets.
// Kept as plain fields (not the root Config type) so this package never
// imports the root package, which itself imports ratelimit.
type RateLimitParams struct {
	DurationOverhead time.Duration
	BurstFactor      float64
	RateUsageFactor  float64
}

// OnResponse inspects one HTTP response for this Limiter's scope: it may
// discover a Retry-After deadline (if the response is a 429 this Limiter is
// responsible for) and/or a change in the server-advertised bucket shape.
// It returns the Retry-After duration discovered, if any.
func (l *Limiter) OnResponse(resp *http.Response, p RateLimitParams) (time.Duration, bool) {
	retryAfter, hasRetryAfter := l.onRetryAfter(resp)
	l.onBucketSync(resp, p)
	return retryAfter, hasRetryAfter
}

func (l *Limiter) onRetryAfter(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if !l.responsibleForType(resp.Header.Get(headerRateLimitType)) {
		return 0, false
	}

	raw := strings.TrimSpace(resp.Header.Get(headerRetryAfter))
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Err(err).Str("scope", l.scope.String()).Str("value", raw).
			Msg("riotapi: malformed Retry-After header, ignoring")
		return 0, false
	}

	now := l.now()
	deadline := now.Add(retryCushion + time.Duration(seconds*float64(time.Second)))
	l.retryMu.Lock()
	l.retryAfter = &deadline
	l.retryMu.Unlock()

	return deadline.Sub(now), true
}

// responsibleForType decides whether this Limiter's scope owns a 429
// carrying the given X-Rate-Limit-Type value. The application scope only
// owns the literal "application" value; everything else (method, service,
// missing, or unrecognized) falls to the method scope.
func (l *Limiter) responsibleForType(rateLimitType string) bool {
	if l.scope == ScopeApplication {
		return rateLimitType == rateLimitTypeApplication
	}
	return rateLimitType != rateLimitTypeApplication
}

type bucketShape struct {
	limit  int
	window time.Duration
}

func (l *Limiter) onBucketSync(resp *http.Response, p RateLimitParams) {
	limitHeader, countHeader := headersForScope(l.scope)

	shapeRaw := strings.TrimSpace(resp.Header.Get(limitHeader))
	if shapeRaw == "" {
		return
	}
	shapes, err := parsePairs(shapeRaw)
	if err != nil {
		log.Warn().Err(err).Str("scope", l.scope.String()).Str("header", limitHeader).
			Msg("riotapi: malformed rate limit header, ignoring")
		return
	}

	counts, err := parsePairs(strings.TrimSpace(resp.Header.Get(countHeader)))
	if err != nil {
		log.Warn().Err(err).Str("scope", l.scope.String()).Str("header", countHeader).
			Msg("riotapi: malformed rate limit count header, ignoring")
		counts = nil
	}
	countByWindow := make(map[time.Duration]int, len(counts))
	for _, c := range counts {
		countByWindow[c.window] = c.limit
	}

	wanted := make([]bucketShape, len(shapes))
	for i, s := range shapes {
		wanted[i] = bucketShape{limit: s.limit, window: s.window}
	}

	if !l.shapeChanged(wanted, p.RateUsageFactor) {
		return
	}

	fresh := make([]*TokenBucket, len(wanted))
	for i, s := range wanted {
		scaledBurstFactor := p.BurstFactor * float64(s.limit) / float64(s.limit+1)
		b := NewTokenBucket(l.now, s.window, s.limit, p.DurationOverhead, scaledBurstFactor, p.RateUsageFactor)
		if count, ok := countByWindow[s.window]; ok && count > 0 {
			b.GetTokens(count)
		}
		fresh[i] = b
	}

	l.mu.Lock()
	l.buckets = fresh
	l.mu.Unlock()

	l.updateSignal.Broadcast()
}

// shapeChanged compares the server-advertised (limit, window) pairs against
// the limiter's current bucket set, undoing the rateUsageFactor scaling so
// the comparison is against the raw, pre-scaling limit the header reports.
func (l *Limiter) shapeChanged(wanted []bucketShape, rateUsageFactor float64) bool {
	l.mu.RLock()
	current := l.buckets
	l.mu.RUnlock()

	if len(current) != len(wanted) {
		return true
	}
	for i, w := range wanted {
		c := current[i]
		if c.BucketDuration() != w.window {
			return true
		}
		rawLimit := int(float64(c.TotalLimit()) / rateUsageFactor)
		if rawLimit != w.limit && c.TotalLimit() != w.limit {
			return true
		}
	}
	return false
}

// parsePairs parses a comma-separated "limit:windowSeconds" list, e.g.
// "20:1,100:120", as used by both the shape and count rate-limit headers.
func parsePairs(raw string) ([]bucketShape, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]bucketShape, 0, len(parts))
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("riotapi: malformed rate limit pair %q", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("riotapi: malformed rate limit value in %q: %w", part, err)
		}
		windowSeconds, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("riotapi: malformed rate limit window in %q: %w", part, err)
		}
		out = append(out, bucketShape{limit: limit, window: time.Duration(windowSeconds) * time.Second})
	}
	return out, nil
}
