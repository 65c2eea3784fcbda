package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func respWithHeaders(t *testing.T, status int, headers map[string]string) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	for k, v := range headers {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(status)
	return rec.Result()
}

func TestLimiter_RetryAfterRoutedByScope(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)
	params := RateLimitParams{BurstFactor: 0.99, RateUsageFactor: 1.0}

	resp := respWithHeaders(t, http.StatusTooManyRequests, map[string]string{
		headerRateLimitType: rateLimitTypeApplication,
		headerRetryAfter:    "2",
	})

	appDelay, appOK := app.OnResponse(resp, params)
	if !appOK {
		t.Fatal("expected application limiter to claim responsibility")
	}
	if appDelay < 2*time.Second || appDelay > 3*time.Second {
		t.Fatalf("expected ~2.5s delay, got %v", appDelay)
	}

	_, methodOK := method.OnResponse(resp, params)
	if methodOK {
		t.Fatal("method limiter should not claim an application-typed 429")
	}

	if _, ok := app.retryDeadline(); !ok {
		t.Fatal("expected application limiter to have stored a retry deadline")
	}
	if _, ok := method.retryDeadline(); ok {
		t.Fatal("method limiter should have no retry deadline")
	}
}

func TestLimiter_ServiceTypeRoutedToMethod(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)
	params := RateLimitParams{BurstFactor: 0.99, RateUsageFactor: 1.0}

	resp := respWithHeaders(t, http.StatusTooManyRequests, map[string]string{
		headerRateLimitType: rateLimitTypeService,
		headerRetryAfter:    "1",
	})

	if _, ok := app.OnResponse(resp, params); ok {
		t.Fatal("application limiter should not claim a service-typed 429")
	}
	if _, ok := method.OnResponse(resp, params); !ok {
		t.Fatal("method limiter should claim a service-typed 429")
	}
}

func TestLimiter_MissingTypeRoutedToMethod(t *testing.T) {
	method := NewLimiter(ScopeMethod)
	params := RateLimitParams{BurstFactor: 0.99, RateUsageFactor: 1.0}

	resp := respWithHeaders(t, http.StatusTooManyRequests, map[string]string{
		headerRetryAfter: "1",
	})
	if _, ok := method.OnResponse(resp, params); !ok {
		t.Fatal("method limiter should claim a 429 with no X-Rate-Limit-Type")
	}
}

func TestLimiter_BucketResyncFromHeaders(t *testing.T) {
	l := NewLimiter(ScopeApplication)
	params := RateLimitParams{BurstFactor: 0.99, RateUsageFactor: 1.0}

	resp := respWithHeaders(t, http.StatusOK, map[string]string{
		headerAppRateLimit:      "20:1,100:120",
		headerAppRateLimitCount: "7:1,58:120",
	})

	l.OnResponse(resp, params)

	l.mu.RLock()
	buckets := l.buckets
	l.mu.RUnlock()

	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].BucketDuration() != time.Second || buckets[0].TotalLimit() != 20 {
		t.Fatalf("unexpected first bucket shape: window=%v limit=%d", buckets[0].BucketDuration(), buckets[0].TotalLimit())
	}
	if buckets[1].BucketDuration() != 120*time.Second || buckets[1].TotalLimit() != 100 {
		t.Fatalf("unexpected second bucket shape: window=%v limit=%d", buckets[1].BucketDuration(), buckets[1].TotalLimit())
	}

	// Pre-populated counts should already be reflected: burstLimit is
	// floor(20 * 0.99*20/21) = 18, so 18-7=11 tokens are left in the first
	// bucket before the burst cap is reached.
	if !buckets[0].GetTokens(11) {
		t.Fatal("expected room for the remaining tokens after pre-population")
	}
}

func TestLimiter_ResyncIsIdempotentWhenShapeUnchanged(t *testing.T) {
	l := NewLimiter(ScopeApplication)
	params := RateLimitParams{BurstFactor: 0.99, RateUsageFactor: 1.0}

	resp := respWithHeaders(t, http.StatusOK, map[string]string{
		headerAppRateLimit:      "20:1",
		headerAppRateLimitCount: "5:1",
	})
	l.OnResponse(resp, params)

	l.mu.RLock()
	before := l.buckets[0]
	l.mu.RUnlock()

	before.GetTokens(3) // mutate usage so a naive rebuild would be observable

	resp2 := respWithHeaders(t, http.StatusOK, map[string]string{
		headerAppRateLimit:      "20:1",
		headerAppRateLimitCount: "5:1",
	})
	l.OnResponse(resp2, params)

	l.mu.RLock()
	after := l.buckets[0]
	l.mu.RUnlock()

	if before != after {
		t.Fatal("expected the same bucket instance to survive an unchanged-shape resync")
	}
}

func TestLimiter_MalformedHeaderIsIgnored(t *testing.T) {
	l := NewLimiter(ScopeApplication)
	params := RateLimitParams{BurstFactor: 0.99, RateUsageFactor: 1.0}

	resp := respWithHeaders(t, http.StatusOK, map[string]string{
		headerAppRateLimit: "not-a-valid-shape",
	})

	l.mu.RLock()
	before := len(l.buckets)
	l.mu.RUnlock()

	l.OnResponse(resp, params)

	l.mu.RLock()
	after := len(l.buckets)
	l.mu.RUnlock()

	if before != after {
		t.Fatalf("malformed header should leave buckets untouched, had %d now %d", before, after)
	}
}

func TestAcquireBoth_AdmitsImmediatelyWhenBothHaveCapacity(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := AcquireBoth(ctx, app, method); err != nil {
		t.Fatalf("expected immediate admission, got error: %v", err)
	}
}

func TestAcquireBoth_WaitsOutRetryAfterThenAdmits(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)

	deadline := time.Now().Add(30 * time.Millisecond)
	app.retryMu.Lock()
	app.retryAfter = &deadline
	app.retryMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := AcquireBoth(ctx, app, method); err != nil {
		t.Fatalf("expected admission after the deadline passed, got error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected to honor the retry-after deadline, only waited %v", elapsed)
	}
}

func TestAcquireBoth_RespectsContextCancellation(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)

	deadline := time.Now().Add(time.Hour)
	app.retryMu.Lock()
	app.retryAfter = &deadline
	app.retryMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := AcquireBoth(ctx, app, method); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestAcquireBoth_WakesOnBroadcastBeforeNaturalDelayElapses(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)

	// Exhaust the application placeholder bucket (1 req/1s) so AcquireBoth
	// would otherwise sleep close to a full second.
	app.mu.RLock()
	app.buckets[0].GetTokens(1)
	app.mu.RUnlock()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- AcquireBoth(ctx, app, method)
	}()

	time.Sleep(20 * time.Millisecond)
	resp := respWithHeaders(t, http.StatusOK, map[string]string{
		headerAppRateLimit:      "50:1",
		headerAppRateLimitCount: "0:1",
	})
	app.OnResponse(resp, RateLimitParams{BurstFactor: 1.0, RateUsageFactor: 1.0})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected admission shortly after broadcast, got error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("AcquireBoth did not wake on bucket resync broadcast")
	}
}

// TestAcquireBoth_ConcurrentAdmissionSafety fans many goroutines out against
// one shared pair of Limiters and checks the dual-limiter admission-safety
// property: the number of admissions recorded never exceeds the bucket's
// total_limit, however many callers race through AcquireBoth at once.
func TestAcquireBoth_ConcurrentAdmissionSafety(t *testing.T) {
	app := NewLimiter(ScopeApplication)
	method := NewLimiter(ScopeMethod)

	resp := respWithHeaders(t, http.StatusOK, map[string]string{
		headerAppRateLimit:         "20:1",
		headerAppRateLimitCount:    "0:1",
		headerMethodRateLimit:      "20:1",
		headerMethodRateLimitCount: "0:1",
	})
	app.OnResponse(resp, RateLimitParams{BurstFactor: 1.0, RateUsageFactor: 1.0})
	method.OnResponse(resp, RateLimitParams{BurstFactor: 1.0, RateUsageFactor: 1.0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var admitted int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			if err := AcquireBoth(gctx, app, method); err != nil {
				return err
			}
			atomic.AddInt64(&admitted, 1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error from concurrent AcquireBoth calls: %v", err)
	}
	if admitted != 20 {
		t.Fatalf("expected all 20 callers to be admitted within the window, got %d", admitted)
	}

	app.mu.RLock()
	appCount := len(app.buckets[0].timestamps)
	app.mu.RUnlock()
	if appCount > app.buckets[0].TotalLimit() {
		t.Fatalf("application bucket admitted %d, exceeding total_limit %d", appCount, app.buckets[0].TotalLimit())
	}
}
