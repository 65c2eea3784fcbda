// Package reqengine drives the acquire-rate-limit, send, inspect-response,
// retry loop for one region: it owns the application-scoped Limiter and a
// per-method map of method-scoped Limiters, and is the only place that
// actually issues an HTTP request.
package reqengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lolapi/riotapi-go/internal/insertonly"
	"github.com/lolapi/riotapi-go/internal/ratelimit"
)

// RequestBuilder constructs a fresh *http.Request for one send attempt. A
// function replaces Rust's cloneable RequestBuilder: *http.Request bodies
// are one-shot readers, so the idiomatic Go translation is to rebuild the
// request from scratch on every attempt rather than try to reuse one.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Transport is the minimal contract RegionalRequester needs to send a
// built request; satisfied by *http.Client and by the root package's
// default Transport implementation.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy carries the tunables RegionalRequester needs: how many
// retries to allow and how buckets get resynced from response headers.
type RetryPolicy struct {
	MaxRetries       uint8
	DurationOverhead time.Duration
	BurstFactor      float64
	AppRateFactor    float64
	MethodRateFactor float64
}

// ResponseInfo is the result of one Execute call: the response the caller
// must read/close, how many retries it took, and whether the server used
// the "success, no content" convention (204/404) instead of a real payload.
type ResponseInfo struct {
	Response   *http.Response
	Retries    uint8
	StatusNone bool
}

// RegionalRequester is the front door for one Riot region: it multiplexes
// many method ids behind one application-scoped Limiter and a lazily
// created method-scoped Limiter per method id.
type RegionalRequester struct {
	transport Transport
	app       *ratelimit.Limiter
	methods   *insertonly.Map[string, ratelimit.Limiter]
}

// NewRegionalRequester creates a requester for one region. transport sends
// the final built request (normally the root package's default Transport,
// which injects the API key).
func NewRegionalRequester(transport Transport) *RegionalRequester {
	return &RegionalRequester{
		transport: transport,
		app:       ratelimit.NewLimiter(ratelimit.ScopeApplication),
		methods:   insertonly.New[string, ratelimit.Limiter](),
	}
}

func (r *RegionalRequester) methodLimiter(methodID string) *ratelimit.Limiter {
	return r.methods.GetOrInsert(methodID, func() *ratelimit.Limiter {
		return ratelimit.NewLimiter(ratelimit.ScopeMethod)
	})
}

// Execute runs the full acquire -> send -> inspect -> retry loop for one
// logical request (identified by methodID, e.g. "GET /lol/summoner/v4/...").
// build is invoked once per attempt, including the first.
func (r *RegionalRequester) Execute(ctx context.Context, policy RetryPolicy, methodID string, build RequestBuilder) (*ResponseInfo, error) {
	method := r.methodLimiter(methodID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset() // start the sequence from the InitialInterval set above

	var retries uint8
	for {
		attemptID := uuid.New().String()
		logger := log.With().Str("component", "reqengine").Str("method_id", methodID).
			Str("attempt_id", attemptID).Uint8("retry", retries).Logger()

		if err := ratelimit.AcquireBoth(ctx, r.app, method); err != nil {
			return nil, err
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("riotapi: building request for %s: %w", methodID, err)
		}

		start := time.Now()
		resp, err := r.transport.Do(req)
		duration := time.Since(start)

		if err != nil {
			logger.Debug().Err(err).Dur("duration", duration).Msg("transport error, considering retry")
			if retries >= policy.MaxRetries {
				return nil, TransportError{Err: err, Retries: retries}
			}
			retries++
			if waitErr := sleepFor(ctx, bo.NextBackOff()); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		logger.Debug().Int("status", resp.StatusCode).Dur("duration", duration).Msg("request completed")

		appDelay, appOK := r.app.OnResponse(resp, ratelimit.RateLimitParams{
			DurationOverhead: policy.DurationOverhead,
			BurstFactor:      policy.BurstFactor,
			RateUsageFactor:  policy.AppRateFactor,
		})
		methodDelay, methodOK := method.OnResponse(resp, ratelimit.RateLimitParams{
			DurationOverhead: policy.DurationOverhead,
			BurstFactor:      policy.BurstFactor,
			RateUsageFactor:  policy.MethodRateFactor,
		})

		switch {
		case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
			return &ResponseInfo{Response: resp, Retries: retries, StatusNone: true}, nil

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return &ResponseInfo{Response: resp, Retries: retries}, nil

		case isRetryable(resp.StatusCode):
			if retries >= policy.MaxRetries {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
				return nil, APIError{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body, Retries: retries}
			}
			resp.Body.Close()
			retries++

			// Divergence from the original: wait for the larger of the
			// two Retry-After delays rather than preferring the
			// application value, which could otherwise under-wait.
			// responsibleForType routes each 429 to exactly one scope,
			// so at most one of appOK/methodOK is set here.
			var wait time.Duration
			hasRetryAfter := appOK || methodOK
			if appOK && appDelay > wait {
				wait = appDelay
			}
			if methodOK && methodDelay > wait {
				wait = methodDelay
			}
			if !hasRetryAfter {
				wait = bo.NextBackOff()
			}

			logger.Debug().Dur("wait", wait).Msg("retrying after rate limit or server error")
			if waitErr := sleepFor(ctx, wait); waitErr != nil {
				return nil, waitErr
			}
			continue

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, APIError{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body, Retries: retries}
		}
	}
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransportError wraps a send failure (DNS, TLS, connection reset, timeout)
// that exhausted the retry budget.
type TransportError struct {
	Err     error
	Retries uint8
}

func (e TransportError) Error() string {
	return fmt.Sprintf("riotapi: transport error after %d retries: %v", e.Retries, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// APIError represents a non-2xx, non-204/404 response that was either not
// retryable or whose retry budget was exhausted.
type APIError struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Retries    uint8
}

func (e APIError) Error() string {
	body := e.Body
	const maxBody = 256
	truncated := ""
	if len(body) > maxBody {
		truncated = "..."
		body = body[:maxBody]
	}
	return fmt.Sprintf("riotapi: request failed with status %d after %d retries: %s%s", e.StatusCode, e.Retries, body, truncated)
}

// Retryable reports whether this status would have been retried given more
// budget: 429 or any 5xx.
func (e APIError) Retryable() bool {
	return isRetryable(e.StatusCode)
}
