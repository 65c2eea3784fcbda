// Package riotapi is a rate-limited, retry-aware HTTP client for the Riot
// Games public game API. Its hardest engineering is the concurrent
// rate-limiting engine (internal/ratelimit) that tracks dynamically
// discovered, multi-window limits and coordinates an application-scoped and
// a method-scoped limiter across many concurrent callers; internal/reqengine
// drives the per-region acquire/send/retry loop on top of it.
package riotapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lolapi/riotapi-go/internal/insertonly"
	"github.com/lolapi/riotapi-go/internal/reqengine"
)

// Client is the process-wide front door: it owns the immutable Config and
// transport, and lazily creates one RegionalRequester per region, keeping
// them for the lifetime of the Client.
type Client struct {
	cfg       Config
	transport Transport
	regions   *insertonly.Map[string, reqengine.RegionalRequester]
}

// NewClient builds a Client from cfg. The transport is built once and
// shared by every region's requester.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		transport: newDefaultTransport(cfg),
		regions:   insertonly.New[string, reqengine.RegionalRequester](),
	}
}

func (c *Client) regionalRequester(region string) *reqengine.RegionalRequester {
	return c.regions.GetOrInsert(region, func() *reqengine.RegionalRequester {
		return reqengine.NewRegionalRequester(c.transport)
	})
}

func (c *Client) retryPolicy() reqengine.RetryPolicy {
	return reqengine.RetryPolicy{
		MaxRetries:       c.cfg.retries,
		DurationOverhead: c.cfg.durationOverhead,
		BurstFactor:      c.cfg.burstFactor,
		AppRateFactor:    c.cfg.appRateUsageFactor,
		MethodRateFactor: c.cfg.methodRateUsageFactor,
	}
}

// Request builds the *http.Request for one call: it substitutes region
// into the configured base URL template's single "{}" placeholder and
// appends path.
func (c *Client) Request(ctx context.Context, method, region, path string) (*http.Request, error) {
	base := strings.Replace(c.cfg.baseURLTemplate, "{}", region, 1)
	return http.NewRequestWithContext(ctx, method, base+path, nil)
}

// ExecuteRaw runs the full acquire/send/retry loop for one logical request
// and returns the raw ResponseInfo. The caller owns the response body.
func (c *Client) ExecuteRaw(ctx context.Context, methodID, region string, build reqengine.RequestBuilder) (*ResponseInfo, error) {
	requester := c.regionalRequester(region)
	return requester.Execute(ctx, c.retryPolicy(), methodID, build)
}

// Execute runs ExecuteRaw and discards the response body, for callers that
// only care whether the call succeeded (e.g. DELETE endpoints).
func (c *Client) Execute(ctx context.Context, methodID, region string, build reqengine.RequestBuilder) error {
	info, err := c.ExecuteRaw(ctx, methodID, region, build)
	if err != nil {
		return err
	}
	defer info.Response.Body.Close()
	return nil
}

// ExecuteVal runs ExecuteRaw and JSON-decodes the body into T. A
// 204/404 response (StatusNone) is treated as an error here since the
// caller declared they expect a value back; use ExecuteOpt when absence is
// expected and meaningful.
func ExecuteVal[T any](ctx context.Context, c *Client, methodID, region string, build reqengine.RequestBuilder) (T, error) {
	var zero T
	info, err := c.ExecuteRaw(ctx, methodID, region, build)
	if err != nil {
		return zero, err
	}
	defer info.Response.Body.Close()

	if info.StatusNone {
		return zero, fmt.Errorf("riotapi: %s returned no content, use ExecuteOpt if absence is expected", methodID)
	}

	var v T
	if err := json.NewDecoder(info.Response.Body).Decode(&v); err != nil {
		return zero, DecodeError{Err: err, StatusCode: info.Response.StatusCode, Retries: info.Retries}
	}
	return v, nil
}

// ExecuteOpt runs ExecuteRaw and JSON-decodes the body into T, returning
// (zero, false, nil) when the server used the 204/404 "no content"
// convention instead of a real payload.
func ExecuteOpt[T any](ctx context.Context, c *Client, methodID, region string, build reqengine.RequestBuilder) (T, bool, error) {
	var zero T
	info, err := c.ExecuteRaw(ctx, methodID, region, build)
	if err != nil {
		return zero, false, err
	}
	defer info.Response.Body.Close()

	if info.StatusNone {
		return zero, false, nil
	}

	var v T
	if err := json.NewDecoder(info.Response.Body).Decode(&v); err != nil {
		return zero, false, DecodeError{Err: err, StatusCode: info.Response.StatusCode, Retries: info.Retries}
	}
	return v, true, nil
}
