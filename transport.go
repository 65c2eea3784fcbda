package riotapi

import "net/http"

// Transport sends a fully-built request and returns the raw response. The
// default implementation wraps *http.Client and injects the API key. A
// Client always uses that default implementation; WithTransport replaces
// only the RoundTripper beneath it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// apiKeyTransport decorates a RoundTripper with Riot's API key header,
// mirroring the teacher's pattern of a header-injecting RoundTripper
// wrapper rather than mutating requests in the client method bodies.
type apiKeyTransport struct {
	apiKey string
	next   http.RoundTripper
}

func (t apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("X-Riot-Token", t.apiKey)
	return t.next.RoundTrip(cloned)
}

// newDefaultTransport builds the Transport every Client uses, wrapping the
// Config's RoundTripper, or http.DefaultTransport when none is set.
func newDefaultTransport(cfg Config) Transport {
	next := cfg.transport
	if next == nil {
		next = http.DefaultTransport
	}
	return &http.Client{
		Transport: apiKeyTransport{apiKey: cfg.apiKey, next: next},
	}
}
