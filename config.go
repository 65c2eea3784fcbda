package riotapi

import (
	"net/http"
	"time"
)

const (
	defaultRetries          = 3
	defaultRateUsageFactor  = 1.0
	defaultBurstFactor      = 1.0
	defaultDurationOverhead = 0

	// presetBurstBurstFactor/presetBurstDurationOverhead favor admitting
	// requests as soon as possible, accepting tighter spacing near a
	// window boundary.
	presetBurstBurstFactor      = 0.99
	presetBurstDurationOverhead = 989 * time.Millisecond

	// presetThroughputBurstFactor/presetThroughputDurationOverhead favor
	// steady, spread-out request pacing over raw burst admission.
	presetThroughputBurstFactor      = 0.47
	presetThroughputDurationOverhead = 10 * time.Millisecond
)

// Config is the immutable tuning record a Client is built from. Use
// NewConfig (or MustNewConfig) with Option values to construct one;
// zero-value Config is not valid.
type Config struct {
	apiKey                string
	baseURLTemplate       string
	retries               uint8
	appRateUsageFactor    float64
	methodRateUsageFactor float64
	burstFactor           float64
	durationOverhead      time.Duration
	transport             http.RoundTripper
}

// Option configures a Config under construction.
type Option func(*Config) error

// NewConfig builds a Config from the given API key and options, applying
// defaults (retries=3, usage factors=1.0, burst_factor=1.0, no duration
// overhead, base URL template "https://{}.api.riotgames.com") first.
// Returns a ConfigError if any option supplies an out-of-range value.
func NewConfig(apiKey string, opts ...Option) (Config, error) {
	cfg := Config{
		apiKey:                apiKey,
		baseURLTemplate:       "https://{}.api.riotgames.com",
		retries:               defaultRetries,
		appRateUsageFactor:    defaultRateUsageFactor,
		methodRateUsageFactor: defaultRateUsageFactor,
		burstFactor:           defaultBurstFactor,
		durationOverhead:      defaultDurationOverhead,
	}
	if apiKey == "" {
		return Config{}, ErrNoAPIKey
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// MustNewConfig is NewConfig but panics on error, for callers who prefer
// fail-fast construction (e.g. package-level var initialization).
func MustNewConfig(apiKey string, opts ...Option) Config {
	cfg, err := NewConfig(apiKey, opts...)
	if err != nil {
		panic(err)
	}
	return cfg
}

// WithBaseURLTemplate overrides the default Riot base URL template. It
// must contain exactly one "{}" placeholder for the region.
func WithBaseURLTemplate(template string) Option {
	return func(c *Config) error {
		if !containsPlaceholder(template) {
			return ConfigError{Field: "base_url_template", Value: template, Reason: "must contain exactly one \"{}\" region placeholder"}
		}
		c.baseURLTemplate = template
		return nil
	}
}

// WithRetries sets the maximum number of retries RegionalRequester will
// attempt for a transport error, a 5xx, or a 429 (with or without a
// Retry-After header).
func WithRetries(retries uint8) Option {
	return func(c *Config) error {
		c.retries = retries
		return nil
	}
}

// WithAppRateUsageFactor scales the application-scoped limiter's effective
// limit; must be in (0, 1].
func WithAppRateUsageFactor(factor float64) Option {
	return func(c *Config) error {
		if factor <= 0 || factor > 1 {
			return ConfigError{Field: "app_rate_usage_factor", Value: factor, Reason: "must be in (0, 1]"}
		}
		c.appRateUsageFactor = factor
		return nil
	}
}

// WithMethodRateUsageFactor scales the method-scoped limiter's effective
// limit; must be in (0, 1].
func WithMethodRateUsageFactor(factor float64) Option {
	return func(c *Config) error {
		if factor <= 0 || factor > 1 {
			return ConfigError{Field: "method_rate_usage_factor", Value: factor, Reason: "must be in (0, 1]"}
		}
		c.methodRateUsageFactor = factor
		return nil
	}
}

// WithBurstFactor sets how much of a window's allowance can be spent
// immediately before admission starts spreading across the window; must be
// in (0, 1].
func WithBurstFactor(factor float64) Option {
	return func(c *Config) error {
		if factor <= 0 || factor > 1 {
			return ConfigError{Field: "burst_factor", Value: factor, Reason: "must be in (0, 1]"}
		}
		c.burstFactor = factor
		return nil
	}
}

// WithDurationOverhead adds extra slack to every bucket window, absorbing
// clock skew and request latency near a boundary.
func WithDurationOverhead(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return ConfigError{Field: "duration_overhead", Value: d, Reason: "must not be negative"}
		}
		c.durationOverhead = d
		return nil
	}
}

// WithTransport overrides the RoundTripper the default Transport wraps
// (e.g. to inject a custom *http.Transport with connection pooling tuned
// for the caller's environment).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Config) error {
		c.transport = rt
		return nil
	}
}

// PresetBurst applies (burst_factor, duration_overhead) = (0.99, 989ms),
// favoring immediate admission over spreading.
func PresetBurst() Option {
	return func(c *Config) error {
		c.burstFactor = presetBurstBurstFactor
		c.durationOverhead = presetBurstDurationOverhead
		return nil
	}
}

// PresetThroughput applies (burst_factor, duration_overhead) = (0.47, 10ms),
// favoring steady spread over immediate burst admission.
func PresetThroughput() Option {
	return func(c *Config) error {
		c.burstFactor = presetThroughputBurstFactor
		c.durationOverhead = presetThroughputDurationOverhead
		return nil
	}
}

func containsPlaceholder(template string) bool {
	count := 0
	for i := 0; i+1 < len(template); i++ {
		if template[i] == '{' && template[i+1] == '}' {
			count++
		}
	}
	return count == 1
}
