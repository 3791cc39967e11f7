// Package transport provides the HTTP plumbing used to talk to FHIR servers
// and token endpoints. Every concern (timeouts, retries, rate limiting,
// logging) is a Doer decorator so callers can compose exactly what they need
// and tests can substitute a fake.
package transport

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to the Doer interface.
type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// NewHTTPClient returns an *http.Client with the given overall request
// timeout. A non-positive timeout falls back to 30 seconds.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Config describes a full transport stack.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryInitial   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// New assembles the standard stack, outermost first:
// logging → rate limit → retry → http.Client.
func New(cfg Config, logger zerolog.Logger) Doer {
	var d Doer = NewHTTPClient(cfg.Timeout)
	d = Retry(d, RetryConfig{MaxRetries: cfg.MaxRetries, InitialInterval: cfg.RetryInitial}, logger)
	d = RateLimit(d, cfg.RateLimitRPS, cfg.RateLimitBurst)
	return Logging(d, logger)
}
