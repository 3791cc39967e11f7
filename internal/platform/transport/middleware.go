package transport

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type rateLimitDoer struct {
	next    Doer
	limiter *rate.Limiter
}

// RateLimit throttles outgoing requests to rps with the given burst. Waiting
// respects the request context. A non-positive rps disables limiting.
func RateLimit(next Doer, rps float64, burst int) Doer {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitDoer{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (d *rateLimitDoer) Do(req *http.Request) (*http.Response, error) {
	if err := d.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return d.next.Do(req)
}

type loggingDoer struct {
	next   Doer
	logger zerolog.Logger
}

// Logging writes one line per request. Query strings can carry patient
// identifiers, so only the path is logged at info level; the full URL is
// logged at debug.
func Logging(next Doer, logger zerolog.Logger) Doer {
	return &loggingDoer{next: next, logger: logger}
}

func (d *loggingDoer) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := d.next.Do(req)

	evt := d.logger.Info()
	if err != nil {
		evt = d.logger.Error().Err(err)
	} else {
		evt = evt.Int("status", resp.StatusCode)
	}
	evt.
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("path", req.URL.Path).
		Dur("latency", time.Since(start)).
		Msg("outbound request")

	d.logger.Debug().Str("url", req.URL.String()).Msg("outbound request url")
	return resp, err
}
