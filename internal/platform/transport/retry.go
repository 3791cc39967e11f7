package transport

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig controls Retry. Zero values pick the defaults noted per field.
type RetryConfig struct {
	MaxRetries      int           // retries after the first attempt; 0 disables retrying
	InitialInterval time.Duration // default 500ms
	MaxInterval     time.Duration // default 10s
}

type retryDoer struct {
	next   Doer
	cfg    RetryConfig
	logger zerolog.Logger
}

// Retry re-sends requests that failed with a network error or a retryable
// status (429, 502, 503, 504) using exponential backoff. When retries are
// exhausted on a retryable status the last response is returned unchanged so
// the caller sees the real status. Cancelling the request context stops
// retrying immediately.
func Retry(next Doer, cfg RetryConfig, logger zerolog.Logger) Doer {
	if cfg.MaxRetries <= 0 {
		return next
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	return &retryDoer{next: next, cfg: cfg, logger: logger}
}

func (r *retryDoer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return b
}

func (r *retryDoer) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var resp *http.Response
	attempt := 0

	op := func() error {
		attempt++
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			req.Body = body
		}

		res, err := r.next.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.logger.Warn().Err(err).
				Int("attempt", attempt).
				Str("path", req.URL.Path).
				Msg("request failed, retrying")
			return err
		}

		if retryableStatus(res.StatusCode) && attempt <= r.cfg.MaxRetries {
			drain(res)
			r.logger.Warn().
				Int("attempt", attempt).
				Int("status", res.StatusCode).
				Str("path", req.URL.Path).
				Msg("retryable status, retrying")
			return fmt.Errorf("retryable status %d", res.StatusCode)
		}

		resp = res
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	res.Body.Close()
}
