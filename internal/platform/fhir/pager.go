package fhir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirtable/internal/platform/auth"
	"github.com/ehr/fhirtable/internal/platform/document"
)

// ErrNoMorePages is returned by Next once the chain or the page limit is
// exhausted.
var ErrNoMorePages = errors.New("fhir: no more pages")

// ErrPaginationCycle is wrapped in the TransportError returned when a next
// link points back at a page this pager already fetched.
var ErrPaginationCycle = errors.New("pagination cycle")

// maxBundleBytes caps a single page body.
const maxBundleBytes = 64 << 20

// TransportError reports a failed page fetch. Page is 1-based. StatusCode is
// zero when no response was received.
type TransportError struct {
	URL        string
	Page       int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	// Query strings can carry identifiers; keep them out of error text.
	target := e.URL
	if u, err := url.Parse(e.URL); err == nil {
		u.RawQuery = ""
		target = u.String()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fhir: page %d: GET %s: status %d: %v", e.Page, target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fhir: page %d: GET %s: %v", e.Page, target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Page is one fetched searchset Bundle.
type Page struct {
	Number    int
	URL       string
	Total     *int
	Resources []*document.Node
}

// Pager walks a search one Bundle at a time. It is not safe for concurrent
// use. After an error every later Next returns the same error.
type Pager struct {
	client  *Client
	next    string
	limit   int
	fetched int
	done    bool
	err     error
	seen    map[string]struct{}
	logger  zerolog.Logger
}

// Fetched returns the number of pages retrieved so far.
func (p *Pager) Fetched() int { return p.fetched }

// Next fetches the next page.
func (p *Pager) Next(ctx context.Context) (*Page, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.done || p.next == "" || (p.limit > 0 && p.fetched >= p.limit) {
		return nil, ErrNoMorePages
	}

	number := p.fetched + 1
	target := p.next
	if p.seen == nil {
		p.seen = make(map[string]struct{})
	}
	p.seen[pageKey(target)] = struct{}{}
	bundle, err := p.fetch(ctx, number, target)
	if err != nil {
		p.err = err
		return nil, err
	}
	p.fetched = number

	p.next = ""
	// Once the limit is reached the next link is never followed.
	if link, ok := bundle.NextLink(); ok && (p.limit <= 0 || number < p.limit) {
		resolved, err := p.client.resolve(link)
		if err != nil {
			p.err = &TransportError{URL: target, Page: number, Err: err}
			return nil, p.err
		}
		if _, repeat := p.seen[pageKey(resolved)]; repeat {
			p.err = &TransportError{URL: target, Page: number,
				Err: fmt.Errorf("%w at page %d: next link repeats an earlier page", ErrPaginationCycle, number)}
			return nil, p.err
		}
		p.next = resolved
	}
	if p.next == "" {
		p.done = true
	}

	page := &Page{
		Number:    number,
		URL:       target,
		Total:     bundle.Total,
		Resources: bundle.Matches(),
	}
	p.logger.Debug().
		Int("page", number).
		Int("entries", len(page.Resources)).
		Bool("has_next", p.next != "").
		Msg("fetched bundle page")
	return page, nil
}

// Each calls fn for every resource of every remaining page, in order. It
// stops at the first error from the pager or from fn.
func (p *Pager) Each(ctx context.Context, fn func(*document.Node) error) error {
	for {
		page, err := p.Next(ctx)
		if errors.Is(err, ErrNoMorePages) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, r := range page.Resources {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
}

// pageKey normalizes a page URL for cycle detection.
func pageKey(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.String()
	}
	return raw
}

func (p *Pager) fetch(ctx context.Context, number int, target string) (*Bundle, error) {
	fail := func(status int, err error) error {
		return &TransportError{URL: target, Page: number, StatusCode: status, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fail(0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/fhir+json")

	// Credentials only go to the configured server.
	if p.client.sameOrigin(target) {
		if err := auth.Apply(ctx, p.client.auth, req); err != nil {
			return nil, fail(0, fmt.Errorf("authorize: %w", err))
		}
	} else if p.client.auth != nil {
		p.logger.Warn().Int("page", number).Msg("next link leaves the base URL origin; sending without credentials")
	}

	resp, err := p.client.doer.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	bundle, decodeErr := DecodeBundle(body)
	if resp.StatusCode != http.StatusOK {
		var oe *OutcomeError
		if errors.As(decodeErr, &oe) {
			return nil, fail(resp.StatusCode, oe)
		}
		return nil, fail(resp.StatusCode, fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)))
	}
	if decodeErr != nil {
		return nil, fail(resp.StatusCode, decodeErr)
	}
	return bundle, nil
}
