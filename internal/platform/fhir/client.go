// Package fhir is a read-only FHIR search client. A Client turns a
// SearchRequest into a Pager that walks the server's searchset Bundles one
// page at a time, following next links.
package fhir

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirtable/internal/platform/auth"
	"github.com/ehr/fhirtable/internal/platform/transport"
)

// DefaultPageSize is the _count sent when neither the request nor the client
// sets one.
const DefaultPageSize = 50

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDoer sets the transport used for every request.
func WithDoer(d transport.Doer) ClientOption {
	return func(c *Client) { c.doer = d }
}

// WithAuth sets the credential provider. nil means anonymous.
func WithAuth(p auth.Provider) ClientOption {
	return func(c *Client) { c.auth = p }
}

// WithLogger sets the logger used for per-page debug lines.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithPageSize sets the default _count.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// Client is safe for concurrent use; each Search call owns its own Pager.
type Client struct {
	base     *url.URL
	doer     transport.Doer
	auth     auth.Provider
	logger   zerolog.Logger
	pageSize int
}

// NewClient builds a client for the FHIR base URL (e.g.
// "https://hapi.fhir.org/baseR4").
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("fhir: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("fhir: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fhir: base URL must be http or https, got %q", baseURL)
	}

	c := &Client{
		base:     u,
		doer:     transport.NewHTTPClient(0),
		logger:   zerolog.Nop(),
		pageSize: DefaultPageSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

// SearchURL returns the URL of the first page for req.
func (c *Client) SearchURL(req *SearchRequest) string {
	size := req.PageSize()
	if size <= 0 {
		size = c.pageSize
	}
	u := c.base.String() + "/" + req.ResourceType()
	if q := req.Encode(size); q != "" {
		u += "?" + q
	}
	return u
}

// Search returns a lazy pager over the search results. No request is made
// until Next is called. pageLimit <= 0 follows next links until the server
// stops returning them.
func (c *Client) Search(req *SearchRequest, pageLimit int) *Pager {
	return &Pager{
		client: c,
		next:   c.SearchURL(req),
		limit:  pageLimit,
		logger: c.logger.With().Str("resource_type", req.ResourceType()).Logger(),
	}
}

// resolve makes a next link absolute against the base URL.
func (c *Client) resolve(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base := *c.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(u).String(), nil
}

// sameOrigin reports whether raw points at the base URL's scheme and host.
func (c *Client) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.base.Scheme) && strings.EqualFold(u.Host, c.base.Host)
}
