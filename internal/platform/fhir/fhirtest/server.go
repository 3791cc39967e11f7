// Package fhirtest provides an in-memory FHIR search server for tests. It
// pages with _count/_offset and emits searchset Bundles with next links.
package fhirtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/fhirtable/internal/platform/document"
	"github.com/ehr/fhirtable/pkg/pagination"
)

// Server is a fake FHIR endpoint backed by an httptest.Server.
type Server struct {
	URL string

	srv *httptest.Server

	mu        sync.Mutex
	resources map[string][]*document.Node
	included  map[string][]*document.Node
	failPages map[int]int
	relative  bool
	requests  []*http.Request
}

// NewServer starts a server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		resources: make(map[string][]*document.Node),
		included:  make(map[string][]*document.Node),
		failPages: make(map[int]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/:type", s.search)

	s.srv = httptest.NewServer(e)
	s.URL = s.srv.URL
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// Client returns an HTTP client wired to the server.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// Add appends resources served for resourceType, in order.
func (s *Server) Add(resourceType string, resources ...*document.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[resourceType] = append(s.resources[resourceType], resources...)
}

// AddJSON is Add for JSON literals. It panics on invalid JSON.
func (s *Server) AddJSON(resourceType string, docs ...string) {
	for _, d := range docs {
		s.Add(resourceType, document.MustParse(d))
	}
}

// AddIncluded adds resources returned with search.mode "include" on every
// page of resourceType.
func (s *Server) AddIncluded(resourceType string, resources ...*document.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.included[resourceType] = append(s.included[resourceType], resources...)
}

// FailPage makes the given 1-based page answer with status and an
// OperationOutcome.
func (s *Server) FailPage(page, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPages[page] = status
}

// UseRelativeLinks makes next links relative to the base URL.
func (s *Server) UseRelativeLinks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relative = true
}

// Requests returns a copy of the requests received so far.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*http.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) search(c echo.Context) error {
	rt := c.Param("type")
	req := c.Request().Clone(c.Request().Context())

	s.mu.Lock()
	s.requests = append(s.requests, req)
	all, known := s.resources[rt]
	included := s.included[rt]
	relative := s.relative
	p := pagination.FromContext(c)
	status, fail := s.failPages[p.Offset/p.Limit+1]
	s.mu.Unlock()

	if fail {
		return writeJSON(c, status, Outcome("error", "transient", fmt.Sprintf("page %d unavailable", p.Offset/p.Limit+1)))
	}
	if !known {
		return writeJSON(c, http.StatusNotFound, Outcome("error", "not-supported", "unknown resource type "+rt))
	}

	start, end := p.Window(len(all))
	base := s.URL
	if relative {
		base = ""
	}
	links := p.FHIRLinks(rt, c.QueryParams(), len(all))

	bundle := document.NewObject()
	bundle.Set("resourceType", document.NewString("Bundle"))
	bundle.Set("type", document.NewString("searchset"))
	bundle.Set("total", document.NewNumber(decimal.NewFromInt(int64(len(all)))))

	linkNodes := make([]*document.Node, 0, len(links))
	for _, l := range links {
		u := l.URL
		if base != "" {
			u = base + "/" + u
		}
		ln := document.NewObject()
		ln.Set("relation", document.NewString(l.Relation))
		ln.Set("url", document.NewString(u))
		linkNodes = append(linkNodes, ln)
	}
	bundle.Set("link", document.NewArray(linkNodes...))

	var entries []*document.Node
	for _, r := range all[start:end] {
		entries = append(entries, entry(s.URL, r, "match"))
	}
	for _, r := range included {
		entries = append(entries, entry(s.URL, r, "include"))
	}
	if len(entries) > 0 {
		bundle.Set("entry", document.NewArray(entries...))
	}
	return writeJSON(c, http.StatusOK, bundle)
}

func entry(base string, r *document.Node, mode string) *document.Node {
	e := document.NewObject()
	if rt, id := r.Field("resourceType").Text(), r.Field("id").Text(); rt != "" && id != "" {
		e.Set("fullUrl", document.NewString(strings.Join([]string{base, rt, id}, "/")))
	}
	e.Set("resource", r)
	search := document.NewObject()
	search.Set("mode", document.NewString(mode))
	e.Set("search", search)
	return e
}

// Outcome builds a single-issue OperationOutcome.
func Outcome(severity, code, diagnostics string) *document.Node {
	issue := document.NewObject()
	issue.Set("severity", document.NewString(severity))
	issue.Set("code", document.NewString(code))
	issue.Set("diagnostics", document.NewString(diagnostics))

	oo := document.NewObject()
	oo.Set("resourceType", document.NewString("OperationOutcome"))
	oo.Set("issue", document.NewArray(issue))
	return oo
}

func writeJSON(c echo.Context, status int, n *document.Node) error {
	return c.Blob(status, "application/fhir+json", n.Raw())
}
