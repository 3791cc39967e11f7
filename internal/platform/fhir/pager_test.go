package fhir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ehr/fhirtable/internal/platform/auth"
	"github.com/ehr/fhirtable/internal/platform/document"
	"github.com/ehr/fhirtable/internal/platform/fhir/fhirtest"
	"github.com/ehr/fhirtable/internal/platform/transport"
)

func patients(n int) []*document.Node {
	out := make([]*document.Node, n)
	for i := range out {
		out[i] = document.MustParse(fmt.Sprintf(`{"resourceType":"Patient","id":"p%d"}`, i+1))
	}
	return out
}

func newTestClient(t *testing.T, srv *fhirtest.Server, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithDoer(srv.Client())}, opts...)
	c, err := NewClient(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func mustRequest(t *testing.T, rt string, params []Param, pageSize int) *SearchRequest {
	t.Helper()
	req, err := NewSearchRequest(rt, params, pageSize)
	if err != nil {
		t.Fatalf("NewSearchRequest: %v", err)
	}
	return req
}

func ids(resources []*document.Node) []string {
	out := make([]string, len(resources))
	for i, r := range resources {
		out[i] = r.Field("id").Text()
	}
	return out
}

func TestPager_FollowsNextLinksUpToLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantPages int
	}{
		{"limit below chain", 2, 2},
		{"limit equals chain", 5, 5},
		{"limit above chain", 9, 5},
		{"unbounded", 0, 5},
		{"negative is unbounded", -1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fhirtest.NewServer()
			defer srv.Close()
			srv.Add("Patient", patients(10)...)

			c := newTestClient(t, srv)
			p := c.Search(mustRequest(t, "Patient", nil, 2), tt.limit)

			var got []string
			for {
				page, err := p.Next(context.Background())
				if errors.Is(err, ErrNoMorePages) {
					break
				}
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				if page.Number != len(got)/2+1 {
					t.Errorf("page number = %d, want %d", page.Number, len(got)/2+1)
				}
				got = append(got, ids(page.Resources)...)
			}

			if p.Fetched() != tt.wantPages {
				t.Errorf("fetched %d pages, want %d", p.Fetched(), tt.wantPages)
			}
			if n := len(srv.Requests()); n != tt.wantPages {
				t.Errorf("server saw %d requests, want %d", n, tt.wantPages)
			}
			if len(got) != tt.wantPages*2 || got[0] != "p1" {
				t.Errorf("unexpected ids %v", got)
			}
		})
	}
}

func TestPager_FirstRequestShape(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Observation", patients(1)...)

	c := newTestClient(t, srv, WithPageSize(7))
	req := mustRequest(t, "Observation", []Param{
		{Name: "subject.name", Value: "Peter"},
		{Name: "code", Value: "http://loinc.org|8867-4"},
	}, 0)
	if _, err := c.Search(req, 1).Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}

	r := srv.Requests()[0]
	if r.URL.Path != "/Observation" {
		t.Errorf("path = %q", r.URL.Path)
	}
	q := r.URL.Query()
	if q.Get("subject.name") != "Peter" || q.Get("code") != "http://loinc.org|8867-4" || q.Get("_count") != "7" {
		t.Errorf("unexpected query %v", q)
	}
	if r.Header.Get("Accept") != "application/fhir+json" {
		t.Errorf("Accept = %q", r.Header.Get("Accept"))
	}
}

func TestPager_LazyUntilNext(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(3)...)

	p := newTestClient(t, srv).Search(mustRequest(t, "Patient", nil, 1), 0)
	if n := len(srv.Requests()); n != 0 {
		t.Fatalf("expected no requests before Next, got %d", n)
	}
	if _, err := p.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n := len(srv.Requests()); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestPager_EmptyBundle(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient")

	p := newTestClient(t, srv).Search(mustRequest(t, "Patient", nil, 0), 1)
	page, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(page.Resources) != 0 {
		t.Errorf("expected zero resources, got %d", len(page.Resources))
	}
	if page.Total == nil || *page.Total != 0 {
		t.Errorf("expected total 0, got %v", page.Total)
	}
	if _, err := p.Next(context.Background()); !errors.Is(err, ErrNoMorePages) {
		t.Errorf("expected ErrNoMorePages, got %v", err)
	}
}

func TestPager_FailureOnSecondPageIsTerminal(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(3)...)
	srv.FailPage(2, http.StatusInternalServerError)

	p := newTestClient(t, srv).Search(mustRequest(t, "Patient", nil, 1), 3)
	first, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}

	_, err = p.Next(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if te.Page != 2 || te.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected error fields %+v", te)
	}
	var oe *OutcomeError
	if !errors.As(err, &oe) || !strings.Contains(oe.Diagnostics, "page 2") {
		t.Errorf("expected OperationOutcome diagnostics, got %v", err)
	}

	_, again := p.Next(context.Background())
	if again != err {
		t.Errorf("expected the same terminal error, got %v", again)
	}
	if n := len(srv.Requests()); n != 2 {
		t.Errorf("expected no request after failure, got %d total", n)
	}
	if ids(first.Resources)[0] != "p1" {
		t.Error("first page content changed after failure")
	}
}

func TestPager_TransportFailure(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	c, err := NewClient("http://fhir.invalid/baseR4", WithDoer(transport.DoerFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	})))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Search(mustRequest(t, "Patient", []Param{{Name: "identifier", Value: "secret"}}, 0), 1).Next(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, boom) {
		t.Fatalf("expected TransportError wrapping %v, got %v", boom, err)
	}
	if te.StatusCode != 0 || te.Page != 1 {
		t.Errorf("unexpected fields %+v", te)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("query string leaked into error text: %v", err)
	}
}

// loopingDoer serves one Patient per request; the next link of each page is
// chosen by nextOf from the requested URL.
func loopingDoer(calls *int, nextOf func(u string) string) transport.DoerFunc {
	return func(req *http.Request) (*http.Response, error) {
		*calls++
		body := fmt.Sprintf(`{"resourceType":"Bundle","type":"searchset",
			"link":[{"relation":"next","url":%q}],
			"entry":[{"resource":{"resourceType":"Patient","id":"p%d"}}]}`, nextOf(req.URL.String()), *calls)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/fhir+json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    req,
		}, nil
	}
}

func TestPager_NextLinkCycleIsTransportError(t *testing.T) {
	const base = "http://fhir.example/baseR4"
	tests := []struct {
		name      string
		nextOf    func(u string) string
		limit     int
		wantPages int
		wantErr   bool
	}{
		{"self link, unbounded", func(u string) string { return u }, 0, 1, true},
		{"two page loop, unbounded", func(u string) string {
			if strings.HasSuffix(u, "page=b") {
				return base + "/Patient?page=a"
			}
			return base + "/Patient?page=b"
		}, 0, 3, true},
		{"self link within limit", func(u string) string { return u }, 1, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			c, err := NewClient(base, WithDoer(loopingDoer(&calls, tt.nextOf)))
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}

			err = c.Search(mustRequest(t, "Patient", nil, 0), tt.limit).Each(context.Background(), func(*document.Node) error {
				return nil
			})
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Each: %v", err)
				}
			} else {
				var te *TransportError
				if !errors.As(err, &te) || !errors.Is(err, ErrPaginationCycle) {
					t.Fatalf("expected TransportError wrapping ErrPaginationCycle, got %v", err)
				}
				if te.Page != tt.wantPages {
					t.Errorf("cycle reported at page %d, want %d", te.Page, tt.wantPages)
				}
			}
			if calls != tt.wantPages {
				t.Errorf("expected %d requests, got %d", tt.wantPages, calls)
			}
		})
	}
}

func TestPager_SkipsIncludedEntries(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Encounter", document.MustParse(`{"resourceType":"Encounter","id":"e1"}`))
	srv.AddIncluded("Encounter", document.MustParse(`{"resourceType":"Patient","id":"p1"}`))

	page, err := newTestClient(t, srv).Search(mustRequest(t, "Encounter", nil, 0), 1).Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := ids(page.Resources); len(got) != 1 || got[0] != "e1" {
		t.Errorf("expected only the match entry, got %v", got)
	}
}

func TestPager_RelativeNextLinks(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(4)...)
	srv.UseRelativeLinks()

	var got []string
	err := newTestClient(t, srv).Search(mustRequest(t, "Patient", nil, 2), 0).Each(context.Background(), func(r *document.Node) error {
		got = append(got, r.Field("id").Text())
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if strings.Join(got, ",") != "p1,p2,p3,p4" {
		t.Errorf("unexpected ids %v", got)
	}
}

func TestPager_EachStopsOnCallbackError(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(4)...)

	stop := errors.New("stop")
	calls := 0
	err := newTestClient(t, srv).Search(mustRequest(t, "Patient", nil, 1), 0).Each(context.Background(), func(*document.Node) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("expected stop after 1 call, got %v after %d", err, calls)
	}
	if n := len(srv.Requests()); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestPager_CancelledContext(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(1)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, srv).Search(mustRequest(t, "Patient", nil, 0), 1).Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(srv.Requests()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestPager_AuthOnlyToBaseOrigin(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(2)...)

	c := newTestClient(t, srv, WithAuth(auth.StaticToken("abc")))
	if err := c.Search(mustRequest(t, "Patient", nil, 1), 0).Each(context.Background(), func(*document.Node) error { return nil }); err != nil {
		t.Fatalf("Each: %v", err)
	}
	for i, r := range srv.Requests() {
		if r.Header.Get("Authorization") != "Bearer abc" {
			t.Errorf("request %d: Authorization = %q", i, r.Header.Get("Authorization"))
		}
	}

	if c.sameOrigin("http://elsewhere.example/Patient") {
		t.Error("expected a different host to be a different origin")
	}
}

func TestPager_AuthFailureIsTransportError(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()
	srv.Add("Patient", patients(1)...)

	denied := errors.New("token endpoint unavailable")
	c := newTestClient(t, srv, WithAuth(auth.ProviderFunc(func(context.Context, *http.Request) error { return denied })))
	_, err := c.Search(mustRequest(t, "Patient", nil, 0), 1).Next(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, denied) {
		t.Fatalf("expected TransportError wrapping auth failure, got %v", err)
	}
}

func TestPager_UnknownResourceType(t *testing.T) {
	srv := fhirtest.NewServer()
	defer srv.Close()

	_, err := newTestClient(t, srv).Search(mustRequest(t, "Basic", nil, 0), 1).Next(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 TransportError, got %v", err)
	}
}

func TestClient_Resolve(t *testing.T) {
	c, err := NewClient("https://hapi.fhir.org/baseR4/")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	tests := map[string]string{
		"Patient?_getpages=abc":                    "https://hapi.fhir.org/baseR4/Patient?_getpages=abc",
		"?_getpages=abc":                           "https://hapi.fhir.org/baseR4/?_getpages=abc",
		"/baseR4?_getpages=abc":                    "https://hapi.fhir.org/baseR4?_getpages=abc",
		"https://other.example/fhir?_getpages=abc": "https://other.example/fhir?_getpages=abc",
	}
	for in, want := range tests {
		got, err := c.resolve(in)
		if err != nil || got != want {
			t.Errorf("resolve(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestNewClient_Validation(t *testing.T) {
	for _, u := range []string{"", "ftp://example.org/fhir", "://bad"} {
		if _, err := NewClient(u); err == nil {
			t.Errorf("NewClient(%q): expected error", u)
		}
	}
}
