package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_FHIRParams(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?_count=25&_offset=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Limit != 25 {
		t.Errorf("expected limit 25, got %d", p.Limit)
	}
	if p.Offset != 5 {
		t.Errorf("expected offset 5, got %d", p.Offset)
	}
}

func TestFromQuery_Clamps(t *testing.T) {
	p := FromQuery(url.Values{"_count": {"5000"}, "_offset": {"-5"}})
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestParams_HasNext(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		total  int
		want   bool
	}{
		{"more results", Params{Limit: 10, Offset: 0}, 25, true},
		{"exact end", Params{Limit: 10, Offset: 15}, 25, false},
		{"past end", Params{Limit: 10, Offset: 30}, 25, false},
		{"no results", Params{Limit: 10, Offset: 0}, 0, false},
		{"last partial page", Params{Limit: 10, Offset: 20}, 25, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.HasNext(tt.total); got != tt.want {
				t.Errorf("HasNext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParams_PreviousOffset(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   int
	}{
		{"normal", Params{Limit: 10, Offset: 20}, 10},
		{"clamp to zero", Params{Limit: 10, Offset: 5}, 0},
		{"exact", Params{Limit: 10, Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.PreviousOffset(); got != tt.want {
				t.Errorf("PreviousOffset() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		name       string
		params     Params
		total      int
		start, end int
	}{
		{"first", Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{"partial", Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{"past end", Params{Limit: 10, Offset: 40}, 25, 25, 25},
		{"empty", Params{Limit: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e := tt.params.Window(tt.total)
			if s != tt.start || e != tt.end {
				t.Errorf("Window() = [%d,%d), want [%d,%d)", s, e, tt.start, tt.end)
			}
		})
	}
}

func linkMap(links []FHIRLink) map[string]string {
	m := make(map[string]string)
	for _, l := range links {
		m[l.Relation] = l.URL
	}
	return m
}

func TestParams_FHIRLinks_FirstPage(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	links := linkMap(p.FHIRLinks("/fhir/Patient", url.Values{"name": {"smith"}, "_offset": {"99"}}, 25))

	if links["self"] != "/fhir/Patient?_count=10&_offset=0&name=smith" {
		t.Errorf("unexpected self link %q", links["self"])
	}
	if links["next"] != "/fhir/Patient?_count=10&_offset=10&name=smith" {
		t.Errorf("unexpected next link %q", links["next"])
	}
	if _, ok := links["previous"]; ok {
		t.Error("did not expect 'previous' link on first page")
	}
}

func TestParams_FHIRLinks_LastPage(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	links := linkMap(p.FHIRLinks("/fhir/Patient", nil, 25))

	if _, ok := links["next"]; ok {
		t.Error("did not expect 'next' link on last page")
	}
	if links["previous"] != "/fhir/Patient?_count=10&_offset=10" {
		t.Errorf("unexpected previous link %q", links["previous"])
	}
}

func TestParams_FHIRLinks_NoResults(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	links := p.FHIRLinks("/fhir/Patient", nil, 0)

	if len(links) != 1 {
		t.Fatalf("expected 1 link (self only), got %d", len(links))
	}
	if links[0].Relation != "self" {
		t.Errorf("expected 'self', got %q", links[0].Relation)
	}
}
