// Package pagination implements FHIR offset paging (_count/_offset) and the
// Bundle links that go with it.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 1000
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	return FromQuery(c.QueryParams())
}

// FromQuery extracts pagination parameters from query values. _count and
// _offset are read; missing or invalid values fall back to defaults.
func FromQuery(q url.Values) Params {
	limit, _ := strconv.Atoi(q.Get("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(q.Get("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Window returns the [start, end) slice bounds of this page over total items.
func (p Params) Window(total int) (int, int) {
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// FHIRLinks generates self/next/previous Bundle links. basePath is the
// search URL without query (e.g. "http://host/fhir/Patient"); filters are
// carried over to every link with _count and _offset replaced.
func (p Params) FHIRLinks(basePath string, filters url.Values, total int) []FHIRLink {
	link := func(offset int) string {
		q := url.Values{}
		for k, vs := range filters {
			if k == "_count" || k == "_offset" {
				continue
			}
			q[k] = append([]string(nil), vs...)
		}
		q.Set("_count", strconv.Itoa(p.Limit))
		q.Set("_offset", strconv.Itoa(offset))
		return basePath + "?" + q.Encode()
	}

	links := []FHIRLink{{Relation: "self", URL: link(p.Offset)}}
	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: link(p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: link(p.PreviousOffset())})
	}
	return links
}
