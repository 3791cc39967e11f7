package fhir

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Param is one search query parameter. Names may carry modifiers
// ("name:exact"), chains ("subject.name") or reverse chains
// ("_has:Procedure:subject:code"). A name may repeat.
type Param struct {
	Name  string
	Value string
}

// ParamsFromMap converts a name/value map into params ordered by name.
func ParamsFromMap(m map[string]string) []Param {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	params := make([]Param, 0, len(m))
	for _, k := range names {
		params = append(params, Param{Name: k, Value: m[k]})
	}
	return params
}

// RequestError reports an invalid search request. It is raised before any
// network traffic.
type RequestError struct {
	Field string
	Msg   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid search request: %s: %s", e.Field, e.Msg)
}

// SearchRequest describes one FHIR search. It is immutable once built.
type SearchRequest struct {
	resourceType string
	params       []Param
	pageSize     int
}

// NewSearchRequest validates and builds a search request. pageSize <= 0
// leaves _count to the client default. A _count param in params wins over
// pageSize.
func NewSearchRequest(resourceType string, params []Param, pageSize int) (*SearchRequest, error) {
	if err := validateResourceType(resourceType); err != nil {
		return nil, err
	}

	out := make([]Param, 0, len(params))
	for _, p := range params {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, &RequestError{Field: "params", Msg: "empty parameter name"}
		}
		if err := validateParam(name, p.Value); err != nil {
			return nil, err
		}
		if name == "_count" {
			n, _ := strconv.Atoi(p.Value)
			pageSize = n
			continue
		}
		out = append(out, Param{Name: name, Value: p.Value})
	}
	if pageSize < 0 {
		pageSize = 0
	}

	return &SearchRequest{resourceType: resourceType, params: out, pageSize: pageSize}, nil
}

func validateResourceType(rt string) error {
	if rt == "" {
		return &RequestError{Field: "resource_type", Msg: "must not be empty"}
	}
	if rt[0] < 'A' || rt[0] > 'Z' {
		return &RequestError{Field: "resource_type", Msg: fmt.Sprintf("%q must start with an upper-case letter", rt)}
	}
	for _, r := range rt {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return &RequestError{Field: "resource_type", Msg: fmt.Sprintf("%q contains %q", rt, r)}
		}
	}
	return nil
}

func validateParam(name, value string) error {
	switch {
	case strings.HasPrefix(name, "_has"):
		if _, ok := ParseHasParam(name); !ok {
			return &RequestError{Field: name, Msg: "expected _has:Type:reference:parameter"}
		}
	case name == "_count":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return &RequestError{Field: name, Msg: fmt.Sprintf("must be a positive integer, got %q", value)}
		}
	case strings.Contains(name, "."):
		if _, ok := ParseChainedParam(name); !ok {
			return &RequestError{Field: name, Msg: "malformed chained parameter"}
		}
		if chainDepth(name) > MaxChainDepth {
			return &RequestError{Field: name, Msg: fmt.Sprintf("chain deeper than %d levels", MaxChainDepth)}
		}
	}
	return nil
}

// ResourceType returns the searched resource type.
func (r *SearchRequest) ResourceType() string { return r.resourceType }

// Params returns a copy of the query parameters in request order.
func (r *SearchRequest) Params() []Param {
	out := make([]Param, len(r.params))
	copy(out, r.params)
	return out
}

// PageSize returns the requested _count, or 0 when unset.
func (r *SearchRequest) PageSize() int { return r.pageSize }

// Encode renders the query string in request order, with _count last when
// pageSize > 0.
func (r *SearchRequest) Encode(pageSize int) string {
	var b strings.Builder
	for _, p := range r.params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	if pageSize > 0 {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString("_count=")
		b.WriteString(strconv.Itoa(pageSize))
	}
	return b.String()
}
