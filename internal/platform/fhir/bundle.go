package fhir

import (
	"fmt"

	"github.com/ehr/fhirtable/internal/platform/document"
)

// Bundle is the decoded form of a searchset Bundle as seen by the client.
type Bundle struct {
	ID    string
	Type  string
	Total *int
	Link  []BundleLink
	Entry []BundleEntry
}

type BundleLink struct {
	Relation string
	URL      string
}

type BundleEntry struct {
	FullURL  string
	Mode     string // search.mode; empty when the server omits it
	Resource *document.Node
}

// Search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// OutcomeError is an OperationOutcome returned where a Bundle was expected.
type OutcomeError struct {
	Severity    string
	Code        string
	Diagnostics string
}

func (e *OutcomeError) Error() string {
	msg := e.Diagnostics
	if msg == "" {
		msg = e.Code
	}
	return fmt.Sprintf("server returned OperationOutcome (%s): %s", e.Severity, msg)
}

// DecodeBundle parses a search response body. An OperationOutcome body is
// reported as *OutcomeError; any other non-Bundle resource is an error.
func DecodeBundle(data []byte) (*Bundle, error) {
	root, err := document.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if root.Kind() != document.Object {
		return nil, fmt.Errorf("decode bundle: expected a JSON object, got %s", root.Kind())
	}

	switch rt := root.Field("resourceType").Text(); rt {
	case "Bundle":
	case "OperationOutcome":
		return nil, outcomeFromNode(root)
	default:
		return nil, fmt.Errorf("decode bundle: expected resourceType Bundle, got %q", rt)
	}

	b := &Bundle{
		ID:   root.Field("id").Text(),
		Type: root.Field("type").Text(),
	}
	if d, ok := root.Field("total").NumberValue(); ok && d.IsInteger() {
		n := int(d.IntPart())
		b.Total = &n
	}
	for _, l := range root.Field("link").Elements() {
		b.Link = append(b.Link, BundleLink{
			Relation: l.Field("relation").Text(),
			URL:      l.Field("url").Text(),
		})
	}
	for _, e := range root.Field("entry").Elements() {
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  e.Field("fullUrl").Text(),
			Mode:     e.Field("search").Field("mode").Text(),
			Resource: e.Field("resource"),
		})
	}
	return b, nil
}

func outcomeFromNode(root *document.Node) *OutcomeError {
	oe := &OutcomeError{}
	issues := root.Field("issue").Elements()
	if len(issues) > 0 {
		first := issues[0]
		oe.Severity = first.Field("severity").Text()
		oe.Code = first.Field("code").Text()
		oe.Diagnostics = first.Field("diagnostics").Text()
		if oe.Diagnostics == "" {
			oe.Diagnostics = first.Field("details").Field("text").Text()
		}
	}
	return oe
}

// NextLink returns the URL of the "next" link, if any.
func (b *Bundle) NextLink() (string, bool) {
	for _, l := range b.Link {
		if l.Relation == "next" && l.URL != "" {
			return l.URL, true
		}
	}
	return "", false
}

// Matches returns the resources of match-mode entries in entry order.
// Entries without search.mode count as matches; include and outcome entries
// are skipped, as are entries carrying no resource.
func (b *Bundle) Matches() []*document.Node {
	out := make([]*document.Node, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Mode == SearchModeInclude || e.Mode == SearchModeOutcome {
			continue
		}
		if e.Resource == nil || e.Resource.Kind() != document.Object {
			continue
		}
		out = append(out, e.Resource)
	}
	return out
}
