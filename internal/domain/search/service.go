// Package search runs a FHIR search through the flattening pipeline and
// returns the resulting table.
package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirtable/internal/domain/flatten"
	"github.com/ehr/fhirtable/internal/domain/table"
	"github.com/ehr/fhirtable/internal/platform/document"
	"github.com/ehr/fhirtable/internal/platform/fhir"
	"github.com/ehr/fhirtable/internal/platform/fhirpath"
)

// Query is one search-to-table request.
type Query struct {
	ResourceType string
	Params       []fhir.Param
	Fields       []flatten.Field
	// NumPages caps the Bundle pages fetched; <= 0 follows every next link.
	NumPages int
	// PageSize overrides the client's _count when > 0.
	PageSize int
	// Policy overrides the searcher's row policy when set.
	Policy flatten.Policy
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithPolicy sets the default row policy.
func WithPolicy(p flatten.Policy) Option {
	return func(s *Searcher) {
		if p != "" {
			s.policy = p
		}
	}
}

// WithEngine selects the FHIRPath engine used to compile field expressions.
func WithEngine(e fhirpath.Engine) Option {
	return func(s *Searcher) {
		if e != "" {
			s.engine = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// Searcher holds immutable configuration; every call builds its own pager,
// so one Searcher may serve concurrent callers.
type Searcher struct {
	client *fhir.Client
	policy flatten.Policy
	engine fhirpath.Engine
	logger zerolog.Logger
}

// NewSearcher returns a searcher over client.
func NewSearcher(client *fhir.Client, opts ...Option) *Searcher {
	s := &Searcher{
		client: client,
		policy: flatten.PolicyFirst,
		engine: fhirpath.EngineNative,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BundlesToTable fetches up to numPages pages of resourceType matching
// params and flattens every resource with paths. On any error it returns no
// table.
func (s *Searcher) BundlesToTable(ctx context.Context, resourceType string, params []fhir.Param, paths []flatten.Field, numPages int) (*table.Table, error) {
	return s.Run(ctx, Query{
		ResourceType: resourceType,
		Params:       params,
		Fields:       paths,
		NumPages:     numPages,
	})
}

// Run executes q. Expression and request validation happen before any
// network traffic.
func (s *Searcher) Run(ctx context.Context, q Query) (*table.Table, error) {
	start := time.Now()

	spec, err := flatten.CompileWith(s.engine, q.Fields)
	if err != nil {
		return nil, err
	}
	req, err := fhir.NewSearchRequest(q.ResourceType, q.Params, q.PageSize)
	if err != nil {
		return nil, err
	}

	policy := s.policy
	if q.Policy != "" {
		policy = q.Policy
	}
	mapper := flatten.NewMapper(spec, flatten.WithPolicy(policy))
	asm := table.NewAssembler(spec.Columns())
	pager := s.client.Search(req, q.NumPages)

	resources := 0
	err = pager.Each(ctx, func(doc *document.Node) error {
		resources++
		for _, row := range mapper.Extract(doc) {
			if err := asm.Append(row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("resource_type", q.ResourceType).
			Int("pages", pager.Fetched()).
			Msg("search failed")
		return nil, err
	}

	tbl, err := asm.Table()
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("resource_type", q.ResourceType).
		Int("pages", pager.Fetched()).
		Int("resources", resources).
		Int("rows", tbl.Len()).
		Str("policy", string(policy)).
		Dur("duration", time.Since(start)).
		Msg("search complete")
	return tbl, nil
}
