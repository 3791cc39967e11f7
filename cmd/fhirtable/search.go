package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/fhirtable/internal/domain/flatten"
	"github.com/ehr/fhirtable/internal/domain/search"
	"github.com/ehr/fhirtable/internal/domain/table"
	"github.com/ehr/fhirtable/internal/platform/fhir"
)

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a FHIR search and print the flattened table",
		Example: `  fhirtable search --resource Patient \
    --param gender=female --param _sort=family \
    --path id=id --path family=name.family --pages 2 --format csv`,
		RunE: runSearch,
	}
	f := cmd.Flags()
	f.String("resource", "", "FHIR resource type to search (required)")
	f.StringArray("param", nil, "search parameter as name=value; repeatable")
	f.StringArray("path", nil, "output column as column=fhirpath; repeatable, in column order")
	f.Int("pages", 1, "maximum number of Bundle pages to fetch; 0 follows every next link")
	f.Int("page-size", 0, "_count sent to the server (defaults to FHIR_PAGE_SIZE)")
	f.String("policy", "", "row policy for multi-valued columns: first, join or explode")
	f.String("engine", "", "FHIRPath engine: native or full (defaults to FHIRPATH_ENGINE)")
	f.String("format", "text", "output format: text, csv, json or ndjson")
	f.Bool("transpose", false, "print one line per column (text format only)")
	f.String("pg-table", "", "also load the table into this Postgres table (needs DATABASE_URL)")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func runSearch(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	resource, _ := f.GetString("resource")
	rawParams, _ := f.GetStringArray("param")
	rawPaths, _ := f.GetStringArray("path")
	pages, _ := f.GetInt("pages")
	pageSize, _ := f.GetInt("page-size")
	rawPolicy, _ := f.GetString("policy")
	engine, _ := f.GetString("engine")
	rawFormat, _ := f.GetString("format")
	transpose, _ := f.GetBool("transpose")
	pgTable, _ := f.GetString("pg-table")

	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}
	fields := make([]flatten.Field, 0, len(rawPaths))
	for _, p := range rawPaths {
		field, err := flatten.ParseField(p)
		if err != nil {
			return fmt.Errorf("--path: %w", err)
		}
		fields = append(fields, field)
	}
	var policy flatten.Policy
	if rawPolicy != "" {
		if policy, err = flatten.ParsePolicy(rawPolicy); err != nil {
			return fmt.Errorf("--policy: %w", err)
		}
	}
	format, err := table.ParseFormat(rawFormat)
	if err != nil {
		return fmt.Errorf("--format: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if pgTable != "" && cfg.DatabaseURL == "" {
		return fmt.Errorf("--pg-table needs DATABASE_URL")
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	searcher, err := newSearcher(cfg, logger, engine)
	if err != nil {
		return err
	}

	ctx, stop := exitContext(cmd.Context())
	defer stop()

	tbl, err := searcher.Run(ctx, search.Query{
		ResourceType: resource,
		Params:       params,
		Fields:       fields,
		NumPages:     pages,
		PageSize:     pageSize,
		Policy:       policy,
	})
	if err != nil {
		return err
	}

	if pgTable != "" {
		pool, writer, err := openExporter(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if _, err := writer.Write(ctx, pgTable, tbl); err != nil {
			return err
		}
	}

	return table.Write(cmd.OutOrStdout(), tbl, format, transpose)
}

// parseParams splits name=value flags, keeping their order. A value may
// itself contain '='.
func parseParams(raw []string) ([]fhir.Param, error) {
	params := make([]fhir.Param, 0, len(raw))
	for _, r := range raw {
		name, value, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("--param %q: want name=value", r)
		}
		params = append(params, fhir.Param{Name: strings.TrimSpace(name), Value: value})
	}
	return params, nil
}
