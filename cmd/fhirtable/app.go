package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirtable/internal/config"
	"github.com/ehr/fhirtable/internal/domain/flatten"
	"github.com/ehr/fhirtable/internal/domain/search"
	"github.com/ehr/fhirtable/internal/platform/auth"
	"github.com/ehr/fhirtable/internal/platform/db"
	"github.com/ehr/fhirtable/internal/platform/fhir"
	"github.com/ehr/fhirtable/internal/platform/fhirpath"
	"github.com/ehr/fhirtable/internal/platform/transport"
)

// loadConfig reads the environment, applies persistent flag overrides and
// validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if base, _ := cmd.Flags().GetString("base-url"); base != "" {
		cfg.FHIRBaseURL = strings.TrimRight(base, "/")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newSearcher wires transport, auth and the FHIR client into a Searcher.
// engine overrides FHIRPATH_ENGINE when non-empty.
func newSearcher(cfg *config.Config, logger zerolog.Logger, engine string) (*search.Searcher, error) {
	doer := transport.New(transport.Config{
		Timeout:        cfg.HTTPTimeout,
		MaxRetries:     cfg.HTTPMaxRetries,
		RetryInitial:   cfg.RetryInitial,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, logger)

	mode, err := auth.ParseMode(cfg.AuthMode)
	if err != nil {
		return nil, err
	}
	provider, err := auth.NewProvider(auth.Settings{
		Mode:           mode,
		Token:          cfg.AuthToken,
		ClientID:       cfg.AuthClientID,
		TokenURL:       cfg.AuthTokenURL,
		PrivateKeyFile: cfg.AuthPrivateKeyFile,
		KeyID:          cfg.AuthKeyID,
		Scope:          cfg.AuthScope,
	}, auth.WithTokenDoer(doer))
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}

	client, err := fhir.NewClient(cfg.FHIRBaseURL,
		fhir.WithDoer(doer),
		fhir.WithAuth(provider),
		fhir.WithLogger(logger),
		fhir.WithPageSize(cfg.FHIRPageSize),
	)
	if err != nil {
		return nil, err
	}

	if engine == "" {
		engine = cfg.FHIRPathEngine
	}
	eng, err := fhirpath.ParseEngine(engine)
	if err != nil {
		return nil, err
	}
	policy, err := flatten.ParsePolicy(cfg.RowPolicy)
	if err != nil {
		return nil, fmt.Errorf("ROW_POLICY: %w", err)
	}

	return search.NewSearcher(client,
		search.WithEngine(eng),
		search.WithPolicy(policy),
		search.WithLogger(logger),
	), nil
}

// openExporter connects to DATABASE_URL. It returns a nil pool and writer
// when no database is configured.
func openExporter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, *db.TableWriter, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	w := db.NewTableWriter(pool,
		db.WithSchema(cfg.ExportSchema),
		db.WithReplace(cfg.ExportReplace),
		db.WithWriterLogger(logger),
	)
	return pool, w, nil
}

func exitContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
