package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirtable/internal/config"
	"github.com/ehr/fhirtable/internal/domain/search"
	"github.com/ehr/fhirtable/internal/platform/db"
	"github.com/ehr/fhirtable/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the table API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func runServer(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := exitContext(parent)
	defer stop()

	searcher, err := newSearcher(cfg, logger, "")
	if err != nil {
		return err
	}

	var (
		exporter search.Exporter
		pinger   db.Pinger
	)
	pool, writer, err := openExporter(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Msg("connected to database")
		exporter, pinger = writer, pool
	}

	e := newServer(cfg, logger, searcher, exporter, pinger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("fhir_base_url", cfg.FHIRBaseURL).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance. exporter and pinger may be nil when no
// database is configured.
func newServer(cfg *config.Config, logger zerolog.Logger, searcher *search.Searcher, exporter search.Exporter, pinger db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost},
			AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.APIKeyHeader},
			ExposeHeaders: []string{middleware.RequestIDHeader, "X-Exported-Rows"},
		}))
	}
	e.Use(middleware.APIKey(cfg.APIKey, middleware.SkipHealth))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.APIRateLimitRPS,
		BurstSize:         cfg.APIRateLimitBurst,
	}))
	apiV1.Use(middleware.BodyLimit(cfg.BodyLimit))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	search.NewHandler(searcher, exporter).RegisterRoutes(apiV1)
	return e
}
