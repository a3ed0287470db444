package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthchain/gateway/internal/config"
	"github.com/healthchain/gateway/internal/fhirgw/events"
	"github.com/healthchain/gateway/internal/fhirgw/gateway"
	"github.com/healthchain/gateway/internal/fhirgw/pool"
	"github.com/healthchain/gateway/internal/platform/middleware"
	"github.com/healthchain/gateway/pkg/fhirmodels"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthchain-gateway",
		Short: "Multi-source FHIR gateway server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sourcesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect configured FHIR sources",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured source names and endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.Sources) == 0 {
				fmt.Println("No sources configured. Set FHIR_SOURCE_<NAME> environment variables.")
				return nil
			}
			fmt.Printf("%-16s %s\n", "NAME", "CONNECTION STRING")
			for _, name := range cfg.SourceNames() {
				fmt.Printf("%-16s %s\n", name, redactConnectionString(cfg.Sources[name]))
			}
			return nil
		},
	})
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	// Event sink
	var dispatcher events.Dispatcher
	if cfg.EventsEnabled {
		dispatcher = events.NewHTTPDispatcher(cfg.EventDispatchURL, cfg.EventSigningSecret)
	}
	emitter := events.New(dispatcher, cfg.EventsEnabled)

	// Gateway over the configured sources
	limits := pool.Limits{
		MaxConnections:          cfg.PoolMaxConnections,
		MaxKeepaliveConnections: cfg.PoolMaxKeepalive,
		KeepaliveExpiry:         time.Duration(cfg.PoolKeepaliveExpirySec) * time.Second,
	}
	gw := gateway.NewAsync(limits, emitter)
	for _, name := range cfg.SourceNames() {
		if err := gw.AddSource(name, cfg.Sources[name]); err != nil {
			logger.Fatal().Err(err).Str("source", name).Msg("failed to register FHIR source")
		}
		logger.Info().Str("source", name).Msg("registered FHIR source")
	}
	registerHandlers(gw)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSecs) * time.Second))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	// FHIR gateway routes
	fhirGroup := e.Group(cfg.FHIRPrefix)
	fhirGroup.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	gw.Mount(fhirGroup)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("prefix", cfg.FHIRPrefix).Msg("starting gateway server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := gw.Close(context.Background()); err != nil {
		logger.Error().Err(err).Msg("failed to close gateway clients")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// registerHandlers binds the reference transform/aggregate/predict handlers
// this host process ships with. Integrations embedding the gateway register
// their own instead.
func registerHandlers(gw *gateway.AsyncGateway) {
	// Transform: hydrate a Patient from the requested source into the typed
	// model, normalizing an absent gender to "unknown".
	gw.RegisterTransform("Patient", func(ctx context.Context, id, source string) (fhirmodels.Resource, error) {
		raw, err := gw.Read(ctx, "Patient", id, source)
		if err != nil {
			return nil, err
		}
		return asPatient(raw)
	})

	// Aggregate: count vital-sign Observations for a patient across the
	// requested sources (all configured sources when none are named).
	gw.RegisterAggregate("Observation", func(ctx context.Context, id string, sources []string) (any, error) {
		if len(sources) == 0 {
			sources = gw.SourceNames()
		}
		counts := make(map[string]int, len(sources))
		for _, src := range sources {
			bundle, err := gw.Search(ctx, "Observation", gateway.SearchOptions{
				Params: map[string]any{
					"patient":  id,
					"category": fhirmodels.ObsCategoryVitalSigns,
				},
				Source: src,
			})
			if err != nil {
				return nil, err
			}
			counts[src] = len(bundle.Entry)
		}
		return map[string]any{
			"resource_type": "Observation",
			"category":      fhirmodels.ObsCategoryVitalSigns,
			"patient":       id,
			"counts":        counts,
		}, nil
	})

	// Predict: a comorbidity-burden risk score from the patient's active
	// condition count on the default source.
	gw.RegisterPredict("RiskAssessment", func(ctx context.Context, patientID string) (any, error) {
		bundle, err := gw.Search(ctx, "Condition", gateway.SearchOptions{
			Params: map[string]any{
				"patient":         patientID,
				"clinical-status": fhirmodels.ConditionActive,
			},
		})
		if err != nil {
			return nil, err
		}
		return riskScore(len(bundle.Entry)), nil
	}, map[string]any{"status": fhirmodels.RiskStatusFinal})
}

// riskScore maps an active-condition count onto a (0, 0.95] probability.
func riskScore(activeConditions int) float64 {
	score := 0.05 + 0.15*float64(activeConditions)
	if score > 0.95 {
		return 0.95
	}
	return score
}

// asPatient rehydrates a generic resource into the typed Patient model.
func asPatient(raw *fhirmodels.Generic) (*fhirmodels.Patient, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var p fhirmodels.Patient
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if p.ResourceTypeField == "" {
		p.ResourceTypeField = "Patient"
	}
	if p.Gender == "" {
		p.Gender = fhirmodels.GenderUnknown
	}
	return &p, nil
}

// redactConnectionString blanks the client_secret query value so `sources
// list` output is safe to paste into tickets. The query is always written
// back in canonical percent-encoded form.
func redactConnectionString(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return connStr
	}
	q := u.Query()
	if q.Has("client_secret") {
		q.Set("client_secret", "***")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
