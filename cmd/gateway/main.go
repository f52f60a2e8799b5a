// Package main provides the entrypoint for the health route gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthroute/gateway/internal/api"
	"github.com/healthroute/gateway/internal/api/handler"
	"github.com/healthroute/gateway/internal/api/middleware"
	"github.com/healthroute/gateway/internal/config"
	"github.com/healthroute/gateway/internal/database"
	"github.com/healthroute/gateway/internal/decisionlog"
	"github.com/healthroute/gateway/internal/healthplan"
	"github.com/healthroute/gateway/internal/planner"
	"github.com/healthroute/gateway/internal/provider/resilience"
	"github.com/healthroute/gateway/internal/telemetry"
	"github.com/healthroute/gateway/internal/weather"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "healthroute-gateway"

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log = log.Level(cfg.LogLevel)

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Msg("starting health route gateway")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("gateway stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if cfg.Telemetry.Enabled {
		log.Info().Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		return err
	}
	providerMetrics, err := resilience.NewProviderMetrics()
	if err != nil {
		return err
	}

	registry := resilience.NewRegistry()

	plannerClient := planner.NewClient(planner.ClientConfig{
		BaseURL:        cfg.Planner.BaseURL,
		ConnectTimeout: cfg.Planner.ConnectTimeout,
		ReadTimeout:    cfg.Planner.ReadTimeout,
		Registry:       registry,
		Metrics:        providerMetrics,
		Logger:         log.With().Str("component", "planner").Logger(),
	})
	weatherClient := weather.NewClient(weather.ClientConfig{
		BaseURL:        cfg.Weather.BaseURL,
		ConnectTimeout: cfg.Weather.ConnectTimeout,
		ReadTimeout:    cfg.Weather.ReadTimeout,
		Registry:       registry,
		Metrics:        providerMetrics,
		Logger:         log.With().Str("component", "weather").Logger(),
	})

	sinks, err := buildRecorders(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sinks.close()

	orchestrator := healthplan.NewOrchestrator(healthplan.OrchestratorConfig{
		Planner:  plannerClient,
		Weather:  weatherClient,
		Recorder: sinks.recorder,
		Logger:   log.With().Str("component", "healthplan").Logger(),
	})
	// Runs before sinks.close: pending recordings finish while the pool and
	// publisher are still open.
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orchestrator.Wait(drainCtx); err != nil {
			log.Warn().Err(err).Msg("decision recordings still pending at shutdown")
		}
	}()

	planLimit := middleware.RateLimitConfig{RequestLimit: cfg.PlanRateLimit, WindowLength: time.Minute}
	if cfg.PlanRateLimit == 0 {
		planLimit.RequestLimit = -1
	}

	routerCfg := api.RouterConfig{
		Version:         Version,
		BuildTime:       BuildTime,
		Logger:          log,
		ServiceName:     serviceName,
		Metrics:         metrics,
		Planner:         orchestrator,
		Registry:        registry,
		ReadinessChecks: sinks.checks,
		RequireTLS:      cfg.RequireTLS,
		PlanRateLimit:   planLimit,
	}
	if sinks.memory != nil {
		routerCfg.Decisions = sinks.memory
	}
	router := api.NewRouter(routerCfg)

	// The write timeout leaves room for a planner retry plus the weather call.
	writeTimeout := 2*(cfg.Planner.ConnectTimeout+cfg.Planner.ReadTimeout) +
		cfg.Weather.ConnectTimeout + cfg.Weather.ReadTimeout + 5*time.Second

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("planner_url", cfg.Planner.BaseURL).
			Str("weather_url", cfg.Weather.BaseURL).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}

// recorderSet is the decision log sinks selected by the configuration.
type recorderSet struct {
	recorder decisionlog.Recorder
	checks   []handler.ReadinessCheck
	closers  []func()

	// memory keeps recent decisions for GET /v1/ops/decisions outside
	// production.
	memory *decisionlog.MemoryRecorder
}

func (s *recorderSet) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildRecorders assembles the decision log sinks selected by cfg.
func buildRecorders(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*recorderSet, error) {
	set := &recorderSet{}
	var recorders decisionlog.MultiRecorder

	if !cfg.IsProduction() {
		set.memory = decisionlog.NewMemoryRecorder()
		recorders = append(recorders, set.memory)
	}

	if cfg.DecisionLog.Database {
		dbConfig := database.ConfigFromEnv()
		pool, err := database.Connect(ctx, dbConfig)
		if err != nil {
			set.close()
			return nil, err
		}
		set.closers = append(set.closers, pool.Close)

		pg := decisionlog.NewPostgresRecorder(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			set.close()
			return nil, err
		}
		recorders = append(recorders, pg)
		set.checks = append(set.checks, handler.ReadinessCheck{Name: "decision-log-database", Check: pg.Ping})

		log.Info().
			Str("host", dbConfig.Host).
			Int("port", dbConfig.Port).
			Str("database", dbConfig.Database).
			Msg("decision log database connected")
	}

	if cfg.DecisionLog.PubSubEnabled() {
		ps, err := decisionlog.NewPubSubRecorder(ctx, decisionlog.PubSubConfig{
			ProjectID: cfg.DecisionLog.PubSubProject,
			TopicID:   cfg.DecisionLog.PubSubTopic,
		})
		if err != nil {
			set.close()
			return nil, err
		}
		set.closers = append(set.closers, func() {
			if err := ps.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close decision log publisher")
			}
		})
		recorders = append(recorders, ps)

		log.Info().
			Str("project", cfg.DecisionLog.PubSubProject).
			Str("topic", cfg.DecisionLog.PubSubTopic).
			Msg("decision log publisher ready")
	}

	set.recorder = recorders
	if len(recorders) == 0 {
		set.recorder = decisionlog.NopRecorder{}
	}
	return set, nil
}
