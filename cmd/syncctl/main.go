// Command syncctl runs the sync engine as a standalone daemon: it wires the
// coordinator to a bbolt-backed store and an HTTP network client, exposes
// Prometheus metrics and a liveness endpoint, and drives sync passes off a
// fixed-interval trigger the way a mobile host would drive them off
// connectivity and app-lifecycle events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/daylogapp/daylog-sync/internal/circuit"
	realclock "github.com/daylogapp/daylog-sync/internal/clock"
	syncconfig "github.com/daylogapp/daylog-sync/internal/config"
	"github.com/daylogapp/daylog-sync/internal/coordinator"
	"github.com/daylogapp/daylog-sync/internal/netclient/httpclient"
	"github.com/daylogapp/daylog-sync/internal/progress"
	"github.com/daylogapp/daylog-sync/internal/store/boltstore"
	"github.com/daylogapp/daylog-sync/internal/util"
)

const serviceName = "daylog-sync"

func main() {
	logger := util.InitLogger(serviceName)
	logger.Info().Msg("starting daylog sync engine")

	configPath := os.Getenv("DAYLOG_SYNC_CONFIG")
	if configPath == "" {
		configPath = "config.toml"
	}
	cfg, err := syncconfig.Load(logger, configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	syncconfig.UpdateLogLevel(cfg, logger)

	logger.Info().
		Strs("server_base_urls", cfg.ServerBaseURLs).
		Str("db_path", cfg.DBPath).
		Int("batch_size", cfg.BatchSize).
		Int("max_pages_per_sync", cfg.MaxPagesPerSync).
		Msg("configuration loaded")

	store, err := boltstore.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer store.Close()

	client, err := httpclient.New(cfg.ServerBaseURLs, cfg.AuthHeader, 30*time.Second, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create network client")
	}
	defer client.Close()

	clk := realclock.Real{}
	sink := progress.New(context.Background())
	defer sink.Stop()

	replay := coordinator.NewReplayBuffer(clk, 5*time.Minute)

	co := coordinator.New(*logger, store, client, clk, sink, replay, coordinator.Config{
		BatchSize:           cfg.BatchSize,
		PullPageLimit:       cfg.PullPageLimit,
		MaxPagesPerSync:     cfg.MaxPagesPerSync,
		MutationMaxAttempts: cfg.MutationMaxAttempts,
		SyncTotalDeadline:   cfg.SyncTotalDeadline,
		HealthTTL:           cfg.HealthTTL,
		Circuit:             circuitParams(cfg),
	})

	metricsServer := &http.Server{
		Addr:    envOr("DAYLOG_SYNC_METRICS_ADDR", ":9090"),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info().Str("address", metricsServer.Addr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	debugMux := http.NewServeMux()
	debugMux.HandleFunc("/health", healthCheckHandler(co))
	debugMux.HandleFunc("/history", historyHandler(store, logger))

	healthServer := &http.Server{
		Addr:    envOr("DAYLOG_SYNC_HEALTH_ADDR", ":9091"),
		Handler: debugMux,
	}
	go func() {
		logger.Info().Str("address", healthServer.Addr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	co.Start(ctx)
	co.Trigger("startup")

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				co.Trigger("periodic")
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	logger.Info().Msg("shutting down")
	co.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// circuitParams builds the breaker's tunables from config, keeping
// DefaultParams' jitter since spec.md §6 does not expose it as a setting.
func circuitParams(cfg syncconfig.Config) circuit.Params {
	p := circuit.DefaultParams()
	if cfg.CircuitThreshold > 0 {
		p.Threshold = cfg.CircuitThreshold
	}
	if cfg.BaseBackoff > 0 {
		p.BaseBackoff = cfg.BaseBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxBackoff = cfg.MaxBackoff
	}
	return p
}

// healthCheckHandler reports the coordinator's last-known state: anything
// other than Error counts as live, mirroring the teacher's Healthy()-backed
// handler generalized from block-height lag to sync status.
func healthCheckHandler(co *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := co.Status()
		if st.State == coordinator.StateError {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %s\n", st.LastErrKind)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nstate: %s\npending: %d\ntrips: %d\n", st.State, st.Pending, st.Trips)
	}
}

// historyHandler serves the sync_history ring buffer as JSON, the debug
// accessor spec.md §6 names the table for but never routes a read through.
func historyHandler(store *boltstore.Store, logger *zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := store.History(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("failed to read sync history")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			logger.Error().Err(err).Msg("failed to encode sync history")
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
