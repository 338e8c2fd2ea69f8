// Command worker drains the per-conversation queues and persists every routed
// message through the record-api. It is the durability half of the relay: the
// gateway only gets messages onto the broker, this process gets them off.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-relay/internal/broker"
	"github.com/tbourn/go-chat-relay/internal/config"
	"github.com/tbourn/go-chat-relay/internal/observability"
	"github.com/tbourn/go-chat-relay/internal/record"
	"github.com/tbourn/go-chat-relay/internal/sysutil"
	"github.com/tbourn/go-chat-relay/internal/worker"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := log.With().Str("component", "worker").Str("version", version).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	b, err := broker.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.AMQPURL).Msg("broker dial failed")
	}
	defer b.Close()

	recorder := record.NewClient(cfg.RecordAPIURL, nil, cfg.UpstreamTimeout)
	w := worker.New(b, recorder, worker.Config{
		Queues:      cfg.Worker.Queues,
		Prefetch:    cfg.Worker.Prefetch,
		MaxAttempts: cfg.Worker.MaxAttempts,
	})

	// Expose /metrics and /health on a side listener so the worker is
	// observable without joining the gateway's HTTP surface.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		logger.Info().Str("addr", metricsSrv.Addr).Msg("worker metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}()

	logger.Info().Strs("queues", cfg.Worker.Queues).Int("prefetch", cfg.Worker.Prefetch).Msg("worker starting")

	// A topology mismatch or the loss of every consume stream means the
	// worker cannot make progress; exit non-zero so the orchestrator
	// restarts it instead of leaving an idle process behind a healthy
	// /health.
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
