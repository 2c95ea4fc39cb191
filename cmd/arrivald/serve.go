package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rld013/arrival-rate-server/internal/archive"
	"github.com/rld013/arrival-rate-server/internal/config"
	"github.com/rld013/arrival-rate-server/internal/consumer"
	"github.com/rld013/arrival-rate-server/internal/logging"
	"github.com/rld013/arrival-rate-server/internal/metrics"
	"github.com/rld013/arrival-rate-server/internal/node"
	"github.com/rld013/arrival-rate-server/internal/registry"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
	transphttp "github.com/rld013/arrival-rate-server/internal/transport/http"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arrival schedule server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to config file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, nil)
	if err != nil {
		return err
	}

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With().Str("node_id", n.ID().String()).Logger()

	logger.Info().
		Str("version", version).
		Str("host", cfg.Node.Host).
		Int("port", cfg.Node.Port).
		Str("data_dir", n.DataDir()).
		Int64("seed", cfg.Schedule.Seed).
		Msg("arrivald starting")

	// ── 4. Registry, metrics, pacer ──────────────────────────────────────────
	reg := registry.New()

	var metricsReg *metrics.Registry
	pacerOpts := []scheduler.Option{}
	consumerOpts := consumer.Options{
		RetryDelays: millis(cfg.Webhook.RetryDelaysMs),
		Timeout:     time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond,
	}
	if cfg.Metrics.Enabled {
		metricsReg = metrics.New()
		metricsReg.TrackSchedules(reg.Len)
		pacerOpts = append(pacerOpts, scheduler.WithObserver(metricsReg))
		consumerOpts.Observer = metricsReg
	}
	pacer := scheduler.New(logger, pacerOpts...)

	// ── 5. Webhook delivery ──────────────────────────────────────────────────
	cm := consumer.NewManager(pacer, logger, consumerOpts)

	// ── 6. Archive of removed schedules ──────────────────────────────────────
	var arc *archive.Archive
	if cfg.Archive.Enabled {
		arc, err = archive.Open(cfg.ArchivePath(), n.ID().String())
		if err != nil {
			cm.Close()
			return fmt.Errorf("open archive: %w", err)
		}
		logger.Info().Str("path", cfg.ArchivePath()).Msg("archive opened")
	}

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		Config:   cfg,
		Node:     n,
		Registry: reg,
		Pacer:    pacer,
		Consumer: cm,
		Archive:  arc,
		Metrics:  metricsReg,
		Log:      logger,
		Version:  version,
	})
	addr := cfg.Addr()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("arrivald ready")
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Dedicated Prometheus metrics listener ─────────────────────────────
	var metricsSrv *http.Server
	if metricsReg != nil && cfg.Metrics.Port != cfg.Node.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Warn().Err(err).Msg("metrics server error")
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
		cm.Close()
		closeArchive(arc, logger)
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Webhook loops return their pending arrivals before the listener closes.
	cm.Close()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	closeArchive(arc, logger)

	logger.Info().Int("schedules", reg.Len()).Msg("arrivald stopped")
	return nil
}

func millis(ms []int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

func closeArchive(arc *archive.Archive, logger zerolog.Logger) {
	if arc == nil {
		return
	}
	if err := arc.Close(); err != nil {
		logger.Warn().Err(err).Msg("archive close error")
	}
}
