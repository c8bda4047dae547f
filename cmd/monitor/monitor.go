// Package monitor implements the continuous measurement subcommand.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zbynekdrlik/audiotester/internal/audio"
	"github.com/zbynekdrlik/audiotester/internal/conf"
	"github.com/zbynekdrlik/audiotester/internal/controller"
	"github.com/zbynekdrlik/audiotester/internal/logging"
	"github.com/zbynekdrlik/audiotester/internal/observability/metrics"
)

// snapshotInterval is how often the running summary is logged.
const snapshotInterval = 10 * time.Second

// Command creates the monitor command, which runs the measurement engine
// until interrupted.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run continuous loopback measurement",
		Long:  "Play the test signal, capture the loopback return and measure latency, loss and corruption until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().IntVar(&settings.Audio.SignalChannel, "signalchannel", viper.GetInt("audio.signalchannel"), "Channel index carrying the test signal")
	cmd.Flags().IntVar(&settings.Audio.CounterChannel, "counterchannel", viper.GetInt("audio.counterchannel"), "Channel index carrying the counter markers")
	cmd.Flags().IntVar(&settings.Audio.MLSOrder, "mlsorder", viper.GetInt("audio.mlsorder"), "Test sequence order, period = 2^order - 1 samples")
	cmd.Flags().Float64Var(&settings.Analysis.ConfidenceThreshold, "threshold", viper.GetFloat64("analysis.confidencethreshold"), "Correlation confidence lock threshold")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Enable Prometheus metrics endpoint")
	cmd.Flags().StringVar(&settings.Metrics.Listen, "listen", viper.GetString("metrics.listen"), "Listen address and port of metrics endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func run(settings *conf.Settings) error {
	log := logging.ForService("monitor")

	backend, err := audio.NewMalgoBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize audio backend: %w", err)
	}
	defer backend.Close()

	opts := []controller.Option{}
	if settings.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		m, err := metrics.NewEngineMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		opts = append(opts, controller.WithMetrics(m))
		go serveMetrics(settings.Metrics.Listen, registry)
	}

	ctrl, err := controller.New(backend, settings, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	log.Info("measurement started",
		"device", settings.Audio.Device,
		"sample_rate", settings.Audio.SampleRate)

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return ctrl.Stop(stopCtx)
		case <-ticker.C:
			logSnapshot(ctrl, log)
		}
	}
}

func serveMetrics(listen string, registry *prometheus.Registry) {
	log := logging.ForService("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Info("metrics endpoint listening", "listen", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Error("metrics endpoint failed", "error", err)
	}
}

func logSnapshot(ctrl *controller.Controller, log *slog.Logger) {
	snap := ctrl.Snapshot()
	log.Info("summary",
		"latency_ms", snap.CurrentLatencyMs,
		"avg_latency_ms", snap.AvgLatencyMs,
		"confidence", snap.Confidence,
		"total_lost", snap.TotalLost,
		"total_corrupted", snap.TotalCorrupted,
		"signal_lost", snap.SignalLost,
		"uptime_seconds", snap.UptimeSeconds)
}
