// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command nfqd binds a netfilter queue and answers every queued packet with
// the configured verdict. It optionally installs the nftables rule that
// feeds the queue and serves Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/nfqengine/internal/config"
	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/firewall"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
	"grimm.is/nfqengine/internal/metrics"
)

const counterInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to HCL, YAML or JSON config file")
	queueID := flag.Int("queue", -1, "Queue number (overrides config)")
	verdict := flag.String("verdict", "", "Verdict for every packet: accept or drop (overrides config)")
	level := flag.String("log-level", "", "Log level (overrides config)")
	listen := flag.String("metrics", "", "Metrics listen address (overrides config)")
	installRule := flag.Bool("install-rule", false, "Install the nftables steering rule")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nfqd: %v\n", err)
		os.Exit(2)
	}
	if *queueID >= 0 {
		cfg.Queue.ID = *queueID
	}
	if *verdict != "" {
		cfg.Queue.Verdict = *verdict
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}
	if *listen != "" {
		cfg.Metrics.Listen = *listen
	}
	if *installRule {
		cfg.Rule.Install = true
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		fmt.Fprintf(os.Stderr, "nfqd: invalid configuration: %v\n", errs)
		os.Exit(2)
	}

	logger := logging.New(cfg.Logging.LoggerConfig())
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.WithError(err).Error("nfqd exited", "kind", errors.GetKind(err).String())
	}
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	queue := uint16(cfg.Queue.ID)
	rec := metrics.NewRecorder()

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics, rec, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Rule.Install {
		inst, err := firewall.NewInstaller(firewall.RuleFromConfig(cfg.Rule, queue), logger.WithComponent("firewall"))
		if err != nil {
			return err
		}
		defer inst.Close()
		if err := inst.Install(); err != nil {
			return err
		}
		defer func() {
			if err := inst.Remove(); err != nil {
				logger.WithError(err).Warn("Failed to remove steering rule")
			}
		}()

		collector := metrics.NewCollector(logger.WithComponent("metrics"), rec, queue, ruleCounters(inst), counterInterval)
		collector.Start()
		defer collector.Stop()
	}

	v := cfg.Queue.VerdictValue()
	handler := engine.NewVerdictHandler(rec.WrapVerdict(queue, func(*kernel.Packet) kernel.Verdict { return v }))

	e := engine.New(kernel.NewLinuxKernel(logger.WithComponent("kernel")), handler, queue, uint32(cfg.Queue.Capacity),
		engine.WithLogger(logger.WithComponent("engine")),
		engine.WithObserver(rec),
	)
	e.SetCopyMode(cfg.Queue.Mode(), uint32(cfg.Queue.CopyRange))
	e.SetReceiveBufferSize(cfg.Queue.ReceiveBufferSize())

	logger.Info("Starting nfqd", "queue", queue, "verdict", v.Type.String(), "copy_mode", cfg.Queue.Mode())
	return e.Run(ctx)
}

func serveMetrics(mc *config.MetricsConfig, rec *metrics.Recorder, logger *logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           metricsMux(mc, rec),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", "listen", mc.Listen, "path", mc.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

func metricsMux(mc *config.MetricsConfig, rec *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, rec.Handler())
	return mux
}

func ruleCounters(inst *firewall.Installer) metrics.CounterSource {
	return func() (metrics.RuleCounters, bool, error) {
		c, found, err := inst.Counters()
		return metrics.RuleCounters{Packets: c.Packets, Bytes: c.Bytes}, found, err
	}
}
