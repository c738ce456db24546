// Command oracle runs the power-grid oracle loop for one smart plug: it reads
// the plug's energy counters, keeps the device registered with the registry
// contract and submits participation in active grid events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marko911/powergrid-oracle/internal/bootstrap"
	"github.com/marko911/powergrid-oracle/internal/config"
	"github.com/marko911/powergrid-oracle/internal/logging"
	"github.com/marko911/powergrid-oracle/internal/metrics"
	"github.com/marko911/powergrid-oracle/internal/oracle"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	interval := flag.Duration("interval", 0, "polling interval override")
	flag.Parse()

	if err := run(*configPath, *logLevel, *interval); err != nil {
		fmt.Fprintln(os.Stderr, "oracle:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, interval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if interval > 0 {
		cfg.Oracle.Interval = interval
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxBackups: cfg.Log.MaxBackups,

		RotateOnStart: true,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("starting power grid oracle",
		"device", cfg.Device.IP,
		"rpc", cfg.Chain.RPCURL,
		"interval", cfg.Oracle.Interval,
	)
	if cfg.UsingDevKey() {
		logger.Warn("no owner key configured, signing with the development key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led, client := bootstrap.Ledger(cfg, logger)
	defer client.Close()

	monitor := bootstrap.Monitor(cfg, logger)
	defer monitor.Close()

	var opts oracle.Options

	if sink := bootstrap.Relay(ctx, cfg, logger); sink != nil {
		opts.Sink = sink
		defer sink.Close()
	}

	store, err := bootstrap.Status(ctx, cfg)
	if err != nil {
		logger.Warn("status store disabled", "error", err)
	} else if store != nil {
		opts.Status = store
		defer store.Close()
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Observer = metrics.New(reg)

		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	o := oracle.New(oracle.Config{
		Interval:  cfg.Oracle.Interval,
		Addresses: cfg.Contracts.Addresses(),
		Metadata:  cfg.Metadata,
		Stake:     cfg.StakeWei(),
		Device:    cfg.Device.IP,
	}, monitor, led, opts, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			o.Stop()
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := o.Initialize(ctx); err != nil {
		logger.Error("failed to initialize oracle", "error", err)
		return err
	}

	if err := o.Run(ctx); err != nil {
		logger.Error("oracle exited with error", "error", err)
		return err
	}

	st := o.RunState()
	logger.Info("oracle shutdown complete", "iterations", st.Iteration, "registered", st.Registered)
	return nil
}
