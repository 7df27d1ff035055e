// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/socktracer/pkg/config"
	"github.com/mbeema/socktracer/pkg/connector"
	"github.com/mbeema/socktracer/pkg/export"
	"github.com/mbeema/socktracer/pkg/health"
	"github.com/mbeema/socktracer/pkg/source"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		logLevel    string
		replayPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&replayPath, "replay", "", "replay events from a dump file instead of attaching probes")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("socktracer %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if replayPath != "" {
		cfg.Source.ReplayPath = replayPath
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting socktracer",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	stats := health.NewStats()

	src := buildSource(cfg, logger)
	conn, err := connector.New(cfg, src, stats, logger)
	if err != nil {
		logger.Fatal("failed to create connector", zap.Error(err))
	}

	if cfg.Exporters.Stdout.Enabled {
		conn.AddExporter(export.NewStdoutExporter(cfg.Exporters.Stdout.Format, logger))
	}
	if cfg.Exporters.OTLP.Enabled {
		otlp, err := export.NewOTLPExporter(&cfg.Exporters.OTLP, logger)
		if err != nil {
			logger.Fatal("failed to create OTLP exporter", zap.Error(err))
		}
		conn.AddExporter(otlp)
		defer otlp.Shutdown(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup failures (probe attach, buffer open, health server
	// listen) are fatal; once running, errors are recovered locally.
	if err := conn.Start(ctx); err != nil {
		logger.Fatal("failed to start event source", zap.Error(err))
	}

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(cfg.Health.Port, version, stats, logger)
		if err := healthServer.Start(ctx); err != nil {
			logger.Fatal("failed to start health server", zap.Error(err))
		}
		healthServer.SetReady(true)
	}

	var watcher *config.Watcher
	if configPath != "" {
		watcher = config.NewWatcher(configPath, conn.Reload, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
			watcher = nil
		}
	}

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Error("connector exited", zap.Error(err))
		}
	}

	if watcher != nil {
		watcher.Stop()
	}
	if healthServer != nil {
		healthServer.Stop()
	}
	logger.Info("socktracer stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func buildSource(cfg *config.Config, logger *zap.Logger) source.Source {
	if cfg.Source.ReplayPath != "" {
		return source.NewReplaySource(cfg.Source.ReplayPath, logger)
	}

	src := source.NewEBPFSource(cfg.Source.BPFObjectPath, logger)
	if cfg.Source.DumpPath != "" {
		dump, err := source.NewDumpWriter(cfg.Source.DumpPath)
		if err != nil {
			logger.Warn("event dump disabled", zap.Error(err))
		} else {
			src.SetDump(dump)
		}
	}
	return src
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	return cfg.Build()
}
