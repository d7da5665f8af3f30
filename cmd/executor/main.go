// Package main runs the desktop strategy executor: it connects the local
// broker terminal (or the paper simulator), maintains the platform link, and
// serves the UI shell's local HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-desktop/trade-executor/internal/api"
	"github.com/atlas-desktop/trade-executor/internal/broker"
	"github.com/atlas-desktop/trade-executor/internal/config"
	"github.com/atlas-desktop/trade-executor/internal/core"
	"github.com/atlas-desktop/trade-executor/internal/platform"
	"github.com/atlas-desktop/trade-executor/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Optional config file; env vars take precedence")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config invalid", zap.Error(err))
	}

	logger.Info("starting trade executor",
		zap.String("executorId", cfg.ExecutorID),
		zap.String("env", cfg.Env),
		zap.String("brokerMode", cfg.Broker.Mode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(logger, cfg.Store.Path)
	if err != nil {
		logger.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	var inner broker.Broker
	switch cfg.Broker.Mode {
	case "terminal":
		inner = broker.NewTerminal(logger, cfg.Broker.TerminalPath)
	default:
		inner = broker.NewPaper(decimal.NewFromFloat(cfg.Broker.PaperBalance), "USD")
		logger.Info("paper trading mode", zap.Float64("balance", cfg.Broker.PaperBalance))
	}
	serialized := broker.NewSerializer(logger, inner, broker.DefaultSerializerConfig())
	serialized.Start(ctx)

	var (
		client   *platform.Client
		reporter *platform.Reporter
	)
	if cfg.Platform.BaseURL != "" {
		client = platform.NewClient(logger, platform.ClientConfig{
			BaseURL:    cfg.Platform.BaseURL,
			ExecutorID: cfg.ExecutorID,
			APIKey:     cfg.Platform.APIKey,
			APISecret:  cfg.Platform.APISecret,
		})
		reporter = platform.NewReporter(logger, client, platform.DefaultReporterConfig())
		reporter.Start(ctx)
	}

	coreDeps := core.Deps{
		Logger:     logger,
		Broker:     serialized,
		Store:      st,
		ExecutorID: cfg.ExecutorID,
		Magic:      cfg.Broker.Magic,
		Heartbeat:  cfg.Heartbeat,
	}
	if reporter != nil {
		coreDeps.Reporter = reporter
	}
	executor := core.New(coreDeps)
	if err := executor.Start(ctx); err != nil {
		logger.Fatal("core start failed", zap.Error(err))
	}

	var directory api.Directory
	var status api.PlatformStatus
	if client != nil {
		directory = client
	}
	if reporter != nil {
		status = reporter
	}
	server := api.NewServer(logger, cfg.HTTP, cfg.Production(), executor, directory, status)
	executor.SetEventHook(server.Broadcast)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	if client != nil {
		group.Go(func() error {
			commands, err := client.Commands(groupCtx)
			if err != nil {
				return err
			}
			executor.RunCommands(groupCtx, commands)
			return nil
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-groupCtx.Done():
		logger.Warn("service failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	executor.Shutdown(shutdownCtx)
	if reporter != nil {
		reporter.FlushNow(shutdownCtx)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()
	if err := group.Wait(); err != nil {
		logger.Error("service error", zap.Error(err))
	}
	logger.Info("executor stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
