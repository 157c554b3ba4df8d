package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/swimfs/internal/admin"
	"github.com/devrev/swimfs/internal/config"
	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/node"
	"github.com/devrev/swimfs/internal/server"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("path", configPath),
		zap.Int("slot", cfg.Node.Slot),
		zap.Int("pool_size", cfg.Cluster.PoolSize),
		zap.Int("introducer", cfg.Cluster.Introducer),
		zap.String("data_dir", cfg.Storage.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	if cfg.Admin.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Admin.Port))
		if err != nil {
			logger.Fatal("Failed to bind admin port", zap.Int("port", cfg.Admin.Port), zap.Error(err))
		}
		grpcServer := admin.NewGRPCServer(admin.NewServer(n, stop, logger))
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("Admin server failed", zap.Error(err))
			}
		}()
		defer grpcServer.GracefulStop()
		logger.Info("Admin service listening", zap.Int("port", cfg.Admin.Port))
	}

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			Gatherer:    n.Registry(),
		}, n.Metrics(), n, n.Health(), n.Disk(), logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
		defer metricsServer.Stop()
	}

	console := newConsole(n, os.Stdout, stop, logger)
	go console.run(ctx, os.Stdin)

	select {
	case err := <-runErr:
		if errors.IsCode(err, errors.ErrCodeProtocolViolation) {
			logger.Fatal("Protocol violation from peer", zap.Error(err))
		}
		if err != nil {
			logger.Fatal("Node failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		if err := <-runErr; err != nil {
			logger.Error("Node stopped with error", zap.Error(err))
		}
	}
}

// initLogger builds the zap logger selected by the logging section
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	// stdout carries the console, so logs go to stderr
	zcfg.OutputPaths = append([]string{"stderr"}, cfg.OutputPaths...)
	return zcfg.Build()
}
