package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"execution_engine/internal/bus"
	"execution_engine/internal/config"
	"execution_engine/internal/service"
	"execution_engine/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("balance_service version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	client := bus.NewClient(cfg.Bus.URL, cfg.Bus.PublishRate, cfg.Bus.PublishBurst, logger)
	client.Start()
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting balance_service", "version", version, "build_time", buildTime)
	svc := service.NewBalanceService(cfg, client, logger)
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Balance service stopped with error", "error", err)
		os.Exit(1)
	}
}
