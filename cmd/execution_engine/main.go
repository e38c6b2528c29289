package main

import (
	"flag"
	"fmt"
	"os"

	"execution_engine/internal/bootstrap"
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
		fmt.Printf("execution_engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting execution_engine", "version", version, "build_time", buildTime)

	if err := app.Run(); err != nil {
		app.Logger.Error("Engine stopped with error", "error", err)
		os.Exit(1)
	}
}
