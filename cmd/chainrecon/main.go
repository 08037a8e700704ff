// Command chainrecon is the entry point of the payment reconciliation engine.
// It loads configuration, validates it, sets up logging and signal handling,
// and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/chainrecon/internal/app"
	"github.com/alanyoungcy/chainrecon/internal/config"
	"github.com/alanyoungcy/chainrecon/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration with secrets redacted and exit")
	flag.Parse()

	// Bootstrap logger until the configured level is known.
	logger, _ := logging.New(logging.Config{Level: "info"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger, closeLog := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	defer closeLog()
	logging.Install(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *printConfig {
		if err := config.Write(os.Stdout, config.RedactedConfig(cfg)); err != nil {
			fmt.Fprintf(os.Stderr, "print config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("chainrecon starting",
		slog.String("mode", cfg.Mode),
		slog.String("network", cfg.Network),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = application.Run(ctx)
	application.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		closeLog()
		os.Exit(1)
	}

	logger.Info("chainrecon stopped")
}
