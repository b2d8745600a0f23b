// Package main is the entry point for the onegate LLM gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onegate/config"
	"onegate/internal/adapters"
	"onegate/internal/adapters/anthropic"
	"onegate/internal/adapters/openai"
	"onegate/internal/adapters/websession"
	"onegate/internal/app"
	"onegate/internal/logging"
	"onegate/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	configPath := flag.String("config", "", "Path to config.yaml (default: $ONEGATE_CONFIG, ./config.yaml, ./config/config.yaml)")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	result, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Setup(result.Config.Logging)

	slog.Info("starting onegate",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
		"config_file", result.Path,
	)

	factory := adapters.NewFactory().MustAdd(
		openai.Registration,
		anthropic.Registration,
		websession.Registration,
	)

	application, err := app.New(context.Background(), app.Config{
		AppConfig: result,
		Factory:   factory,
	})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		handleSignals(application, *configPath)
	}()

	if err := application.Start(":" + result.Config.Server.Port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	// Start returns as soon as the listener closes; wait for the flush.
	<-stopped
}

// handleSignals reloads channels on SIGHUP and shuts down on SIGINT/SIGTERM.
func handleSignals(application *app.App, configPath string) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for s := range sig {
		if s == syscall.SIGHUP {
			reload(application, configPath)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := application.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		cancel()
		return
	}
}

func reload(application *app.App, configPath string) {
	result, err := config.Load(configPath)
	if err != nil {
		slog.Error("config reload failed, keeping current channels", "error", err)
		return
	}
	if err := application.ReloadChannels(result.Config.Channels); err != nil {
		slog.Error("channel reload failed", "error", err)
	}
}
