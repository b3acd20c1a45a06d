// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/smallblackbox/internal/app"
	"github.com/relabs-tech/smallblackbox/internal/config"
	"github.com/relabs-tech/smallblackbox/internal/logging"
)

func main() {
	configPath := pflag.StringP("config", "c", "smallblackbox.conf", "Path to the KEY=VALUE configuration file.")
	pflag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if cfg.MQTTBroker == "" {
		fmt.Fprintln(os.Stderr, "MQTT_BROKER must be set for the standalone web server")
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel, "web")
	logger.Info("starting smallblackbox web server (MQTT subscriber)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunWeb(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}
