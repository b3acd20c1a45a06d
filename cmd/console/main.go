// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/smallblackbox/internal/app"
	"github.com/relabs-tech/smallblackbox/internal/config"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/logging"
)

func main() {
	configPath := pflag.StringP("config", "c", "smallblackbox.conf", "Path to the KEY=VALUE configuration file.")
	broker := pflag.StringP("broker", "b", "", "Override MQTT_BROKER, e.g. tcp://localhost:1883.")
	mock := pflag.Bool("mock", false, "Print fixes from the simulated receiver instead of subscribing to MQTT.")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *mock {
		logger := logging.New(os.Stderr, "text", slog.LevelInfo, "console")
		logger.Info("starting smallblackbox console (mock)")
		if err := app.RunMockConsole(ctx, gps.DefaultSimOptions(), os.Stdout, logger); err != nil {
			logger.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := config.InitGlobal(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if *broker != "" {
		cfg.MQTTBroker = *broker
	}
	if cfg.MQTTBroker == "" {
		fmt.Fprintln(os.Stderr, "no MQTT broker configured (set MQTT_BROKER or --broker)")
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel, "console")
	logger.Info("starting smallblackbox console (MQTT subscriber)")

	if err := app.RunConsole(ctx, cfg, os.Stdout, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}
