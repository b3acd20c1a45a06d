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
	gpsPort := pflag.String("gps-port", "", "Override GPS_SERIAL_PORT (\"sim\" for the simulated receiver).")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Small Black Box tracker: GPS, BLE, LoRa and status display.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if err := config.InitGlobal(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if *gpsPort != "" {
		cfg.GPSSerialPort = *gpsPort
	}

	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel, "tracker")
	logger.Info("starting smallblackbox tracker", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}
