package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/config"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/lora"
	"github.com/relabs-tech/smallblackbox/internal/metrics"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// SimPort selects the simulated receiver instead of a serial device.
const SimPort = "sim"

// App owns the two state channels and every task reading or writing them.
type App struct {
	Fixes    *watch.Channel[*gps.Fix]
	States   *watch.Channel[ble.State]
	Registry *prometheus.Registry

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &App{
		Fixes:    watch.New[*gps.Fix](),
		States:   watch.New[ble.State](),
		Registry: reg,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(reg),
	}
}

// Run builds an App from cfg and runs it until ctx ends.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	return New(cfg, logger).Run(ctx)
}

// Run starts every configured task and blocks until ctx ends or a task
// fails to start. Cancellation is a clean exit.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("config loaded",
		"gpsPort", cfg.GPSSerialPort,
		"bleEnabled", cfg.BLEEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"webPort", cfg.WebServerPort,
		"display", cfg.DisplayEnabled,
		"loraPort", cfg.LoRaSerialPort,
	)

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				a.logger.Warn("close error", "error", err)
			}
		}
	}()

	receiver, err := a.openReceiver()
	if err != nil {
		return err
	}
	closers = append(closers, receiver)

	g, ctx := errgroup.WithContext(ctx)

	positioning := gps.NewPositioning(receiver, a.Fixes, gps.PositioningConfig{
		BackoffInitial: cfg.GPSBackoffInitial,
		BackoffMax:     cfg.GPSBackoffMax,
	}, a.logger, a.metrics)
	g.Go(func() error { return positioning.Run(ctx) })

	if cfg.BLEEnabled {
		radio := ble.NewTinyGoRadio(cfg.BLEAdapter, cfg.BLEDeviceName, a.logger)
		manager := ble.NewManager(radio, a.States, a.Fixes, ble.Config{
			NotifyInterval: cfg.BLENotifyInterval,
			RetryDelay:     cfg.BLERetryDelay,
		}, a.logger, a.metrics)
		g.Go(func() error { return manager.Run(ctx) })
	} else {
		a.logger.Info("BLE disabled")
		a.States.Send(ble.Disconnected())
	}

	if cfg.DisplayEnabled {
		screen, err := OpenSSD1306(a.logger)
		if err != nil {
			// The tracker is still useful headless.
			a.logger.Warn("display unavailable", "error", err)
		} else {
			closers = append(closers, screen)
			display := NewDisplay(screen, a.States, a.Fixes, cfg.DisplayForceRefresh, a.logger)
			g.Go(func() error { return display.Run(ctx) })
		}
	}

	if cfg.MQTTBroker != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := ConnectMQTT(connectCtx, cfg.MQTTBroker, cfg.MQTTClientID, a.logger)
		cancel()
		if err != nil {
			a.logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		} else {
			defer client.Disconnect(250)
			pub := NewMQTTPublisher(client, a.Fixes, a.States, cfg.TopicGPS, cfg.TopicBLE, a.logger)
			g.Go(func() error { return pub.Run(ctx) })
		}
	}

	if cfg.WebServerPort > 0 {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.WebServerPort))
		if err != nil {
			a.logger.Warn("web server unavailable", "error", err)
		} else {
			web := NewWebServer(a.Fixes, a.States, a.Registry, a.logger)
			g.Go(func() error {
				if err := web.Serve(ctx, ln); err != nil && ctx.Err() == nil {
					a.logger.Warn("web server stopped", "error", err)
				}
				return nil
			})
		}
	}

	if cfg.LoRaSerialPort != "" {
		modem, port, err := lora.OpenSerial(cfg.LoRaSerialPort, cfg.LoRaBaudRate, a.logger)
		if err != nil {
			a.logger.Warn("LoRa unavailable", "error", err)
		} else {
			closers = append(closers, port)
			modem.OnReceive = func(lora.Received) { a.metrics.LoRaReceived() }
			uplink := lora.NewUplink(modem, a.Fixes, cfg.LoRaAddress, cfg.LoRaSendInterval, a.logger, a.metrics)
			g.Go(func() error { return uplink.Run(ctx) })
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Info("shutting down")
		return nil
	}
	return err
}

func (a *App) openReceiver() (gps.Receiver, error) {
	if a.cfg.GPSSerialPort == SimPort {
		a.logger.Info("using simulated GPS receiver")
		return gps.NewSimReceiver(gps.DefaultSimOptions()), nil
	}
	r, err := gps.OpenSerial(gps.SerialOptions{
		Port:     a.cfg.GPSSerialPort,
		BaudRate: a.cfg.GPSBaudRate,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("gps receiver: %w", err)
	}
	return r, nil
}
