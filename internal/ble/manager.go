package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/metrics"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// Config tunes the connection lifecycle.
type Config struct {
	NotifyInterval time.Duration
	RetryDelay     time.Duration
}

// DefaultConfig notifies once a second and retries advertising after 1s.
func DefaultConfig() Config {
	return Config{
		NotifyInterval: time.Second,
		RetryDelay:     time.Second,
	}
}

// errTelemetryStopped ends the telemetry side of a connection after a
// failed notification.
var errTelemetryStopped = errors.New("ble: telemetry stopped")

// Manager runs the advertise, serve, disconnect cycle forever. It is the
// only writer of the connectivity channel.
type Manager struct {
	radio   Radio
	states  *watch.Channel[State]
	fixes   *watch.Channel[*gps.Fix]
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	attrs   *attributeTable
}

// NewManager creates a lifecycle manager. fixes may be nil, in which case
// only the status counter is notified. m may be nil.
func NewManager(radio Radio, states *watch.Channel[State], fixes *watch.Channel[*gps.Fix], cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Manager{
		radio:   radio,
		states:  states,
		fixes:   fixes,
		cfg:     cfg,
		logger:  logger.With("component", "ble"),
		metrics: m,
		attrs:   newAttributeTable(),
	}
}

// Run loops until ctx is cancelled. Link failures never end it.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("ble lifecycle started")
	defer m.logger.Info("ble lifecycle stopped")

	m.states.Send(Disconnected())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.logger.Debug("advertising")
		conn, err := m.radio.Advertise(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.metrics.BLEAdvertiseError()
			m.attrs.recordError(ErrorAdvertise)
			m.logger.Error("advertise failed", "error", err, "retry_in", m.cfg.RetryDelay)
			m.states.Send(Disconnected())
			if err := sleep(ctx, m.cfg.RetryDelay); err != nil {
				return err
			}
			continue
		}

		m.serve(ctx, conn)
	}
}

// serve runs the connected phase: the event service and telemetry race,
// and whichever ends first cancels the other.
func (m *Manager) serve(ctx context.Context, conn Conn) {
	state := State{Connected: true}
	logger := m.logger
	if rssi, ok := conn.RSSI(); ok {
		state.RSSI = &rssi
		logger = logger.With("rssi", rssi)
	}
	m.states.Send(state)
	m.metrics.BLEConnected()
	logger.Info("central connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.serveEvents(gctx, conn) })
	g.Go(func() error { return m.telemetry(gctx, conn) })
	reason := g.Wait()

	if err := conn.Close(); err != nil {
		m.logger.Debug("closing connection", "error", err)
	}
	m.states.Send(Disconnected())
	m.metrics.BLEDisconnected()
	logger.Info("central disconnected", "reason", reason)
}

// serveEvents answers GATT events until the central disconnects or the
// event stream fails. It never returns nil so the telemetry task is
// always cancelled with it.
func (m *Manager) serveEvents(ctx context.Context, conn Conn) error {
	for {
		ev, err := conn.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.attrs.recordError(ErrorEventStream)
			return fmt.Errorf("event stream: %w", err)
		}

		switch ev.Kind {
		case EventDisconnected:
			return ErrDisconnected
		case EventRead:
			value, ok := m.attrs.get(ev.Attr)
			if !ok {
				m.logger.Debug("read of unknown attribute", "attr", ev.Attr)
			}
			if err := ev.Reply(value); err != nil {
				m.logger.Warn("read reply failed", "attr", ev.Attr, "error", err)
			}
		case EventWrite:
			if ev.Attr != AttrUnknown {
				m.attrs.recordWrite(ev.Attr, ev.Value)
			} else {
				m.logger.Debug("write to unknown attribute", "len", len(ev.Value))
			}
			if err := ev.Reply(nil); err != nil {
				m.logger.Warn("write reply failed", "attr", ev.Attr, "error", err)
			}
		}
	}
}

// telemetry notifies a wrapping counter on the status attribute every
// interval, plus the current fix whenever it changed.
func (m *Manager) telemetry(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(m.cfg.NotifyInterval)
	defer ticker.Stop()

	var counter uint8
	var lastGen uint64

	if errLog, ok := m.attrs.get(AttrErrorLog); ok {
		if err := m.notify(ctx, conn, AttrErrorLog, errLog); err != nil {
			return err
		}
	}

	for {
		counter++
		if err := m.notify(ctx, conn, AttrStatus, []byte{counter}); err != nil {
			return err
		}

		if m.fixes != nil {
			if gen := m.fixes.Generation(); gen != lastGen {
				lastGen = gen
				fix, _ := m.fixes.Get()
				if err := m.notify(ctx, conn, AttrTelemetry, EncodeTelemetry(fix)); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) notify(ctx context.Context, conn Conn, attr Attr, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.attrs.set(attr, value)
	if err := conn.Notify(ctx, attr, value); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.BLENotifyError()
		m.attrs.recordError(ErrorNotify)
		m.logger.Warn("notify failed", "attr", attr, "error", err)
		return fmt.Errorf("%w: %s: %w", errTelemetryStopped, attr, err)
	}
	return nil
}

// LastWritten returns the most recent value a central wrote to attr.
func (m *Manager) LastWritten(attr Attr) ([]byte, bool) {
	return m.attrs.lastWritten(attr)
}

// Value returns the current value served for attr.
func (m *Manager) Value(attr Attr) ([]byte, bool) {
	return m.attrs.get(attr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
