package lora

import (
	"context"
	"log/slog"
	"time"

	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/metrics"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// Sender transmits one payload to a LoRa address.
type Sender interface {
	Send(ctx context.Context, addr uint16, payload []byte) error
}

// Listener is implemented by senders that can also report incoming packets.
type Listener interface {
	Listen(ctx context.Context, window time.Duration) error
}

// Uplink periodically sends the latest fix over LoRa.
type Uplink struct {
	sender   Sender
	fixes    *watch.Channel[*gps.Fix]
	addr     uint16
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewUplink(sender Sender, fixes *watch.Channel[*gps.Fix], addr uint16, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Uplink {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Uplink{
		sender:   sender,
		fixes:    fixes,
		addr:     addr,
		interval: interval,
		logger:   logger.With("component", "lora"),
		metrics:  m,
	}
}

// Run sends on every tick until ctx is cancelled. A failed send is logged
// and retried on the next tick with whatever fix is current then. When the
// sender is also a Listener, half of each interval is spent listening.
func (u *Uplink) Run(ctx context.Context) error {
	u.logger.Info("lora uplink started", "addr", u.addr, "interval", u.interval)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.sendLatest(ctx)
			u.listen(ctx)
		}
	}
}

func (u *Uplink) sendLatest(ctx context.Context) {
	fix, ok := u.fixes.Get()
	if !ok || fix == nil {
		u.logger.Debug("no fix, nothing to send")
		return
	}

	payload, _ := PacketFromFix(*fix).MarshalBinary()
	if err := u.sender.Send(ctx, u.addr, payload); err != nil {
		if ctx.Err() != nil {
			return
		}
		u.metrics.LoRaError()
		u.logger.Warn("lora send failed", "error", err)
		return
	}
	u.metrics.LoRaSent()
	u.logger.Debug("lora packet sent", "lat", fix.Latitude, "lon", fix.Longitude)
}

func (u *Uplink) listen(ctx context.Context) {
	l, ok := u.sender.(Listener)
	if !ok {
		return
	}
	if err := l.Listen(ctx, u.interval/2); err != nil && ctx.Err() == nil {
		u.logger.Warn("lora listen failed", "error", err)
	}
}
