package gps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relabs-tech/smallblackbox/internal/metrics"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// PositioningConfig tunes the receiver fault backoff.
type PositioningConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ReadBufferSize int
}

// DefaultPositioningConfig returns 100ms initial backoff doubling to 5s.
func DefaultPositioningConfig() PositioningConfig {
	return PositioningConfig{
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		ReadBufferSize: 64,
	}
}

// Positioning owns a Receiver and is the only writer of the position
// channel. A nil *Fix on the channel means "no fix".
type Positioning struct {
	receiver Receiver
	fixes    *watch.Channel[*Fix]
	framer   *Framer
	cfg      PositioningConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPositioning wires a receiver to the position channel. m may be nil.
func NewPositioning(receiver Receiver, fixes *watch.Channel[*Fix], cfg PositioningConfig, logger *slog.Logger, m *metrics.Metrics) *Positioning {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 64
	}
	logger = logger.With("component", "positioning")
	framer := NewFramer(logger)
	framer.OnReset = m.FramerReset
	return &Positioning{
		receiver: receiver,
		fixes:    fixes,
		framer:   framer,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sleep:    sleepCtx,
	}
}

func (p *Positioning) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffInitial
	b.MaxInterval = p.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

// Run reads the receiver until ctx is cancelled. Receiver faults never end
// the loop; they drain the receiver, reset the framer, clear the position
// and back off.
func (p *Positioning) Run(ctx context.Context) error {
	p.logger.Info("positioning started")
	defer p.logger.Info("positioning stopped")

	buf := make([]byte, p.cfg.ReadBufferSize)
	bo := p.newBackoff()
	faulted := false

	for {
		n, err := p.receiver.Read(ctx, buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case err == nil:
			if faulted {
				bo.Reset()
				faulted = false
			}
			for _, b := range buf[:n] {
				if sentence, ok := p.framer.Feed(b); ok {
					p.handleSentence(sentence)
				}
			}

		case errors.Is(err, ErrTransient):
			continue

		default:
			faulted = true
			if err := p.recover(ctx, err, bo.NextBackOff()); err != nil {
				return err
			}
		}
	}
}

// recover runs the drain-and-reset sequence after a receiver fault, then
// waits out the backoff delay.
func (p *Positioning) recover(ctx context.Context, cause error, delay time.Duration) error {
	kind := "fault"
	if errors.Is(cause, ErrOverflow) {
		kind = "overflow"
	}
	p.metrics.ReceiverFault(kind)
	p.logger.Warn("receiver fault, draining", "kind", kind, "error", cause, "retry_in", delay)

	if err := p.receiver.Drain(); err != nil {
		p.logger.Warn("receiver drain failed", "error", err)
	}
	p.framer.Reset(ReasonReceiverFault)
	p.publish(nil)

	return p.sleep(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Positioning) handleSentence(sentence string) {
	fix, err := Decode(sentence)
	switch {
	case err == nil:
		p.logger.Debug("fix", "lat", fix.Latitude, "lon", fix.Longitude, "time", fix.Time)
		p.publish(&fix)
	case errors.Is(err, ErrNoFix):
		p.publish(nil)
	case errors.Is(err, ErrUnsupportedSentence):
		p.logger.Debug("sentence ignored", "sentence", sentence)
	default:
		p.metrics.DecodeError(decodeErrorKind(err))
		p.logger.Warn("sentence rejected", "error", err, "sentence", sentence)
	}
}

func (p *Positioning) publish(fix *Fix) {
	if fix == nil {
		p.metrics.NoFixPublished()
	} else {
		p.metrics.FixPublished()
	}
	p.fixes.Send(fix)
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrChecksumInvalid):
		return "checksum"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrMalformedField):
		return "malformed_field"
	default:
		return "other"
	}
}
