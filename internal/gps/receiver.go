package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

// Receiver faults. ErrTransient means "nothing arrived yet" and is not a
// fault at all; ErrOverflow means bytes were lost and the stream must be
// resynchronised.
var (
	ErrTransient = errors.New("gps: no data available")
	ErrOverflow  = errors.New("gps: receive buffer overflowed")
)

// Receiver is the byte source the positioning task reads from.
type Receiver interface {
	// Read fills p with received bytes. It returns ErrTransient when no
	// data arrived within the receiver's poll interval.
	Read(ctx context.Context, p []byte) (int, error)
	// Drain discards whatever is currently buffered.
	Drain() error
	Close() error
}

// SerialOptions configures a UART-attached receiver.
type SerialOptions struct {
	Port     string
	BaudRate int
	// PollTimeout bounds how long a Read waits for the first byte.
	PollTimeout time.Duration
}

// SerialReceiver reads NMEA bytes from a serial port.
type SerialReceiver struct {
	port   io.ReadWriteCloser
	name   string
	logger *slog.Logger
}

// maxDrainReads bounds Drain so a receiver streaming continuously cannot
// keep it spinning forever.
const maxDrainReads = 64

// OpenSerial opens the GPS UART.
func OpenSerial(opts SerialOptions, logger *slog.Logger) (*SerialReceiver, error) {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	// go-serial expresses the timeout in milliseconds, minimum 100.
	timeoutMs := uint(opts.PollTimeout / time.Millisecond)
	if timeoutMs < 100 {
		timeoutMs = 100
	}

	options := serial.OpenOptions{
		PortName:              opts.Port,
		BaudRate:              uint(opts.BaudRate),
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: timeoutMs,
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open GPS serial %s: %w", opts.Port, err)
	}

	logger.Info("GPS serial opened", "port", opts.Port, "baud", opts.BaudRate)
	return &SerialReceiver{port: port, name: opts.Port, logger: logger}, nil
}

// Read implements Receiver. The underlying read returns after at most the
// poll timeout, so ctx is checked between reads rather than during one.
func (r *SerialReceiver) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.port.Read(p)
	switch {
	case n > 0:
		return n, nil
	case err == nil, errors.Is(err, io.EOF):
		return 0, ErrTransient
	default:
		return 0, fmt.Errorf("read %s: %w", r.name, err)
	}
}

// Drain implements Receiver.
func (r *SerialReceiver) Drain() error {
	var scratch [256]byte
	for i := 0; i < maxDrainReads; i++ {
		n, err := r.port.Read(scratch[:])
		if n == 0 || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("drain %s: %w", r.name, err)
		}
	}
	r.logger.Warn("GPS drain gave up, receiver still streaming", "port", r.name)
	return nil
}

// Close implements Receiver.
func (r *SerialReceiver) Close() error {
	return r.port.Close()
}
