// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package lora

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

// MaxPayload is the largest payload the modem accepts in one AT+SEND.
const MaxPayload = 240

// Result codes reported as "+ERR=<code>".
const (
	ResultNoEnter    = 1  // missing "\r\n" after command
	ResultNoAT       = 2  // head of command is not AT
	ResultNoEqual    = 3  // missing "=" in AT command
	ResultUnknown    = 4  // unknown command
	ResultTxTimeout  = 10 // transmit over time
	ResultRxTimeout  = 11 // receive over time
	ResultCRC        = 12 // CRC error
	ResultTxOverrun  = 13 // transmit over run (over 240 bytes)
	ResultUnknownErr = 15 // unknown error
)

var ErrResponseTimeout = errors.New("lora: no response from modem")

// ModemError is an "+ERR=<code>" reply.
type ModemError struct {
	Code int
}

func (e *ModemError) Error() string {
	return fmt.Sprintf("lora: modem error %d (%s)", e.Code, resultText(e.Code))
}

func resultText(code int) string {
	switch code {
	case ResultNoEnter:
		return "missing CRLF"
	case ResultNoAT:
		return "not an AT command"
	case ResultNoEqual:
		return "missing ="
	case ResultUnknown:
		return "unknown command"
	case ResultTxTimeout:
		return "transmit timeout"
	case ResultRxTimeout:
		return "receive timeout"
	case ResultCRC:
		return "CRC error"
	case ResultTxOverrun:
		return "payload too long"
	default:
		return "unknown error"
	}
}

// Received is a "+RCV=<addr>,<len>,<data>,<rssi>,<snr>" report.
type Received struct {
	Addr uint16
	Data string
	RSSI int
	SNR  int
}

// ParseReceived parses a "+RCV=" line. The data field may itself contain
// commas, so it is cut by its declared length.
func ParseReceived(line string) (Received, error) {
	rest, ok := strings.CutPrefix(line, "+RCV=")
	if !ok {
		return Received{}, fmt.Errorf("lora: not a receive report: %q", line)
	}

	addrField, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return Received{}, fmt.Errorf("lora: truncated receive report: %q", line)
	}
	lenField, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return Received{}, fmt.Errorf("lora: truncated receive report: %q", line)
	}
	addr, err := strconv.ParseUint(addrField, 10, 16)
	if err != nil {
		return Received{}, fmt.Errorf("lora: bad sender address in %q: %w", line, err)
	}
	n, err := strconv.Atoi(lenField)
	if err != nil || n < 0 || n > len(rest) {
		return Received{}, fmt.Errorf("lora: bad length in %q", line)
	}

	data, tail := rest[:n], rest[n:]
	tail, ok = strings.CutPrefix(tail, ",")
	if !ok {
		return Received{}, fmt.Errorf("lora: truncated receive report: %q", line)
	}
	rssiField, snrField, ok := strings.Cut(tail, ",")
	if !ok {
		return Received{}, fmt.Errorf("lora: truncated receive report: %q", line)
	}
	rssi, err := strconv.Atoi(rssiField)
	if err != nil {
		return Received{}, fmt.Errorf("lora: bad RSSI in %q: %w", line, err)
	}
	snr, err := strconv.Atoi(snrField)
	if err != nil {
		return Received{}, fmt.Errorf("lora: bad SNR in %q: %w", line, err)
	}

	return Received{Addr: uint16(addr), Data: data, RSSI: rssi, SNR: snr}, nil
}

// Packet decodes Data as a hex position packet, the format Send uses.
func (r Received) Packet() (Packet, error) {
	var p Packet
	raw, err := hex.DecodeString(r.Data)
	if err != nil {
		return p, err
	}
	if err := p.UnmarshalBinary(raw); err != nil {
		return p, err
	}
	return p, nil
}

// Modem drives an RYLR896-style AT command LoRa transceiver.
type Modem struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	r       *bufio.Reader
	timeout time.Duration
	logger  *slog.Logger

	// OnReceive, when set, is called for every packet the modem reports,
	// whether it arrives during Listen or between command replies.
	OnReceive func(Received)
}

// NewModem wraps rw. Reads from rw are expected to return (0, io.EOF) or
// (0, nil) when nothing arrived, as a serial port with a read timeout does.
func NewModem(rw io.ReadWriter, timeout time.Duration, logger *slog.Logger) *Modem {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Modem{
		rw:      rw,
		r:       bufio.NewReader(rw),
		timeout: timeout,
		logger:  logger.With("component", "lora-modem"),
	}
}

// OpenSerial opens the modem UART.
func OpenSerial(port string, baud int, logger *slog.Logger) (*Modem, io.Closer, error) {
	options := serial.OpenOptions{
		PortName:              port,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
	rwc, err := serial.Open(options)
	if err != nil {
		return nil, nil, fmt.Errorf("open LoRa serial %s: %w", port, err)
	}
	logger.Info("LoRa serial opened", "port", port, "baud", baud)
	return NewModem(rwc, 2*time.Second, logger), rwc, nil
}

// Send transmits payload to addr and waits for "+OK".
func (m *Modem) Send(ctx context.Context, addr uint16, payload []byte) error {
	data := hex.EncodeToString(payload)
	if len(data) > MaxPayload {
		return &ModemError{Code: ResultTxOverrun}
	}
	return m.command(ctx, fmt.Sprintf("AT+SEND=%d,%d,%s", addr, len(data), data))
}

// Ping checks the modem answers "AT".
func (m *Modem) Ping(ctx context.Context) error {
	return m.command(ctx, "AT")
}

func (m *Modem) command(ctx context.Context, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := io.WriteString(m.rw, cmd+"\r\n"); err != nil {
		return fmt.Errorf("lora write: %w", err)
	}

	deadline := time.Now().Add(m.timeout)
	for {
		line, err := m.readLine(ctx, deadline)
		if err != nil {
			return err
		}
		switch {
		case line == "+OK":
			return nil
		case strings.HasPrefix(line, "+ERR="):
			code, err := strconv.Atoi(strings.TrimPrefix(line, "+ERR="))
			if err != nil {
				return fmt.Errorf("lora: bad error reply %q", line)
			}
			return &ModemError{Code: code}
		case strings.HasPrefix(line, "+RCV="):
			m.received(line)
		default:
			// Unsolicited output such as "+READY".
			m.logger.Debug("ignoring modem line", "line", line)
		}
	}
}

// Listen reports incoming packets until window elapses or ctx ends.
func (m *Modem) Listen(ctx context.Context, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("listening for packets", "window", window)
	deadline := time.Now().Add(window)
	for {
		line, err := m.readLine(ctx, deadline)
		switch {
		case errors.Is(err, ErrResponseTimeout):
			return nil
		case err != nil:
			return err
		case strings.HasPrefix(line, "+RCV="):
			m.received(line)
		default:
			m.logger.Debug("ignoring modem line", "line", line)
		}
	}
}

func (m *Modem) received(line string) {
	rcv, err := ParseReceived(line)
	if err != nil {
		m.logger.Warn("bad receive report", "error", err)
		return
	}

	attrs := []any{"from", rcv.Addr, "data", rcv.Data, "rssi", rcv.RSSI, "snr", rcv.SNR}
	if p, err := rcv.Packet(); err == nil {
		attrs = append(attrs, "lat", p.Latitude(), "lon", p.Longitude())
	}
	m.logger.Info("lora packet received", attrs...)

	if m.OnReceive != nil {
		m.OnReceive(rcv)
	}
}

func (m *Modem) readLine(ctx context.Context, deadline time.Time) (string, error) {
	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrResponseTimeout
		}
		s, err := m.r.ReadString('\n')
		sb.WriteString(s)
		switch {
		case err == nil:
			if line := strings.TrimSpace(sb.String()); line != "" {
				return line, nil
			}
			sb.Reset()
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrNoProgress):
			if s == "" {
				time.Sleep(10 * time.Millisecond)
			}
		default:
			return "", fmt.Errorf("lora read: %w", err)
		}
	}
}
