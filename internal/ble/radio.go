// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ble

import (
	"context"
	"errors"
)

// ErrDisconnected is returned by connection operations once the central has
// gone away.
var ErrDisconnected = errors.New("ble: central disconnected")

// Radio is the peripheral side of the BLE stack.
type Radio interface {
	// Advertise blocks until a central connects or advertising fails.
	Advertise(ctx context.Context) (Conn, error)
}

// Conn is one accepted central. Operations must honour ctx.
type Conn interface {
	// NextEvent blocks until the central does something.
	NextEvent(ctx context.Context) (Event, error)
	// Notify pushes value to the central for attr.
	Notify(ctx context.Context, attr Attr, value []byte) error
	// RSSI returns the link signal strength if the stack exposes it.
	RSSI() (int8, bool)
	Close() error
}

// EventKind classifies connection events.
type EventKind int

const (
	EventDisconnected EventKind = iota
	EventRead
	EventWrite
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Event is a single GATT event. Read and write events must be answered
// with exactly one Reply.
type Event struct {
	Kind  EventKind
	Attr  Attr
	Value []byte // written bytes for EventWrite

	reply func([]byte) error
}

// NewEvent builds an event whose Reply calls reply. reply may be nil for
// stacks that acknowledge on their own.
func NewEvent(kind EventKind, attr Attr, value []byte, reply func([]byte) error) Event {
	return Event{Kind: kind, Attr: attr, Value: value, reply: reply}
}

// Reply acknowledges the event. For reads, value is the response payload.
func (e Event) Reply(value []byte) error {
	if e.reply == nil {
		return nil
	}
	return e.reply(value)
}
