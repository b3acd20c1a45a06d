// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package watch implements a latest-value broadcast channel.
//
// A Channel holds exactly one value plus a generation counter. Writers
// overwrite the value and never block; readers subscribe and are woken
// whenever the generation moves past what they last observed. Readers that
// fall behind skip straight to the newest value, which is what "current
// status" data (connectivity, position) wants.
package watch

import (
	"context"
	"sync"
)

// Channel is a multi-reader, latest-value broadcast primitive.
// The zero value is not usable; create channels with New.
type Channel[T any] struct {
	mu     sync.Mutex
	value  T
	gen    uint64
	notify chan struct{} // closed and replaced on every Send
}

// New returns an empty channel. Until the first Send, receivers see
// "no value yet".
func New[T any]() *Channel[T] {
	return &Channel[T]{notify: make(chan struct{})}
}

// Send overwrites the current value and wakes every waiting receiver.
// Readers get v itself, so pointer values must not be mutated after Send.
func (c *Channel[T]) Send(v T) {
	c.mu.Lock()
	c.value = v
	c.gen++
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Get returns the latest value and whether anything was ever sent.
func (c *Channel[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.gen > 0
}

// Generation returns the number of values sent so far.
func (c *Channel[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Subscribe creates an independent receiver. If a value is already
// present, the receiver's first Changed call returns it immediately.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	return &Receiver[T]{ch: c}
}

// Receiver tracks what one reader has observed. A Receiver belongs to a
// single goroutine; concurrent readers each subscribe their own.
type Receiver[T any] struct {
	ch   *Channel[T]
	seen uint64
}

// Changed blocks until a value newer than the last one this receiver
// observed is available, then returns it. It returns ctx.Err() if the
// context ends first.
func (r *Receiver[T]) Changed(ctx context.Context) (T, error) {
	for {
		r.ch.mu.Lock()
		if r.ch.gen > r.seen {
			r.seen = r.ch.gen
			v := r.ch.value
			r.ch.mu.Unlock()
			return v, nil
		}
		wait := r.ch.notify
		r.ch.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryGet returns the latest value without consuming the change signal.
func (r *Receiver[T]) TryGet() (T, bool) {
	return r.ch.Get()
}
