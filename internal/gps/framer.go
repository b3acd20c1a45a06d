// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"log/slog"
	"unicode/utf8"
)

// MaxSentenceLen is the largest sentence the framer will buffer, including
// the leading '$' and the two checksum digits. NMEA 0183 caps sentences at
// 82 characters; the extra room tolerates chatty receivers.
const MaxSentenceLen = 128

// Reset reasons. They are only reported, never acted on.
const (
	ReasonStartMarker    = "start marker"
	ReasonNoChecksum     = "terminated without checksum"
	ReasonOverflow       = "buffer overflow"
	ReasonUnexpectedByte = "unexpected byte while terminating"
	ReasonInvalidUTF8    = "invalid utf-8"
	ReasonConsumed       = "sentence consumed"
	ReasonReceiverFault  = "receiver fault"
)

type parseState int

const (
	stateIdle parseState = iota
	stateCollecting
	stateInChecksum
	stateTerminating
	stateComplete
)

func (s parseState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCollecting:
		return "collecting"
	case stateInChecksum:
		return "checksum"
	case stateTerminating:
		return "terminating"
	case stateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Framer recovers NMEA sentences from a byte stream one byte at a time.
// It never allocates while collecting and never buffers more than
// MaxSentenceLen bytes. A Framer is not safe for concurrent use.
type Framer struct {
	buf    [MaxSentenceLen]byte
	cursor int
	state  parseState
	digits int // checksum digits seen while in stateInChecksum

	logger *slog.Logger

	// OnReset, when set, is called with the reason of every reset that
	// discards data. The routine resets around a clean sentence are not
	// reported.
	OnReset func(reason string)
}

// NewFramer returns an idle framer. logger may be nil.
func NewFramer(logger *slog.Logger) *Framer {
	return &Framer{logger: logger}
}

// Reset discards any partial sentence and returns to idle.
func (f *Framer) Reset(reason string) {
	if reason != ReasonConsumed && reason != ReasonStartMarker {
		if f.logger != nil {
			f.logger.Debug("framer reset", "reason", reason, "state", f.state.String(), "buffered", f.cursor)
		}
		if f.OnReset != nil {
			f.OnReset(reason)
		}
	}
	f.cursor = 0
	f.digits = 0
	f.state = stateIdle
}

// Feed advances the state machine by one byte. It returns the sentence
// (without CR/LF) exactly when the terminating LF is seen.
func (f *Framer) Feed(b byte) (string, bool) {
	if f.state == stateComplete {
		f.Reset(ReasonConsumed)
	}

	switch f.state {
	case stateIdle:
		if b == '$' {
			f.Reset(ReasonStartMarker)
			f.push(b)
			f.state = stateCollecting
		}
		return "", false

	case stateCollecting:
		switch b {
		case '\n':
			return "", false
		case '\r':
			f.Reset(ReasonNoChecksum)
			return "", false
		case '*':
			if f.push(b) {
				f.state = stateInChecksum
				f.digits = 0
			}
			return "", false
		default:
			f.push(b)
			return "", false
		}

	case stateInChecksum:
		if !f.push(b) {
			return "", false
		}
		f.digits++
		if f.digits == 2 {
			f.state = stateTerminating
		}
		return "", false

	case stateTerminating:
		switch b {
		case '\r':
			return "", false
		case '\n':
			raw := f.buf[:f.cursor]
			if !utf8.Valid(raw) {
				f.Reset(ReasonInvalidUTF8)
				return "", false
			}
			f.state = stateComplete
			return string(raw), true
		default:
			f.Reset(ReasonUnexpectedByte)
			return "", false
		}
	}

	return "", false
}

// FeedAll feeds every byte of p and returns the sentences completed along
// the way, in order.
func (f *Framer) FeedAll(p []byte) []string {
	var out []string
	for _, b := range p {
		if s, ok := f.Feed(b); ok {
			out = append(out, s)
		}
	}
	return out
}

// push appends b, resetting on overflow. It reports whether b was kept.
func (f *Framer) push(b byte) bool {
	if f.cursor >= len(f.buf) {
		f.Reset(ReasonOverflow)
		return false
	}
	f.buf[f.cursor] = b
	f.cursor++
	return true
}
