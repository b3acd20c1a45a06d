package gps

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const rmcScenarioA = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"

func feedString(f *Framer, s string) []string {
	return f.FeedAll([]byte(s))
}

func TestFramer_EmitsSentenceOnLF(t *testing.T) {
	f := NewFramer(nil)

	for _, b := range []byte(rmcScenarioA + "\r") {
		_, ok := f.Feed(b)
		require.False(t, ok, "no sentence before LF")
	}
	s, ok := f.Feed('\n')
	require.True(t, ok)
	assert.Equal(t, rmcScenarioA, s)
}

func TestFramer_BareLFTerminates(t *testing.T) {
	f := NewFramer(nil)
	assert.Equal(t, []string{rmcScenarioA}, feedString(f, rmcScenarioA+"\n"))
}

func TestFramer_IgnoresNoiseBeforeStartMarker(t *testing.T) {
	f := NewFramer(nil)
	got := feedString(f, "\x00\xffgarbage*12\r\n"+rmcScenarioA+"\r\n")
	assert.Equal(t, []string{rmcScenarioA}, got)
}

func TestFramer_BackToBackSentences(t *testing.T) {
	f := NewFramer(nil)
	got := feedString(f, rmcScenarioA+"\r\n"+rmcScenarioA+"\r\n")
	assert.Equal(t, []string{rmcScenarioA, rmcScenarioA}, got)
}

func TestFramer_CleanSentencesReportNoResets(t *testing.T) {
	var reasons []string
	f := NewFramer(nil)
	f.OnReset = func(r string) { reasons = append(reasons, r) }

	got := feedString(f, rmcScenarioA+"\r\n"+rmcScenarioA+"\r\n")
	assert.Len(t, got, 2)
	assert.Empty(t, reasons)
}

func TestFramer_CRWithoutChecksumDiscards(t *testing.T) {
	var reasons []string
	f := NewFramer(nil)
	f.OnReset = func(r string) { reasons = append(reasons, r) }

	got := feedString(f, "$GPRMC,123519,A\r\n")
	assert.Empty(t, got)
	assert.Contains(t, reasons, ReasonNoChecksum)

	// The framer recovers for the next sentence.
	assert.Equal(t, []string{rmcScenarioA}, feedString(f, rmcScenarioA+"\r\n"))
}

func TestFramer_UnexpectedByteWhileTerminating(t *testing.T) {
	var reasons []string
	f := NewFramer(nil)
	f.OnReset = func(r string) { reasons = append(reasons, r) }

	assert.Empty(t, feedString(f, rmcScenarioA+"X\r\n"))
	assert.Contains(t, reasons, ReasonUnexpectedByte)
}

func TestFramer_InvalidUTF8Dropped(t *testing.T) {
	var reasons []string
	f := NewFramer(nil)
	f.OnReset = func(r string) { reasons = append(reasons, r) }

	assert.Empty(t, feedString(f, "$GP\xff\xfe*00\r\n"))
	assert.Contains(t, reasons, ReasonInvalidUTF8)
	assert.Equal(t, stateIdle, f.state)
}

func TestFramer_OverflowResetsToIdle(t *testing.T) {
	var reasons []string
	f := NewFramer(nil)
	f.OnReset = func(r string) { reasons = append(reasons, r) }

	long := "$" + strings.Repeat("A", 3*MaxSentenceLen)
	assert.Empty(t, feedString(f, long))
	assert.Contains(t, reasons, ReasonOverflow)
	assert.Equal(t, stateIdle, f.state)
	assert.LessOrEqual(t, f.cursor, MaxSentenceLen)

	// Tail of the oversized line must not leak into the next sentence.
	got := feedString(f, "*00\r\n"+rmcScenarioA+"\r\n")
	assert.Equal(t, []string{rmcScenarioA}, got)
}

func TestFramer_SentenceAtCapacity(t *testing.T) {
	// '$' + payload + '*' + 2 digits == MaxSentenceLen exactly.
	payload := strings.Repeat("B", MaxSentenceLen-4)
	line := "$" + payload + "*00"
	require.Len(t, line, MaxSentenceLen)

	f := NewFramer(nil)
	assert.Equal(t, []string{line}, feedString(f, line+"\r\n"))
}

func TestFramer_ExternalReset(t *testing.T) {
	f := NewFramer(nil)
	assert.Empty(t, feedString(f, "$GPRMC,1235"))
	f.Reset(ReasonReceiverFault)
	assert.Empty(t, feedString(f, "19,A,4807.038,N*6A\r\n"))
	assert.Equal(t, []string{rmcScenarioA}, feedString(f, rmcScenarioA+"\r\n"))
}

// streamGen mixes valid sentences with arbitrary noise.
func streamGen() *rapid.Generator[[]byte] {
	return rapid.Custom(func(t *rapid.T) []byte {
		parts := rapid.SliceOfN(rapid.OneOf(
			rapid.Just([]byte(rmcScenarioA+"\r\n")),
			rapid.Just([]byte("$GPGGA,,,,*00\n")),
			rapid.SliceOfN(rapid.Byte(), 0, 40),
			rapid.SliceOfN(rapid.SampledFrom([]byte("$*\r\n,A0")), 0, 20),
		), 0, 12).Draw(t, "parts")

		var out []byte
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	})
}

func TestFramer_ChunkingDoesNotMatter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stream := streamGen().Draw(t, "stream")

		whole := NewFramer(nil).FeedAll(stream)

		chunked := NewFramer(nil)
		var got []string
		rest := stream
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			got = append(got, chunked.FeedAll(rest[:n])...)
			rest = rest[n:]
		}

		byteWise := NewFramer(nil)
		var single []string
		for _, b := range stream {
			if s, ok := byteWise.Feed(b); ok {
				single = append(single, s)
			}
		}

		assert.Equal(t, whole, got)
		assert.Equal(t, whole, single)
	})
}

func TestFramer_BoundedForArbitraryInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOf(rapid.Byte()).Draw(t, "in")

		f := NewFramer(nil)
		for _, b := range in {
			s, ok := f.Feed(b)
			if ok {
				assert.LessOrEqual(t, len(s), MaxSentenceLen)
				assert.True(t, strings.HasPrefix(s, "$"))
			}
			assert.LessOrEqual(t, f.cursor, MaxSentenceLen)
		}
	})
}
