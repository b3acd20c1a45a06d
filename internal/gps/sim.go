// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"context"
	"fmt"
	"math"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// SimOptions shapes the synthetic track.
type SimOptions struct {
	CenterLat  float64
	CenterLon  float64
	RadiusDeg  float64       // radius of the circular track
	Period     time.Duration // time for one full lap
	Interval   time.Duration // one RMC sentence per interval
	SpeedKnots float64
}

// DefaultSimOptions circles a small loop once every ten minutes.
func DefaultSimOptions() SimOptions {
	return SimOptions{
		CenterLat:  48.1173,
		CenterLon:  11.5167,
		RadiusDeg:  0.01,
		Period:     10 * time.Minute,
		Interval:   time.Second,
		SpeedKnots: 5.5,
	}
}

// SimReceiver is a Receiver that emits valid RMC sentences along a
// circular track. It lets the whole pipeline run on a bench without a
// receiver attached.
type SimReceiver struct {
	opts    SimOptions
	start   time.Time
	next    time.Time
	pending []byte
}

// simPoll caps how long a single Read waits before reporting ErrTransient.
const simPoll = 100 * time.Millisecond

// NewSimReceiver creates a simulated receiver starting now.
func NewSimReceiver(opts SimOptions) *SimReceiver {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Period <= 0 {
		opts.Period = 10 * time.Minute
	}
	now := time.Now()
	return &SimReceiver{opts: opts, start: now, next: now}
}

// Read implements Receiver.
func (s *SimReceiver) Read(ctx context.Context, p []byte) (int, error) {
	if len(s.pending) == 0 {
		if wait := time.Until(s.next); wait > 0 {
			timer := time.NewTimer(min(wait, simPoll))
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-timer.C:
			}
			if time.Now().Before(s.next) {
				return 0, ErrTransient
			}
		}
		now := time.Now()
		s.pending = []byte(FormatRMC(s.position(now)) + "\r\n")
		s.next = now.Add(s.opts.Interval)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Drain implements Receiver.
func (s *SimReceiver) Drain() error {
	s.pending = nil
	return nil
}

// Close implements Receiver.
func (s *SimReceiver) Close() error { return nil }

func (s *SimReceiver) position(now time.Time) Fix {
	elapsed := now.Sub(s.start).Seconds()
	angle := 2 * math.Pi * elapsed / s.opts.Period.Seconds()

	speed := s.opts.SpeedKnots
	// Counter-clockwise lap: the compass bearing is the negated polar angle.
	heading := math.Mod(-angle*180/math.Pi, 360)
	if heading < 0 {
		heading += 360
	}

	return Fix{
		Time:      now.UTC(),
		Latitude:  s.opts.CenterLat + s.opts.RadiusDeg*math.Sin(angle),
		Longitude: s.opts.CenterLon + s.opts.RadiusDeg*math.Cos(angle),
		Speed:     &speed,
		Heading:   &heading,
	}
}

// FormatRMC renders f as a valid RMC sentence (status A, talker GP)
// without the trailing CR/LF.
func FormatRMC(f Fix) string {
	t := f.Time.UTC()
	lat, ns := nmeaCoordinate(f.Latitude, 2, nmea.North, nmea.South)
	lon, ew := nmeaCoordinate(f.Longitude, 3, nmea.East, nmea.West)

	body := fmt.Sprintf("GP%s,%02d%02d%02d.%02d,%s,%s,%s,%s,%s,%s,%s,%02d%02d%02d,,,A",
		nmea.TypeRMC,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(10*time.Millisecond),
		nmea.ValidRMC,
		lat, ns, lon, ew,
		optional(f.Speed, 1), optional(f.Heading, 1),
		t.Day(), int(t.Month()), t.Year()%100,
	)
	return "$" + body + "*" + nmea.Checksum(body)
}

// nmeaCoordinate formats signed degrees as ddmm.mmmm (or dddmm.mmmm).
func nmeaCoordinate(v float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	minutes := math.Round((v-deg)*60*1e4) / 1e4
	if minutes >= 60 {
		deg++
		minutes -= 60
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(deg), minutes), hemi
}

func optional(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.*f", prec, *v)
}
