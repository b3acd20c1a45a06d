package app

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

// Screen shows a page of text lines, top to bottom.
type Screen interface {
	Show(lines []string) error
}

const (
	screenWidth  = 128
	screenHeight = 64
	lineHeight   = 16
)

// minRedrawGap keeps a burst of state changes from hammering the I2C bus.
const minRedrawGap = 50 * time.Millisecond

// redrawRetry is how soon a failed screen write is tried again.
const redrawRetry = 500 * time.Millisecond

// Display keeps the status screen in sync with the connectivity and
// position channels.
type Display struct {
	screen       Screen
	states       *watch.Channel[ble.State]
	fixes        *watch.Channel[*gps.Fix]
	forceRefresh time.Duration
	logger       *slog.Logger
	now          func() time.Time

	connected  bool
	fix        *gps.Fix
	lastUpdate time.Time
	dirty      bool
}

func NewDisplay(screen Screen, states *watch.Channel[ble.State], fixes *watch.Channel[*gps.Fix], forceRefresh time.Duration, logger *slog.Logger) *Display {
	if forceRefresh <= 0 {
		forceRefresh = 30 * time.Second
	}
	return &Display{
		screen:       screen,
		states:       states,
		fixes:        fixes,
		forceRefresh: forceRefresh,
		logger:       logger.With("component", "display"),
		now:          time.Now,
	}
}

// Run redraws whenever the shown connectivity or position actually
// changes, and unconditionally every forceRefresh.
func (d *Display) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	changed := make(chan struct{}, 1)
	g.Go(func() error { return forward(ctx, d.states.Subscribe(), changed) })
	g.Go(func() error { return forward(ctx, d.fixes.Subscribe(), changed) })
	g.Go(func() error { return d.loop(ctx, changed) })
	return g.Wait()
}

// forward turns every change on rx into a coalesced wake-up on out.
func forward[T any](ctx context.Context, rx *watch.Receiver[T], out chan<- struct{}) error {
	for {
		if _, err := rx.Changed(ctx); err != nil {
			return err
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}

func (d *Display) loop(ctx context.Context, changed <-chan struct{}) error {
	d.dirty = true

	timer := time.NewTimer(d.forceRefresh)
	defer timer.Stop()

	for {
		if d.dirty && d.redraw() {
			resetTimer(timer, d.forceRefresh)
		}

		var retry <-chan time.Time
		if d.dirty {
			retry = time.After(redrawRetry)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-changed:
			d.observe()

		case <-timer.C:
			d.logger.Debug("forced display refresh")
			d.dirty = true
			timer.Reset(d.forceRefresh)

		case <-retry:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(minRedrawGap):
		}
	}
}

// observe pulls the latest values and marks the screen dirty if anything
// shown on it differs.
func (d *Display) observe() {
	if s, ok := d.states.Get(); ok && s.Connected != d.connected {
		d.logger.Info("BLE connection status changed", "connected", s.Connected)
		d.connected = s.Connected
		d.dirty = true
	}
	if fix, ok := d.fixes.Get(); ok && !d.fix.Equal(fix) {
		d.logger.Debug("position updated", "fix", fix)
		d.fix = fix
		d.dirty = true
	}
}

// redraw shows the current lines. The screen stays dirty until a write
// succeeds.
func (d *Display) redraw() bool {
	if err := d.screen.Show(d.lines()); err != nil {
		d.logger.Error("display update failed", "error", err)
		return false
	}
	d.lastUpdate = d.now()
	d.dirty = false
	return true
}

func (d *Display) lines() []string {
	mark := " "
	if d.connected {
		mark = "X"
	}
	lines := []string{fmt.Sprintf("[%s] BLE", mark)}

	if d.fix != nil {
		lines = append(lines,
			fmt.Sprintf("%.6f", d.fix.Latitude),
			fmt.Sprintf("%.6f", d.fix.Longitude))
	} else {
		lines = append(lines, "No GPS fix", "")
	}

	if !d.lastUpdate.IsZero() {
		lines = append(lines, fmt.Sprintf("Updated: %dms ago", d.now().Sub(d.lastUpdate).Milliseconds()))
	}
	return lines
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// SSD1306Screen drives a 128x64 SSD1306 OLED over I2C.
type SSD1306Screen struct {
	bus i2c.BusCloser
	dev *ssd1306.Dev
}

// OpenSSD1306 initializes periph, opens the default I2C bus and shows
// the splash page. The driver always talks to the panel at 0x3C.
func OpenSSD1306(logger *slog.Logger) (*SSD1306Screen, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to initialize display: %w", err)
	}
	logger.Info("display initialized", "bus", bus.String())

	s := &SSD1306Screen{bus: bus, dev: dev}
	if err := s.Show([]string{"Small Black Box", "Looking for", "sats"}); err != nil {
		logger.Warn("error showing splash", "error", err)
	}
	return s, nil
}

func (s *SSD1306Screen) Show(lines []string) error {
	img := renderLines(lines)
	return s.dev.Draw(s.dev.Bounds(), img, image.Point{})
}

func (s *SSD1306Screen) Close() error {
	if err := s.dev.Halt(); err != nil {
		s.bus.Close()
		return err
	}
	return s.bus.Close()
}

// renderLines draws up to four lines in the 7x13 font, one per 16px row.
// Text running past the right edge is clipped.
func renderLines(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, screenWidth, screenHeight))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}

	for i, line := range lines {
		if i >= screenHeight/lineHeight {
			break
		}
		drawer.Dot = fixed.P(0, i*lineHeight+basicfont.Face7x13.Ascent)
		drawer.DrawString(line)
	}
	return img
}
