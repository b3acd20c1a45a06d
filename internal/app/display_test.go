package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/smallblackbox/internal/ble"
	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/logging"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

type fakeScreen struct {
	mu     sync.Mutex
	frames [][]string
	err    error
}

func (s *fakeScreen) Show(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]string(nil), lines...))
	return nil
}

func (s *fakeScreen) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeScreen) last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func startDisplay(t *testing.T, screen Screen, forceRefresh time.Duration) (*watch.Channel[ble.State], *watch.Channel[*gps.Fix]) {
	t.Helper()
	states := watch.New[ble.State]()
	fixes := watch.New[*gps.Fix]()
	d := NewDisplay(screen, states, fixes, forceRefresh, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return states, fixes
}

func TestDisplay_InitialFrame(t *testing.T) {
	screen := &fakeScreen{}
	startDisplay(t, screen, time.Hour)

	require.Eventually(t, func() bool { return screen.count() >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"[ ] BLE", "No GPS fix", ""}, screen.last())
}

func TestDisplay_RedrawsOnChange(t *testing.T) {
	screen := &fakeScreen{}
	states, fixes := startDisplay(t, screen, time.Hour)
	require.Eventually(t, func() bool { return screen.count() == 1 }, 2*time.Second, time.Millisecond)

	states.Send(ble.State{Connected: true})
	require.Eventually(t, func() bool { return screen.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "[X] BLE", screen.last()[0])

	fixes.Send(&gps.Fix{Latitude: 48.1173, Longitude: -11.5167})
	require.Eventually(t, func() bool { return screen.count() == 3 }, 2*time.Second, time.Millisecond)
	frame := screen.last()
	assert.Equal(t, "48.117300", frame[1])
	assert.Equal(t, "-11.516700", frame[2])
	require.Len(t, frame, 4)
	assert.Regexp(t, `^Updated: \d+ms ago$`, frame[3])
}

func TestDisplay_IgnoresUnchangedValues(t *testing.T) {
	screen := &fakeScreen{}
	states, fixes := startDisplay(t, screen, time.Hour)
	require.Eventually(t, func() bool { return screen.count() == 1 }, 2*time.Second, time.Millisecond)

	// Same connectivity, a different RSSI, and "still no fix".
	rssi := int8(-70)
	states.Send(ble.Disconnected())
	states.Send(ble.State{RSSI: &rssi})
	fixes.Send(nil)

	time.Sleep(10 * minRedrawGap)
	assert.Equal(t, 1, screen.count())
}

func TestDisplay_ForcedRefresh(t *testing.T) {
	screen := &fakeScreen{}
	startDisplay(t, screen, 20*time.Millisecond)

	require.Eventually(t, func() bool { return screen.count() >= 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "[ ] BLE", screen.last()[0])
}

func TestDisplay_RetriesFailedRedraw(t *testing.T) {
	screen := &fakeScreen{err: errors.New("i2c nack")}
	states, _ := startDisplay(t, screen, time.Hour)

	states.Send(ble.State{Connected: true})
	time.Sleep(5 * minRedrawGap)
	assert.Zero(t, screen.count())

	screen.mu.Lock()
	screen.err = nil
	screen.mu.Unlock()

	// No further change arrives; the pending frame is still drawn.
	require.Eventually(t, func() bool { return screen.count() >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "[X] BLE", screen.last()[0])
}

func TestRenderLines_DrawsText(t *testing.T) {
	img := renderLines([]string{"[X] BLE", "No GPS fix", "", "Updated: 12ms ago", "dropped"})

	lit := func(y0, y1 int) int {
		n := 0
		for y := y0; y < y1; y++ {
			for x := 0; x < screenWidth; x++ {
				if img.BitAt(x, y) {
					n++
				}
			}
		}
		return n
	}
	assert.Positive(t, lit(0, lineHeight))
	assert.Positive(t, lit(lineHeight, 2*lineHeight))
	assert.Zero(t, lit(2*lineHeight, 3*lineHeight))
	assert.Positive(t, lit(3*lineHeight, 4*lineHeight))
}
