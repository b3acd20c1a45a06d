package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/smallblackbox/internal/gps"
	"github.com/relabs-tech/smallblackbox/internal/logging"
	"github.com/relabs-tech/smallblackbox/internal/watch"
)

type notification struct {
	attr  Attr
	value []byte
}

// fakeConn is driven by the test through its events channel.
type fakeConn struct {
	events    chan Event
	rssi      int8
	hasRSSI   bool
	notifyErr error

	mu       sync.Mutex
	notifies []notification
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 8)}
}

func (c *fakeConn) NextEvent(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, errors.New("event stream closed")
		}
		return ev, nil
	}
}

func (c *fakeConn) Notify(ctx context.Context, attr Attr, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return c.notifyErr
	}
	c.notifies = append(c.notifies, notification{attr: attr, value: append([]byte(nil), value...)})
	return nil
}

func (c *fakeConn) RSSI() (int8, bool) { return c.rssi, c.hasRSSI }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) notifications(attr Attr) []notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notification
	for _, n := range c.notifies {
		if n.attr == attr {
			out = append(out, n)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type advertiseResult struct {
	conn Conn
	err  error
}

// fakeRadio hands out scripted results, then blocks.
type fakeRadio struct {
	results chan advertiseResult
	calls   chan time.Time
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		results: make(chan advertiseResult, 8),
		calls:   make(chan time.Time, 32),
	}
}

func (r *fakeRadio) Advertise(ctx context.Context) (Conn, error) {
	r.calls <- time.Now()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-r.results:
		return res.conn, res.err
	}
}

func testConfig() Config {
	return Config{NotifyInterval: 5 * time.Millisecond, RetryDelay: 30 * time.Millisecond}
}

func startManager(t *testing.T, radio Radio, fixes *watch.Channel[*gps.Fix]) (*Manager, *watch.Channel[State]) {
	t.Helper()
	states := watch.New[State]()
	m := NewManager(radio, states, fixes, testConfig(), logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, states
}

func nextState(t *testing.T, sub *watch.Receiver[State]) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := sub.Changed(ctx)
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestManager_ConnectThenDisconnect(t *testing.T) {
	radio := newFakeRadio()
	conn := newFakeConn()
	conn.rssi, conn.hasRSSI = -61, true

	_, states := startManager(t, radio, nil)
	sub := states.Subscribe()

	assert.Equal(t, Disconnected(), nextState(t, sub))

	<-radio.calls
	radio.results <- advertiseResult{conn: conn}
	connected := nextState(t, sub)
	require.True(t, connected.Connected)
	require.NotNil(t, connected.RSSI)
	assert.Equal(t, int8(-61), *connected.RSSI)

	// Let the telemetry task tick a few times.
	waitFor(t, func() bool { return len(conn.notifications(AttrStatus)) >= 3 })

	conn.events <- NewEvent(EventDisconnected, AttrUnknown, nil, nil)
	assert.Equal(t, Disconnected(), nextState(t, sub))
	waitFor(t, conn.isClosed)

	// The telemetry task was cancelled with the connection.
	settled := len(conn.notifications(AttrStatus))
	time.Sleep(10 * testConfig().NotifyInterval)
	assert.Equal(t, settled, len(conn.notifications(AttrStatus)))

	// Straight back to advertising after a clean disconnect.
	select {
	case <-radio.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("did not re-advertise")
	}
}

func TestManager_StatusCounterIncrements(t *testing.T) {
	radio := newFakeRadio()
	conn := newFakeConn()
	_, states := startManager(t, radio, nil)
	sub := states.Subscribe()
	nextState(t, sub)

	radio.results <- advertiseResult{conn: conn}
	waitFor(t, func() bool { return len(conn.notifications(AttrStatus)) >= 4 })

	got := conn.notifications(AttrStatus)
	for i, n := range got[:4] {
		require.Len(t, n.value, StatusLen)
		assert.Equal(t, byte(i+1), n.value[0])
	}
}

func TestManager_NotifyFailureEndsConnection(t *testing.T) {
	radio := newFakeRadio()
	conn := newFakeConn()
	conn.notifyErr = errors.New("link lost")

	_, states := startManager(t, radio, nil)
	sub := states.Subscribe()
	nextState(t, sub)

	radio.results <- advertiseResult{conn: conn}
	s := nextState(t, sub)
	if s.Connected {
		s = nextState(t, sub)
	}
	assert.False(t, s.Connected)
	waitFor(t, conn.isClosed)
}

func TestManager_AdvertiseFailureRetriesAfterDelay(t *testing.T) {
	radio := newFakeRadio()
	_, states := startManager(t, radio, nil)

	first := <-radio.calls
	radio.results <- advertiseResult{err: errors.New("controller busy")}

	var second time.Time
	select {
	case second = <-radio.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("did not retry advertising")
	}
	assert.GreaterOrEqual(t, second.Sub(first), testConfig().RetryDelay)

	s, ok := states.Get()
	require.True(t, ok)
	assert.False(t, s.Connected)
}

func TestManager_EveryRequestAnsweredOnce(t *testing.T) {
	radio := newFakeRadio()
	conn := newFakeConn()
	m, states := startManager(t, radio, nil)
	sub := states.Subscribe()
	nextState(t, sub)

	radio.results <- advertiseResult{conn: conn}
	require.True(t, nextState(t, sub).Connected)

	var mu sync.Mutex
	replies := map[string][][]byte{}
	reply := func(name string) func([]byte) error {
		return func(v []byte) error {
			mu.Lock()
			replies[name] = append(replies[name], v)
			mu.Unlock()
			return nil
		}
	}

	conn.events <- NewEvent(EventRead, AttrErrorLog, nil, reply("read-errlog"))
	conn.events <- NewEvent(EventRead, AttrUnknown, nil, reply("read-unknown"))
	conn.events <- NewEvent(EventWrite, AttrStatus, []byte{0x42}, reply("write-status"))
	conn.events <- NewEvent(EventWrite, AttrUnknown, []byte{0x01}, reply("write-unknown"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 4
	})

	mu.Lock()
	for name, r := range replies {
		assert.Len(t, r, 1, name)
	}
	assert.Len(t, replies["read-errlog"][0], ErrorLogLen)
	assert.Nil(t, replies["read-unknown"][0])
	mu.Unlock()

	written, ok := m.LastWritten(AttrStatus)
	require.True(t, ok)
	assert.Equal(t, []byte{0x42}, written)
}

func TestManager_TelemetryCarriesFix(t *testing.T) {
	radio := newFakeRadio()
	conn := newFakeConn()
	fixes := watch.New[*gps.Fix]()
	speed := 12.5
	fixes.Send(&gps.Fix{Latitude: 48.1, Longitude: 11.5, Speed: &speed})

	_, states := startManager(t, radio, fixes)
	sub := states.Subscribe()
	nextState(t, sub)

	radio.results <- advertiseResult{conn: conn}
	waitFor(t, func() bool { return len(conn.notifications(AttrTelemetry)) >= 1 })

	n := conn.notifications(AttrTelemetry)[0]
	assert.Equal(t, EncodeTelemetry(&gps.Fix{Latitude: 48.1, Longitude: 11.5, Speed: &speed}), n.value)

	// Unchanged fix is not re-sent every tick.
	waitFor(t, func() bool { return len(conn.notifications(AttrStatus)) >= 5 })
	assert.Len(t, conn.notifications(AttrTelemetry), 1)
}

func TestManager_EventStreamErrorEndsConnection(t *testing.T) {
	radio := newFakeRadio()
	conn := newFakeConn()
	m, states := startManager(t, radio, nil)
	sub := states.Subscribe()
	nextState(t, sub)

	radio.results <- advertiseResult{conn: conn}
	require.True(t, nextState(t, sub).Connected)

	close(conn.events)
	assert.False(t, nextState(t, sub).Connected)

	errLog, ok := m.Value(AttrErrorLog)
	require.True(t, ok)
	assert.Equal(t, byte(ErrorEventStream), errLog[6])
}
