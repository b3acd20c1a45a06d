package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoRadio adapts tinygo.org/x/bluetooth (BlueZ on Linux) to Radio.
// The stack's connect and write callbacks are turned into events that the
// lifecycle manager pulls with NextEvent.
type TinyGoRadio struct {
	adapter   *bluetooth.Adapter
	adapterID string
	name      string
	logger    *slog.Logger

	setup        setupOnSuccess
	enabled      bool
	serviceAdded bool
	adv          *bluetooth.Advertisement
	chars        map[Attr]*bluetooth.Characteristic

	connects chan bluetooth.Device

	mu      sync.Mutex
	current *tinyGoConn
}

// NewTinyGoRadio prepares a radio on the given HCI adapter ("hci0" when
// empty). Nothing touches the hardware until the first Advertise.
func NewTinyGoRadio(adapterID, name string, logger *slog.Logger) *TinyGoRadio {
	if adapterID == "" {
		adapterID = "hci0"
	}
	if name == "" {
		name = DefaultLocalName
	}
	r := &TinyGoRadio{
		adapter:   bluetooth.NewAdapter(adapterID),
		adapterID: adapterID,
		name:      name,
		logger:    logger.With("component", "ble-radio", "adapter", adapterID),
		chars:     make(map[Attr]*bluetooth.Characteristic),
		connects:  make(chan bluetooth.Device, 1),
	}
	r.setup.fn = r.configure
	return r
}

// setupOnSuccess runs fn until it succeeds once. A failed attempt is
// repeated on the next call, so a BlueZ daemon that starts late is picked up.
type setupOnSuccess struct {
	mu   sync.Mutex
	done bool
	fn   func() error
}

func (s *setupOnSuccess) run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if err := s.fn(); err != nil {
		return err
	}
	s.done = true
	return nil
}

// configure enables the adapter, registers the GATT service and prepares
// the advertisement. Steps that already succeeded are not repeated.
func (r *TinyGoRadio) configure() error {
	if !r.enabled {
		r.adapter.SetConnectHandler(r.onConnect)
		if err := r.adapter.Enable(); err != nil {
			return fmt.Errorf("ble enable (%s): %w", r.adapterID, err)
		}
		r.enabled = true
	}

	if !r.serviceAdded {
		var status, telemetry, errorLog bluetooth.Characteristic

		errLogValue, _ := ErrorLog{}.MarshalBinary()
		readNotify := bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission

		svc := bluetooth.Service{
			UUID: bluetooth.NewUUID(ServiceUUID),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle:     &status,
					UUID:       bluetooth.NewUUID(StatusUUID),
					Value:      make([]byte, StatusLen),
					Flags:      readNotify,
					WriteEvent: r.writeHandler(AttrStatus),
				},
				{
					Handle:     &telemetry,
					UUID:       bluetooth.NewUUID(TelemetryUUID),
					Value:      EncodeTelemetry(nil),
					Flags:      readNotify,
					WriteEvent: r.writeHandler(AttrTelemetry),
				},
				{
					Handle:     &errorLog,
					UUID:       bluetooth.NewUUID(ErrorLogUUID),
					Value:      errLogValue,
					Flags:      readNotify,
					WriteEvent: r.writeHandler(AttrErrorLog),
				},
			},
		}
		if err := r.adapter.AddService(&svc); err != nil {
			return fmt.Errorf("ble add service: %w", err)
		}
		r.chars[AttrStatus] = &status
		r.chars[AttrTelemetry] = &telemetry
		r.chars[AttrErrorLog] = &errorLog
		r.serviceAdded = true
	}

	adv := r.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    r.name,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.NewUUID(ServiceUUID)},
	}); err != nil {
		return fmt.Errorf("ble configure advertisement: %w", err)
	}
	r.adv = adv
	r.logger.Info("ble service registered", "name", r.name, "service", ServiceUUID.String())
	return nil
}

// Advertise implements Radio.
func (r *TinyGoRadio) Advertise(ctx context.Context) (Conn, error) {
	if err := r.setup.run(); err != nil {
		return nil, err
	}
	if err := r.adv.Start(); err != nil {
		return nil, fmt.Errorf("ble start advertising: %w", err)
	}
	defer func() {
		if err := r.adv.Stop(); err != nil {
			r.logger.Debug("stop advertising", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dev := <-r.connects:
		c := &tinyGoConn{
			radio:  r,
			device: dev,
			events: make(chan Event, 16),
			done:   make(chan struct{}),
		}
		r.mu.Lock()
		r.current = c
		r.mu.Unlock()
		return c, nil
	}
}

func (r *TinyGoRadio) onConnect(device bluetooth.Device, connected bool) {
	if connected {
		select {
		case r.connects <- device:
		default:
			r.logger.Warn("dropping connect, previous one not consumed", "device", device.Address.String())
		}
		return
	}

	r.mu.Lock()
	c := r.current
	r.current = nil
	r.mu.Unlock()
	if c != nil {
		c.push(NewEvent(EventDisconnected, AttrUnknown, nil, nil))
	}
}

func (r *TinyGoRadio) writeHandler(attr Attr) func(bluetooth.Connection, int, []byte) {
	return func(_ bluetooth.Connection, offset int, value []byte) {
		r.mu.Lock()
		c := r.current
		r.mu.Unlock()
		if c == nil || offset != 0 {
			return
		}
		// BlueZ acknowledges writes itself, so Reply has nothing to do.
		c.push(NewEvent(EventWrite, attr, append([]byte(nil), value...), nil))
	}
}

type tinyGoConn struct {
	radio  *TinyGoRadio
	device bluetooth.Device
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func (c *tinyGoConn) push(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.radio.logger.Warn("event queue full, dropping", "kind", ev.Kind)
	}
}

func (c *tinyGoConn) NextEvent(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.done:
		return Event{}, ErrDisconnected
	case ev := <-c.events:
		return ev, nil
	}
}

// Notify writes the characteristic value, which BlueZ forwards to
// subscribed centrals.
func (c *tinyGoConn) Notify(ctx context.Context, attr Attr, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}
	ch, ok := c.radio.chars[attr]
	if !ok {
		return fmt.Errorf("ble: no characteristic for %s", attr)
	}
	if _, err := ch.Write(value); err != nil {
		return fmt.Errorf("ble notify %s: %w", attr, err)
	}
	return nil
}

// RSSI is not exposed for the peripheral role by BlueZ.
func (c *tinyGoConn) RSSI() (int8, bool) { return 0, false }

func (c *tinyGoConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.radio.mu.Lock()
		if c.radio.current == c {
			c.radio.current = nil
		}
		c.radio.mu.Unlock()
		err = c.device.Disconnect()
	})
	return err
}
