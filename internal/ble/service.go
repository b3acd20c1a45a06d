package ble

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/relabs-tech/smallblackbox/internal/gps"
)

// GATT layout of the device service.
var (
	ServiceUUID      = uuid.MustParse("17ada41d-b564-4a77-ad1a-22cf554002fc")
	StatusUUID       = uuid.MustParse("17a8a05b-5da4-44ae-82a5-6d660b08cf13")
	ErrorLogUUID     = uuid.MustParse("17a8a05b-5da4-44ae-82a5-6d660b08cf14")
	TelemetryUUID    = uuid.MustParse("17a8a05b-5da4-44ae-82a5-6d660b08cf15")
	DefaultLocalName = "Small Black Box"
)

// Attr identifies a characteristic of the device service.
type Attr uint8

const (
	AttrUnknown Attr = iota
	AttrStatus
	AttrTelemetry
	AttrErrorLog
)

// Payload sizes.
const (
	StatusLen    = 1
	TelemetryLen = 24
	ErrorLogLen  = 7
)

func (a Attr) String() string {
	switch a {
	case AttrStatus:
		return "status"
	case AttrTelemetry:
		return "telemetry"
	case AttrErrorLog:
		return "error_log"
	default:
		return "unknown"
	}
}

// UUID returns the characteristic UUID, or uuid.Nil for AttrUnknown.
func (a Attr) UUID() uuid.UUID {
	switch a {
	case AttrStatus:
		return StatusUUID
	case AttrTelemetry:
		return TelemetryUUID
	case AttrErrorLog:
		return ErrorLogUUID
	default:
		return uuid.Nil
	}
}

// AttrFromUUID maps a characteristic UUID back to its Attr.
func AttrFromUUID(id uuid.UUID) Attr {
	for _, a := range []Attr{AttrStatus, AttrTelemetry, AttrErrorLog} {
		if a.UUID() == id {
			return a
		}
	}
	return AttrUnknown
}

// EncodeTelemetry packs a fix as lat f64, lon f64, speed f32, heading f32,
// all little endian. Absent values, or a nil fix, encode as NaN.
func EncodeTelemetry(fix *gps.Fix) []byte {
	buf := make([]byte, TelemetryLen)
	lat, lon := math.NaN(), math.NaN()
	speed, heading := float32(math.NaN()), float32(math.NaN())
	if fix != nil {
		lat, lon = fix.Latitude, fix.Longitude
		if fix.Speed != nil {
			speed = float32(*fix.Speed)
		}
		if fix.Heading != nil {
			heading = float32(*fix.Heading)
		}
	}
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(lat))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(lon))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(speed))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(heading))
	return buf
}

// ErrorCode is the last failure recorded in the error log characteristic.
type ErrorCode uint8

const (
	ErrorNone ErrorCode = iota
	ErrorAdvertise
	ErrorNotify
	ErrorEventStream
)

// ErrorLog counts link failures since boot. It is served as 7 bytes:
// advertise failures u16, notify failures u16, event stream failures u16
// (little endian, saturating), last error code u8.
type ErrorLog struct {
	AdvertiseFailures uint16
	NotifyFailures    uint16
	EventFailures     uint16
	Last              ErrorCode
}

func (l ErrorLog) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ErrorLogLen)
	binary.LittleEndian.PutUint16(buf[0:2], l.AdvertiseFailures)
	binary.LittleEndian.PutUint16(buf[2:4], l.NotifyFailures)
	binary.LittleEndian.PutUint16(buf[4:6], l.EventFailures)
	buf[6] = byte(l.Last)
	return buf, nil
}

// attributeTable holds the current value of every characteristic plus the
// last value a central wrote to each.
type attributeTable struct {
	mu      sync.Mutex
	values  map[Attr][]byte
	written map[Attr][]byte
	log     ErrorLog
}

func newAttributeTable() *attributeTable {
	t := &attributeTable{
		values: map[Attr][]byte{
			AttrStatus:    make([]byte, StatusLen),
			AttrTelemetry: EncodeTelemetry(nil),
		},
		written: make(map[Attr][]byte),
	}
	t.values[AttrErrorLog], _ = t.log.MarshalBinary()
	return t
}

func (t *attributeTable) get(a Attr) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[a]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (t *attributeTable) set(a Attr, v []byte) {
	t.mu.Lock()
	t.values[a] = append([]byte(nil), v...)
	t.mu.Unlock()
}

func (t *attributeTable) recordWrite(a Attr, v []byte) {
	t.mu.Lock()
	t.written[a] = append([]byte(nil), v...)
	t.mu.Unlock()
}

func (t *attributeTable) lastWritten(a Attr) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.written[a]
	return v, ok
}

// recordError bumps the matching counter and refreshes the error log value.
func (t *attributeTable) recordError(code ErrorCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch code {
	case ErrorAdvertise:
		saturatingInc(&t.log.AdvertiseFailures)
	case ErrorNotify:
		saturatingInc(&t.log.NotifyFailures)
	case ErrorEventStream:
		saturatingInc(&t.log.EventFailures)
	}
	t.log.Last = code
	t.values[AttrErrorLog], _ = t.log.MarshalBinary()
}

func saturatingInc(n *uint16) {
	if *n < math.MaxUint16 {
		*n++
	}
}
