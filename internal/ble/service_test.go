package ble

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/smallblackbox/internal/gps"
)

func TestEncodeTelemetry_Layout(t *testing.T) {
	heading := 270.5
	buf := EncodeTelemetry(&gps.Fix{Latitude: -33.85, Longitude: 151.2, Heading: &heading})
	require.Len(t, buf, TelemetryLen)

	assert.Equal(t, -33.85, math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8])))
	assert.Equal(t, 151.2, math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])))
	assert.True(t, math.IsNaN(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[16:20])))))
	assert.Equal(t, float32(270.5), math.Float32frombits(binary.LittleEndian.Uint32(buf[20:24])))
}

func TestEncodeTelemetry_NoFixIsAllNaN(t *testing.T) {
	buf := EncodeTelemetry(nil)
	assert.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))))
	assert.True(t, math.IsNaN(math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))))
}

func TestErrorLog_MarshalBinary(t *testing.T) {
	b, err := ErrorLog{AdvertiseFailures: 2, NotifyFailures: 0x0102, EventFailures: 7, Last: ErrorNotify}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0x02, 0x01, 7, 0, byte(ErrorNotify)}, b)
}

func TestAttrUUIDRoundTrip(t *testing.T) {
	for _, a := range []Attr{AttrStatus, AttrTelemetry, AttrErrorLog} {
		assert.Equal(t, a, AttrFromUUID(a.UUID()), a.String())
	}
	assert.Equal(t, AttrUnknown, AttrFromUUID(uuid.New()))
	assert.Equal(t, uuid.Nil, AttrUnknown.UUID())
}

func TestState_Equal(t *testing.T) {
	a, b := int8(-40), int8(-40)
	c := int8(-70)
	assert.True(t, State{Connected: true, RSSI: &a}.Equal(State{Connected: true, RSSI: &b}))
	assert.False(t, State{Connected: true, RSSI: &a}.Equal(State{Connected: true, RSSI: &c}))
	assert.False(t, State{Connected: true}.Equal(State{Connected: true, RSSI: &a}))
	assert.True(t, Disconnected().Equal(State{}))
}

func TestAttributeTable_ErrorCountersSaturate(t *testing.T) {
	tbl := newAttributeTable()
	tbl.log.NotifyFailures = math.MaxUint16 - 1

	tbl.recordError(ErrorNotify)
	tbl.recordError(ErrorNotify)
	tbl.recordError(ErrorAdvertise)

	v, ok := tbl.get(AttrErrorLog)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 0, 0xff, 0xff, 0, 0, byte(ErrorAdvertise)}, v)
}
