package lora

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/relabs-tech/smallblackbox/internal/gps"
)

// PacketLen is the size of an encoded position packet.
const PacketLen = 12

// Packet is the over-the-air position report. Layout, big endian:
// lat int32 (1e-7 deg), lon int32 (1e-7 deg), speed u16 (0.01 kn),
// heading u16 (0.01 deg). Absent speed or heading encode as 0xFFFF.
type Packet struct {
	LatE7     int32
	LonE7     int32
	SpeedCKn  uint16
	HeadingCD uint16
}

const absent = math.MaxUint16

// PacketFromFix quantises a fix. Speeds above 655.34 kn saturate.
func PacketFromFix(fix gps.Fix) Packet {
	p := Packet{
		LatE7:     int32(math.Round(fix.Latitude * 1e7)),
		LonE7:     int32(math.Round(fix.Longitude * 1e7)),
		SpeedCKn:  absent,
		HeadingCD: absent,
	}
	if fix.Speed != nil {
		p.SpeedCKn = uint16(math.Min(math.Max(math.Round(*fix.Speed*100), 0), absent-1))
	}
	if fix.Heading != nil {
		h := math.Mod(*fix.Heading, 360)
		if h < 0 {
			h += 360
		}
		p.HeadingCD = uint16(math.Round(h*100)) % 36000
	}
	return p
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PacketLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.LatE7))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.LonE7))
	binary.BigEndian.PutUint16(buf[8:10], p.SpeedCKn)
	binary.BigEndian.PutUint16(buf[10:12], p.HeadingCD)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) != PacketLen {
		return fmt.Errorf("lora: packet is %d bytes, want %d", len(b), PacketLen)
	}
	p.LatE7 = int32(binary.BigEndian.Uint32(b[0:4]))
	p.LonE7 = int32(binary.BigEndian.Uint32(b[4:8]))
	p.SpeedCKn = binary.BigEndian.Uint16(b[8:10])
	p.HeadingCD = binary.BigEndian.Uint16(b[10:12])
	return nil
}

// Latitude returns the packet latitude in degrees.
func (p Packet) Latitude() float64 { return float64(p.LatE7) / 1e7 }

// Longitude returns the packet longitude in degrees.
func (p Packet) Longitude() float64 { return float64(p.LonE7) / 1e7 }

// Speed returns knots, or false if the packet carries none.
func (p Packet) Speed() (float64, bool) {
	if p.SpeedCKn == absent {
		return 0, false
	}
	return float64(p.SpeedCKn) / 100, true
}

// Heading returns degrees true, or false if the packet carries none.
func (p Packet) Heading() (float64, bool) {
	if p.HeadingCD == absent {
		return 0, false
	}
	return float64(p.HeadingCD) / 100, true
}
