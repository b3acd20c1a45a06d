package gps

import "time"

// Fix represents a single valid RMC position fix, suitable for JSON and MQTT.
// Speed and Heading are nil when the receiver left those fields empty.
// A published *Fix is shared by every reader of the position channel and is
// never modified after Send; each decode allocates a new one.
type Fix struct {
	Time      time.Time `json:"time"`                  // UTC, from RMC date + time
	Latitude  float64   `json:"lat"`                   // decimal degrees, south negative
	Longitude float64   `json:"lon"`                   // decimal degrees, west negative
	Speed     *float64  `json:"speed_knots,omitempty"` // speed over ground
	Heading   *float64  `json:"course_deg,omitempty"`  // course over ground, degrees true
}

// Equal reports whether two fixes carry the same values.
func (f *Fix) Equal(o *Fix) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Time.Equal(o.Time) &&
		f.Latitude == o.Latitude &&
		f.Longitude == o.Longitude &&
		optEqual(f.Speed, o.Speed) &&
		optEqual(f.Heading, o.Heading)
}

func optEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
