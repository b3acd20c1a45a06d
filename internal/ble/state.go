package ble

// State is the connectivity snapshot published on the connectivity channel.
// RSSI points at a value owned by that one snapshot and is never written
// after Send.
type State struct {
	Connected bool  `json:"connected"`
	RSSI      *int8 `json:"rssi,omitempty"` // dBm, when the radio reports it
}

// Disconnected is the state published whenever no central is attached.
func Disconnected() State {
	return State{}
}

// Equal reports whether two snapshots carry the same values.
func (s State) Equal(o State) bool {
	if s.Connected != o.Connected {
		return false
	}
	if s.RSSI == nil || o.RSSI == nil {
		return s.RSSI == o.RSSI
	}
	return *s.RSSI == *o.RSSI
}
