package ble

import "strings"

// Mode is the session intent. It gates which advertisements are acted on
// and what happens after a disconnect.
type Mode int

const (
	ModeIdle   Mode = iota
	ModeAuto        // background re-authentication against the bound device
	ModeManual      // interactive pairing of a new device
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return "idle"
	}
}

// Policy decides which advertisements are surfaced and which trigger an
// autonomous connect. RSSIFloor discards noise; AutoConnectRSSI is the
// tighter proximity gate for connecting without user action.
type Policy struct {
	InvalidRSSI     int
	RSSIFloor       int
	AutoConnectRSSI int
	NameMarker      string
}

// DefaultPolicy returns thresholds tuned for a badge held a few
// centimetres from the reader.
func DefaultPolicy() Policy {
	return Policy{
		InvalidRSSI:     InvalidRSSI,
		RSSIFloor:       -90,
		AutoConnectRSSI: -60,
		NameMarker:      "DOOR",
	}
}

// Surface reports whether p should be shown to callers. target is the ID
// of the bound device and only matters in ModeAuto.
func (pol Policy) Surface(mode Mode, p Peripheral, target string) bool {
	if p.RSSI == pol.InvalidRSSI {
		return false
	}
	if p.RSSI < pol.RSSIFloor {
		return false
	}
	switch mode {
	case ModeManual:
		return pol.NameMarker == "" ||
			strings.Contains(strings.ToUpper(p.Name), strings.ToUpper(pol.NameMarker))
	case ModeAuto:
		return target != "" && p.ID == target
	default:
		return true
	}
}

// ShouldAutoConnect reports whether p justifies connecting without user
// action.
func (pol Policy) ShouldAutoConnect(mode Mode, p Peripheral, target string) bool {
	return mode == ModeAuto &&
		pol.Surface(mode, p, target) &&
		p.RSSI >= pol.AutoConnectRSSI
}
