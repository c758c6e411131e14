//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// WritesAcknowledged reports whether each characteristic write waits for
// the peripheral's response before returning. BlueZ and the bare-metal
// stacks only expose write-without-response here, so chunk pacing is the
// only flow control.
const WritesAcknowledged = false

func writeChunk(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
