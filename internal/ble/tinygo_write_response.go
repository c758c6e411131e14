//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// WritesAcknowledged reports whether each characteristic write waits for
// the peripheral's response before returning.
const WritesAcknowledged = true

// writeChunk uses write-with-response so each chunk is acknowledged before
// the next one is issued.
func writeChunk(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
