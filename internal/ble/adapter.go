// Package ble provides the BLE link engine for HM-10 door controllers. It
// owns the central-side connection lifecycle (scan, connect, GATT
// discovery, notifications), frames outbound text for the 20-byte UART
// characteristic and hands inbound commands to a pluggable protocol Driver.
package ble

import "context"

// HM-10 UART service and its combined TX/RX characteristic.
const (
	ServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// InvalidRSSI is the platform value reported when signal strength could
// not be measured.
const InvalidRSSI = 127

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data with response. It returns once the peripheral has
	// acknowledged the write.
	Write(data []byte) error
	// Subscribe enables notifications and registers a callback for them.
	Subscribe(callback func(data []byte)) error
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	// DiscoverCharacteristic finds a characteristic by UUID within the service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
}

// Peripheral is one advertisement observation.
type Peripheral struct {
	ID          string // CoreBluetooth UUID on macOS, MAC address elsewhere
	Name        string
	RSSI        int
	ServiceUUID string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices finds the services matching serviceUUID.
	DiscoverServices(serviceUUID string) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to onAdvert until ctx is cancelled
	// or StopScan is called. It blocks for the duration of the scan.
	Scan(ctx context.Context, onAdvert func(Peripheral)) error
	// StopScan ends an in-progress Scan.
	StopScan() error
	// Connect establishes a connection to the peripheral with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}
