// Package gatt defines the transport-facing contracts the heart rate
// monitor depends on: discovery of candidate peripherals, connection and
// characteristic access, and notification delivery. The go-ble backed
// implementation lives in the goble subpackage; tests supply fakes.
package gatt

import (
	"context"
	"fmt"
)

// Peripheral describes a discovered BLE device candidate.
type Peripheral struct {
	ID   string // transport address, e.g. "AA:BB:CC:DD:EE:FF"
	Name string // advertised local name, may be empty
	RSSI int
}

func (p Peripheral) String() string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

// Discoverer finds peripherals advertising the Heart Rate service.
// Enumeration order is transport-defined; callers wanting "the" device take
// the first result.
type Discoverer interface {
	Discover(ctx context.Context) ([]Peripheral, error)
}

// Connector opens a GATT connection to a peripheral. Connect blocks the
// calling goroutine until the transport handshake (connection plus service
// discovery) resolves or fails; it applies no timeout of its own beyond ctx.
type Connector interface {
	Connect(ctx context.Context, p Peripheral) (Conn, error)
}

// Conn is a live GATT connection.
type Conn interface {
	// Peripheral returns the descriptor of the connected device.
	Peripheral() Peripheral

	// Characteristic locates a characteristic by UUID (any spelling; see
	// bleuuid.Normalize). Returns *NotFoundError when absent.
	Characteristic(uuid string) (Characteristic, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// NotificationHandler receives raw characteristic values. The payload slice
// is borrowed for the duration of the call; handlers copy if they retain.
type NotificationHandler func(payload []byte)

// Characteristic is a single addressable GATT value supporting
// notification subscription.
type Characteristic interface {
	// UUID returns the characteristic UUID in normalized form.
	UUID() string

	// Subscribe writes the Notify configuration to the characteristic's
	// client configuration descriptor and registers h as the payload sink.
	// The returned status is the descriptor write status code; callers log
	// it but do not branch on it.
	Subscribe(h NotificationHandler) (status uint8, err error)

	// Unsubscribe stops notification delivery. Best effort: it may be
	// called during shutdown when the link is already gone.
	Unsubscribe() error
}

// Advertisement is the slice of a BLE advertisement the discovery layer
// consumes.
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	Services() []string
	Connectable() bool
}

// ScanDevice is the minimal scanning surface of the BLE transport.
// Scan blocks until ctx ends, invoking h for every received advertisement
// on the transport's own goroutine.
type ScanDevice interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
}

// NotFoundError reports a missing GATT resource on a connected peripheral.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
}

func (e *NotFoundError) Error() string {
	if e.UUID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}
