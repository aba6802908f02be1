//go:build darwin

package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDevice() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// CoreBluetooth reports power state through an opaque message;
		// translate the common case into something actionable.
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}
