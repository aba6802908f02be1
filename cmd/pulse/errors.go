package main

import (
	"errors"
	"fmt"

	"github.com/srg/pulse/monitor"
)

// formatUserError turns internal errors into actionable messages for the
// terminal. Anything unrecognized passes through unchanged.
func formatUserError(err error) string {
	var charNotFound *monitor.CharacteristicNotFoundError

	switch {
	case errors.Is(err, monitor.ErrNoDeviceFound):
		return "no heart rate sensor found - make sure the sensor is worn, awake, and advertising"
	case errors.As(err, &charNotFound):
		return fmt.Sprintf("device %q (%s) does not expose the heart rate measurement characteristic",
			charNotFound.DeviceName, charNotFound.DeviceID)
	case errors.Is(err, monitor.ErrAlreadyDisposed):
		return "heart rate session was already shut down"
	default:
		return err.Error()
	}
}
