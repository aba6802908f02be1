// Package hrs implements decoding of the Bluetooth Heart Rate Service
// measurement characteristic (service 180d, characteristic 2a37).
package hrs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Well-known Heart Rate Service identifiers (16-bit short form)
const (
	ServiceUUID     = "180d"
	MeasurementUUID = "2a37"
)

// BPMUnknown marks a notification that carried a flags byte but no value
// field. The sensor reported no rate this tick; it is not an error.
const BPMUnknown = -1

// ContactSensorStatus is the 2-bit contact field of the measurement flags
// byte (bits 1-2), in the wire's numeric order.
type ContactSensorStatus int

const (
	// ContactNotSupported - the sensor has no skin-contact detection.
	ContactNotSupported ContactSensorStatus = iota
	// ContactNotSupportedAlt - alternate encoding some sensors use for
	// "contact detection not supported".
	ContactNotSupportedAlt
	// ContactNotDetected - detection supported, sensor not on skin.
	ContactNotDetected
	// ContactDetected - detection supported, sensor in contact.
	ContactDetected
)

func (s ContactSensorStatus) String() string {
	switch s {
	case ContactNotSupported:
		return "not supported"
	case ContactNotSupportedAlt:
		return "not supported (alt)"
	case ContactNotDetected:
		return "no contact"
	case ContactDetected:
		return "contact"
	default:
		return fmt.Sprintf("contact(%d)", int(s))
	}
}

// Reading is one decoded heart rate measurement notification.
type Reading struct {
	Contact ContactSensorStatus
	BPM     int // beats per minute, or BPMUnknown
}

func (r Reading) String() string {
	if r.BPM == BPMUnknown {
		return fmt.Sprintf("bpm=? contact=%s", r.Contact)
	}
	return fmt.Sprintf("bpm=%d contact=%s", r.BPM, r.Contact)
}

// ErrEmptyPayload reports a zero-length notification. There is nothing to
// decode; callers normally skip it silently.
var ErrEmptyPayload = errors.New("empty heart rate payload")

// TruncatedError reports a payload shorter than its flags byte promises.
type TruncatedError struct {
	Got      int
	Expected int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated heart rate payload: got %d bytes, expected %d", e.Got, e.Expected)
}

// Flags byte layout, byte 0 of every measurement payload:
//
//	bit 0    - value format: 0 = uint8 bpm, 1 = uint16 little-endian bpm
//	bits 1-2 - contact sensor status
//	bits 3+  - energy-expended / RR-interval presence, not parsed here
const (
	flagFormatUint16 = 0x01
	contactShift     = 1
	contactMask      = 0x03
)

// Decode parses a raw Heart Rate Measurement notification payload.
//
// A payload holding only the flags byte in uint8 format is a valid "no rate
// reported this tick" shape and decodes to BPMUnknown. A uint16 format flag
// with fewer than three bytes is a *TruncatedError, since the flags byte
// promised a value field that is not there. Decode is pure and total over
// all payload lengths.
func Decode(payload []byte) (Reading, error) {
	if len(payload) == 0 {
		return Reading{}, ErrEmptyPayload
	}

	flags := payload[0]
	r := Reading{
		Contact: ContactSensorStatus(flags >> contactShift & contactMask),
		BPM:     BPMUnknown,
	}

	if flags&flagFormatUint16 != 0 {
		if len(payload) < 3 {
			return Reading{}, &TruncatedError{Got: len(payload), Expected: 3}
		}
		r.BPM = int(binary.LittleEndian.Uint16(payload[1:3]))
		return r, nil
	}

	if len(payload) > 1 {
		r.BPM = int(payload[1])
	}
	return r, nil
}
