// Package bleuuid normalizes and expands Bluetooth SIG UUIDs.
//
// BLE libraries disagree on UUID spelling: dashed 128-bit, dashless
// lowercase, 16-bit short form, sometimes with a 0x prefix. Everything in
// this module compares UUIDs in one canonical form: lowercase, dashless,
// reduced to the 16-bit short form when the UUID sits on the SIG base.
package bleuuid

import (
	"fmt"
	"strings"
)

// sigBase is the Bluetooth SIG base UUID with the 16-bit slot zeroed,
// in normalized (dashless lowercase) form.
const (
	sigBasePrefix = "0000"
	sigBaseSuffix = "00001000800000805f9b34fb"
)

// Normalize converts a UUID string to canonical form: lowercase, no dashes,
// no 0x prefix. 128-bit UUIDs on the SIG base collapse to their 16-bit
// short form ("0000180d-0000-1000-8000-00805f9b34fb" -> "180d").
func Normalize(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")

	if len(u) == 32 && strings.HasPrefix(u, sigBasePrefix) && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeAll normalizes a slice of UUID strings.
func NormalizeAll(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = Normalize(u)
	}
	return out
}

// Expand16 expands a 16-bit short id to its full 128-bit dashed form on the
// SIG base. Inputs that are not short ids are returned normalized but
// otherwise untouched.
func Expand16(uuid string) string {
	u := Normalize(uuid)
	if len(u) != 4 {
		return u
	}
	return fmt.Sprintf("0000%s-0000-1000-8000-00805f9b34fb", u)
}

// Equal reports whether two UUID spellings name the same UUID.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// knownNames covers the handful of SIG-assigned ids this module touches.
var knownNames = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"2a19": "Battery Level",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2902": "Client Characteristic Configuration",
}

// KnownName returns the SIG-assigned name for a UUID, or "" if unknown.
func KnownName(uuid string) string {
	return knownNames[Normalize(uuid)]
}
