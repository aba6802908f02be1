package goble

import (
	"context"

	"github.com/go-ble/ble"

	"github.com/srg/pulse/internal/bleuuid"
	"github.com/srg/pulse/internal/gatt"
)

// ScanDeviceFactory creates a gatt.ScanDevice backed by the platform BLE
// adapter. The discovery package uses it as its default transport; tests
// override it.
func ScanDeviceFactory() (gatt.ScanDevice, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return &scanDevice{dev: dev}, nil
}

type scanDevice struct {
	dev ble.Device
}

func (s *scanDevice) Scan(ctx context.Context, allowDup bool, h func(gatt.Advertisement)) error {
	return s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		h(&advertisement{adv: adv})
	})
}

// advertisement adapts ble.Advertisement to gatt.Advertisement.
type advertisement struct {
	adv ble.Advertisement
}

func (a *advertisement) Addr() string      { return a.adv.Addr().String() }
func (a *advertisement) LocalName() string { return a.adv.LocalName() }
func (a *advertisement) RSSI() int         { return a.adv.RSSI() }
func (a *advertisement) Connectable() bool { return a.adv.Connectable() }

func (a *advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = bleuuid.Normalize(u.String())
	}
	return out
}
