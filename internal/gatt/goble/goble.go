// Package goble implements the gatt transport contracts on top of the
// go-ble library.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulse/hrs"
	"github.com/srg/pulse/internal/bleuuid"
	"github.com/srg/pulse/internal/gatt"
)

// DefaultScanWindow bounds how long Discover listens for advertisements.
const DefaultScanWindow = 10 * time.Second

// DeviceFactory creates the platform ble.Device. It is a variable so tests
// can substitute a fake transport.
var DeviceFactory = newDevice

// Client implements gatt.Discoverer and gatt.Connector over go-ble.
type Client struct {
	logger     *logrus.Logger
	scanWindow time.Duration

	mu  sync.Mutex
	dev ble.Device
}

// Option configures a Client.
type Option func(*Client)

// WithScanWindow overrides the discovery listen window.
func WithScanWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.scanWindow = d
		}
	}
}

// NewClient creates a go-ble transport client.
func NewClient(logger *logrus.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Client{
		logger:     logger,
		scanWindow: DefaultScanWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ensureDevice lazily creates the platform BLE device and installs it as
// the library default, which go-ble requires before Dial.
func (c *Client) ensureDevice() (ble.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev != nil {
		return c.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	c.dev = dev
	return dev, nil
}

// Discover scans for peripherals advertising the Heart Rate service and
// returns them in discovery order, deduplicated by address.
func (c *Client) Discover(ctx context.Context) ([]gatt.Peripheral, error) {
	dev, err := c.ensureDevice()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, c.scanWindow)
	defer cancel()

	c.logger.WithField("window", c.scanWindow).Debug("Scanning for heart rate peripherals")

	var (
		mu    sync.Mutex
		seen  = make(map[string]int)
		found []gatt.Peripheral
	)
	handler := func(adv ble.Advertisement) {
		if !advertisesHeartRate(adv) {
			return
		}
		addr := adv.Addr().String()

		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[addr]; ok {
			// Keep the freshest name and signal strength.
			if found[i].Name == "" {
				found[i].Name = adv.LocalName()
			}
			found[i].RSSI = adv.RSSI()
			return
		}
		seen[addr] = len(found)
		found = append(found, gatt.Peripheral{
			ID:   addr,
			Name: adv.LocalName(),
			RSSI: adv.RSSI(),
		})
	}

	err = dev.Scan(scanCtx, false, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	c.logger.WithField("count", len(found)).Info("Heart rate discovery completed")
	return found, nil
}

func advertisesHeartRate(adv ble.Advertisement) bool {
	for _, u := range adv.Services() {
		if bleuuid.Equal(u.String(), hrs.ServiceUUID) {
			return true
		}
	}
	return false
}

// Connect dials the peripheral and discovers its GATT profile. The call
// blocks until the handshake resolves or ctx ends.
func (c *Client) Connect(ctx context.Context, p gatt.Peripheral) (gatt.Conn, error) {
	if _, err := c.ensureDevice(); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"address": p.ID,
		"name":    p.Name,
	}).Info("Connecting to heart rate peripheral")

	client, err := ble.Dial(ctx, ble.NewAddr(p.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", p.ID, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("failed to discover profile of %q: %w", p.ID, err)
	}

	return &conn{
		client:     client,
		profile:    profile,
		peripheral: p,
		logger:     c.logger,
	}, nil
}

type conn struct {
	client     ble.Client
	profile    *ble.Profile
	peripheral gatt.Peripheral
	logger     *logrus.Logger

	closeOnce sync.Once
}

func (c *conn) Peripheral() gatt.Peripheral {
	return c.peripheral
}

func (c *conn) Characteristic(uuid string) (gatt.Characteristic, error) {
	want := bleuuid.Normalize(uuid)
	for _, svc := range c.profile.Services {
		for _, ch := range svc.Characteristics {
			if bleuuid.Normalize(ch.UUID.String()) == want {
				return &characteristic{
					client: c.client,
					char:   ch,
					uuid:   want,
					logger: c.logger,
				}, nil
			}
		}
	}
	return nil, &gatt.NotFoundError{Resource: "characteristic", UUID: want}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.client.CancelConnection()
	})
	return err
}

type characteristic struct {
	client ble.Client
	char   *ble.Characteristic
	uuid   string
	logger *logrus.Logger
}

func (c *characteristic) UUID() string {
	return c.uuid
}

func (c *characteristic) Subscribe(h gatt.NotificationHandler) (uint8, error) {
	err := c.client.Subscribe(c.char, false, func(req []byte) {
		h(req)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to subscribe to %q: %w", c.uuid, err)
	}
	// go-ble performs the CCCD write internally and surfaces only an error,
	// so a successful subscribe reports status 0.
	return 0, nil
}

func (c *characteristic) Unsubscribe() error {
	return c.client.Unsubscribe(c.char, false)
}
