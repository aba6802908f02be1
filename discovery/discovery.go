// Package discovery scans for BLE peripherals advertising the Heart Rate
// service and reports them as connection candidates.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulse/hrs"
	"github.com/srg/pulse/internal/bleuuid"
	"github.com/srg/pulse/internal/events"
	"github.com/srg/pulse/internal/gatt"
	"github.com/srg/pulse/internal/gatt/goble"
)

// DeviceFactory creates the scanning transport. Overridable in tests.
var DeviceFactory = goble.ScanDeviceFactory

// EventType marks whether a peripheral was newly discovered or updated.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is one live discovery observation.
type Event struct {
	Type       EventType
	Peripheral gatt.Peripheral
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	// Duration bounds the scan; zero scans until ctx is canceled.
	Duration time.Duration `default:"10s"`
	// DuplicateFilter suppresses repeat advertisements at the transport.
	DuplicateFilter bool `default:"true"`
	// ServiceUUID filters candidates by advertised service; empty accepts
	// every advertisement.
	ServiceUUID string
	// AllowList / BlockList filter candidates by address.
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns options that scan for Heart Rate peripherals.
func DefaultScanOptions() *ScanOptions {
	opts := new(ScanOptions)
	defaults.SetDefaults(opts)
	opts.ServiceUUID = hrs.ServiceUUID
	return opts
}

// Scanner discovers heart rate peripherals. Safe for a single Scan at a
// time; events fan out on a bounded ring and never block the transport.
type Scanner struct {
	logger *logrus.Logger
	events *events.Ring[Event]

	mu          sync.Mutex
	found       *hashmap.Map[string, int] // address -> index into order
	order       []gatt.Peripheral         // arrival order
	scanOptions *ScanOptions
}

// NewScanner creates a heart rate scanner.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		logger: logger,
		events: events.NewRing[Event](100),
	}, nil
}

// Events returns the live stream of discovery events.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Scan performs discovery with the provided options and returns candidates
// in arrival order, deduplicated by address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) ([]gatt.Peripheral, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}

	s.mu.Lock()
	s.found = hashmap.New[string, int]()
	s.order = nil
	s.scanOptions = opts
	s.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"service":  opts.ServiceUUID,
	}).Info("Starting heart rate scan")

	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.mu.Lock()
	result := append([]gatt.Peripheral(nil), s.order...)
	s.scanOptions = nil
	s.mu.Unlock()

	s.logger.WithField("count", len(result)).Info("Heart rate scan completed")
	return result, nil
}

// Discover implements gatt.Discoverer with default options, so a Scanner
// can serve directly as a session's discovery collaborator.
func (s *Scanner) Discover(ctx context.Context) ([]gatt.Peripheral, error) {
	return s.Scan(ctx, nil)
}

// handleAdvertisement records or updates a candidate. Runs on the
// transport's scan goroutine.
func (s *Scanner) handleAdvertisement(adv gatt.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.scanOptions
	if opts == nil || !s.shouldInclude(adv, opts) {
		return
	}

	addr := adv.Addr()
	p := gatt.Peripheral{ID: addr, Name: adv.LocalName(), RSSI: adv.RSSI()}

	if i, ok := s.found.Get(addr); ok {
		if p.Name == "" {
			p.Name = s.order[i].Name
		}
		s.order[i] = p
		s.events.ForceSend(Event{Type: EventUpdated, Peripheral: p})
		return
	}

	s.found.Set(addr, len(s.order))
	s.order = append(s.order, p)
	s.logger.WithFields(logrus.Fields{
		"device":  p.Name,
		"address": p.ID,
		"rssi":    p.RSSI,
	}).Info("Discovered heart rate peripheral")
	s.events.ForceSend(Event{Type: EventNew, Peripheral: p})
}

// shouldInclude applies block/allow/service filters.
func (s *Scanner) shouldInclude(adv gatt.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.ServiceUUID != "" {
		want := bleuuid.Normalize(opts.ServiceUUID)
		for _, u := range adv.Services() {
			if bleuuid.Normalize(u) == want {
				return true
			}
		}
		return false
	}

	return true
}

// compile-time check: a Scanner is a valid discovery collaborator.
var _ gatt.Discoverer = (*Scanner)(nil)
