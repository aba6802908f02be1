// Package monitor owns the heart rate subscription lifecycle: it acquires a
// single peripheral, subscribes to Heart Rate Measurement notifications,
// decodes each payload, and republishes readings to consumers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulse/hrs"
	"github.com/srg/pulse/internal/events"
	"github.com/srg/pulse/internal/gatt"
)

var (
	// ErrNoDeviceFound reports that discovery produced no peripheral
	// advertising the Heart Rate service. Hard error; not retried here.
	ErrNoDeviceFound = errors.New("no heart rate device found")

	// ErrAlreadyDisposed reports an Initiate call on a disposed session.
	ErrAlreadyDisposed = errors.New("session already disposed")
)

// CharacteristicNotFoundError reports a connected peripheral that does not
// expose the Heart Rate Measurement characteristic.
type CharacteristicNotFoundError struct {
	DeviceID   string
	DeviceName string
}

func (e *CharacteristicNotFoundError) Error() string {
	return fmt.Sprintf("device %q (%s) has no heart rate measurement characteristic",
		e.DeviceName, e.DeviceID)
}

// Options configures a Session.
type Options struct {
	// ReadingBuffer is the capacity of the readings ring. When consumers
	// lag, the oldest undelivered readings are dropped.
	ReadingBuffer int `default:"64"`
}

// DefaultOptions returns the default session options.
func DefaultOptions() *Options {
	opts := new(Options)
	defaults.SetDefaults(opts)
	return opts
}

// handle is the single live subscription resource: one connection with an
// active notification subscription on the measurement characteristic.
type handle struct {
	conn gatt.Conn
	char gatt.Characteristic

	// stale is set at the start of teardown so a notification callback
	// racing the teardown observes the handle intact or drops out cleanly,
	// never a half-released handle.
	stale atomic.Bool
}

// Session holds at most one live subscription handle and fans decoded
// readings out to consumers of Readings.
//
// State machine: Uninitiated -> Active (Initiate), Active -> Active
// (Initiate replaces the handle), any -> Disposed (Dispose, terminal).
type Session struct {
	discoverer gatt.Discoverer
	connector  gatt.Connector
	logger     *logrus.Logger

	// mu serializes every transition that reads or replaces the handle:
	// two concurrent Initiate calls, or an Initiate racing a Dispose, run
	// one after the other, never interleaved.
	mu       sync.Mutex
	handle   *handle
	disposed bool

	// emitMu fences the readings ring: notification callbacks publish under
	// the read lock, Dispose closes the ring under the write lock after all
	// in-flight publishes drained.
	emitMu sync.RWMutex
	closed bool

	readings *events.Ring[hrs.Reading]
}

// New creates a Session over the given transport. A nil logger falls back
// to a default logrus instance; nil opts mean DefaultOptions.
func New(d gatt.Discoverer, c gatt.Connector, logger *logrus.Logger, opts *Options) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	} else if opts.ReadingBuffer <= 0 {
		defaults.SetDefaults(opts)
	}

	return &Session{
		discoverer: d,
		connector:  c,
		logger:     logger,
		readings:   events.NewRing[hrs.Reading](opts.ReadingBuffer),
	}
}

// Readings returns the stream of decoded measurements, one per successfully
// decoded notification, in arrival order. Malformed notifications are logged
// and skipped, never delivered. The channel closes when the session is
// disposed.
func (s *Session) Readings() <-chan hrs.Reading {
	return s.readings.C()
}

// Active reports whether the session currently holds a live handle.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Initiate acquires the heart rate subscription: it discovers a target
// peripheral (first candidate wins), connects, locates the measurement
// characteristic, and enables notifications. Any previously active handle is
// fully torn down before the new one is acquired, so there is never a window
// with two live subscriptions - and a failed Initiate leaves the session
// handle-less, from which callers may simply call Initiate again.
//
// The connect step is an intentional blocking wait: Initiate does not return
// until the transport handshake resolves or fails. No timeout or retry is
// applied here; bound the wait through ctx if needed.
func (s *Session) Initiate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrAlreadyDisposed
	}

	// Old handle first. Teardown precedes acquisition so at most one
	// subscription is ever live.
	s.takeAndTeardown()

	candidates, err := s.discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("heart rate discovery failed: %w", err)
	}
	if len(candidates) == 0 {
		return ErrNoDeviceFound
	}

	// First found wins. Enumeration order is transport-defined and no
	// ranking is applied.
	target := candidates[0]
	s.logger.WithFields(logrus.Fields{
		"device":     target.ID,
		"name":       target.Name,
		"candidates": len(candidates),
	}).Info("Selected heart rate peripheral")

	conn, err := s.connector.Connect(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	char, err := conn.Characteristic(hrs.MeasurementUUID)
	if err != nil {
		s.closeQuietly(conn)
		var nf *gatt.NotFoundError
		if errors.As(err, &nf) {
			return &CharacteristicNotFoundError{DeviceID: target.ID, DeviceName: target.Name}
		}
		return fmt.Errorf("failed to locate measurement characteristic on %s: %w", target, err)
	}

	h := &handle{conn: conn, char: char}
	status, err := char.Subscribe(func(payload []byte) {
		s.handleNotification(h, payload)
	})
	if err != nil {
		s.closeQuietly(conn)
		return fmt.Errorf("failed to enable notifications on %s: %w", target, err)
	}

	// The descriptor write status is informational only.
	s.logger.WithFields(logrus.Fields{
		"device": target.ID,
		"status": status,
	}).Debug("Notification configuration written")

	s.handle = h
	return nil
}

// Dispose tears the session down. It is idempotent and safe to call
// concurrently with Initiate; after it returns no further Initiate can
// succeed and the readings channel is closed. Transport errors during
// teardown are suppressed - Dispose can run during process shutdown and
// must never fail.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.disposed = true
	s.takeAndTeardown()

	// Waits for in-flight notification publishes, then closes the stream.
	s.emitMu.Lock()
	s.closed = true
	s.readings.Close()
	s.emitMu.Unlock()

	s.logger.Debug("Heart rate session disposed")
}

// handleNotification runs on the transport's notification goroutine. Decode
// failures are observed in the log and swallowed; the subscription stays up
// for the next well-formed payload.
func (s *Session) handleNotification(h *handle, payload []byte) {
	if h.stale.Load() {
		return
	}

	reading, err := hrs.Decode(payload)
	if err != nil {
		if errors.Is(err, hrs.ErrEmptyPayload) {
			// Nothing to report; skip silently.
			s.logger.Debug("Skipping empty heart rate notification")
		} else {
			s.logger.WithError(err).WithField("len", len(payload)).
				Warn("Dropping malformed heart rate notification")
		}
		return
	}

	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed || h.stale.Load() {
		return
	}
	if s.readings.ForceSend(reading) {
		s.logger.Debug("Reading buffer full, dropped oldest reading")
	}
}

// takeAndTeardown empties the handle slot and releases the old handle, if
// any. Caller must hold mu. The slot is cleared before any transport call so
// no path ever observes a half-released handle.
func (s *Session) takeAndTeardown() {
	h := s.handle
	s.handle = nil
	if h == nil {
		return
	}

	h.stale.Store(true)

	// Best-effort: the peripheral may already be gone.
	if err := h.char.Unsubscribe(); err != nil {
		s.logger.WithError(err).Debug("Unsubscribe failed during teardown")
	}
	s.closeQuietly(h.conn)
}

func (s *Session) closeQuietly(conn gatt.Conn) {
	if err := conn.Close(); err != nil {
		s.logger.WithError(err).Debug("Connection close failed during teardown")
	}
}
