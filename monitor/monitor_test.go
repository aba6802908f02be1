package monitor_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/pulse/hrs"
	"github.com/srg/pulse/internal/gatt"
	"github.com/srg/pulse/monitor"
)

// ----------------------------
// Fake transport
// ----------------------------

type fakeTransport struct {
	mu sync.Mutex

	peripherals []gatt.Peripheral
	discoverErr error

	connectErr   error
	missingChar  bool
	subscribeErr error

	conns []*fakeConn
	log   []string // ordered record of transport calls

	// openConns tracks concurrently open connections; maxOpen records the
	// high-water mark across the whole test.
	openConns int32
	maxOpen   int32
}

func (t *fakeTransport) Discover(ctx context.Context) ([]gatt.Peripheral, error) {
	if t.discoverErr != nil {
		return nil, t.discoverErr
	}
	return t.peripherals, nil
}

func (t *fakeTransport) Connect(ctx context.Context, p gatt.Peripheral) (gatt.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connectErr != nil {
		return nil, t.connectErr
	}
	open := atomic.AddInt32(&t.openConns, 1)
	for {
		max := atomic.LoadInt32(&t.maxOpen)
		if open <= max || atomic.CompareAndSwapInt32(&t.maxOpen, max, open) {
			break
		}
	}

	conn := &fakeConn{transport: t, peripheral: p}
	conn.char = &fakeChar{transport: t, subscribeErr: t.subscribeErr}
	t.conns = append(t.conns, conn)
	t.log = append(t.log, "connect "+p.ID)
	return conn, nil
}

func (t *fakeTransport) record(event string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, event)
}

func (t *fakeTransport) events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

func (t *fakeTransport) openCount() int {
	n := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		if !c.closed.Load() {
			n++
		}
	}
	return n
}

type fakeConn struct {
	transport  *fakeTransport
	peripheral gatt.Peripheral
	char       *fakeChar
	closed     atomic.Bool
}

func (c *fakeConn) Peripheral() gatt.Peripheral { return c.peripheral }

func (c *fakeConn) Characteristic(uuid string) (gatt.Characteristic, error) {
	if c.transport.missingChar {
		return nil, &gatt.NotFoundError{Resource: "characteristic", UUID: uuid}
	}
	return c.char, nil
}

func (c *fakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		atomic.AddInt32(&c.transport.openConns, -1)
		c.transport.record("close " + c.peripheral.ID)
	}
	return nil
}

type fakeChar struct {
	transport    *fakeTransport
	subscribeErr error

	mu      sync.Mutex
	handler gatt.NotificationHandler
}

func (c *fakeChar) UUID() string { return hrs.MeasurementUUID }

func (c *fakeChar) Subscribe(h gatt.NotificationHandler) (uint8, error) {
	if c.subscribeErr != nil {
		return 0, c.subscribeErr
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	c.transport.record("subscribe")
	return 0, nil
}

func (c *fakeChar) Unsubscribe() error {
	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	c.transport.record("unsubscribe")
	return nil
}

// notify delivers a raw payload the way the transport would: on the caller's
// goroutine, even after Unsubscribe was issued elsewhere.
func (c *fakeChar) notify(payload []byte) {
	if h := c.rawHandler(); h != nil {
		h(payload)
	}
}

// rawHandler exposes the registered sink so tests can model a payload that
// was already in flight when the subscription was torn down.
func (c *fakeChar) rawHandler() gatt.NotificationHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// ----------------------------
// Suite
// ----------------------------

type SessionTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	transport *fakeTransport
	session   *monitor.Session
}

func (s *SessionTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetOutput(io.Discard)
	s.logger.SetLevel(logrus.DebugLevel)

	s.transport = &fakeTransport{
		peripherals: []gatt.Peripheral{
			{ID: "AA:BB:CC:DD:EE:FF", Name: "Chest Strap", RSSI: -50},
			{ID: "11:22:33:44:55:66", Name: "Watch", RSSI: -70},
		},
	}
	s.session = monitor.New(s.transport, s.transport, s.logger, nil)
}

func (s *SessionTestSuite) activeChar() *fakeChar {
	s.Require().NotEmpty(s.transport.conns)
	return s.transport.conns[len(s.transport.conns)-1].char
}

func (s *SessionTestSuite) receiveReading() hrs.Reading {
	select {
	case r, ok := <-s.session.Readings():
		s.Require().True(ok, "readings channel closed unexpectedly")
		return r
	case <-time.After(time.Second):
		s.Require().FailNow("timed out waiting for reading")
		return hrs.Reading{}
	}
}

func (s *SessionTestSuite) TestInitiateSelectsFirstCandidate() {
	s.Require().NoError(s.session.Initiate(context.Background()))

	s.True(s.session.Active())
	s.Equal([]string{"connect AA:BB:CC:DD:EE:FF", "subscribe"}, s.transport.events())
}

func (s *SessionTestSuite) TestReadingsDeliveredInArrivalOrder() {
	s.Require().NoError(s.session.Initiate(context.Background()))
	char := s.activeChar()

	char.notify([]byte{0x06, 75})
	char.notify([]byte{0x17, 0x50, 0x00})
	char.notify([]byte{0x00})

	s.Equal(hrs.Reading{Contact: hrs.ContactDetected, BPM: 75}, s.receiveReading())
	s.Equal(hrs.Reading{Contact: hrs.ContactDetected, BPM: 80}, s.receiveReading())
	s.Equal(hrs.Reading{Contact: hrs.ContactNotSupported, BPM: hrs.BPMUnknown}, s.receiveReading())
}

func (s *SessionTestSuite) TestMalformedNotificationsAreSwallowed() {
	s.Require().NoError(s.session.Initiate(context.Background()))
	char := s.activeChar()

	char.notify([]byte{})     // empty: skipped silently
	char.notify([]byte{0x01}) // truncated uint16: logged and skipped
	char.notify([]byte{0x06, 62})

	// The subscription survived both bad payloads.
	s.Equal(hrs.Reading{Contact: hrs.ContactDetected, BPM: 62}, s.receiveReading())
	s.True(s.session.Active())
}

func (s *SessionTestSuite) TestInitiateNoDeviceFound() {
	s.transport.peripherals = nil

	err := s.session.Initiate(context.Background())

	s.ErrorIs(err, monitor.ErrNoDeviceFound)
	s.False(s.session.Active())
}

func (s *SessionTestSuite) TestInitiateDiscoveryError() {
	s.transport.discoverErr = errors.New("adapter powered off")

	err := s.session.Initiate(context.Background())

	s.ErrorContains(err, "adapter powered off")
	s.False(s.session.Active())
}

func (s *SessionTestSuite) TestInitiateCharacteristicNotFound() {
	s.transport.missingChar = true

	err := s.session.Initiate(context.Background())

	var nf *monitor.CharacteristicNotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("AA:BB:CC:DD:EE:FF", nf.DeviceID)
	s.Equal("Chest Strap", nf.DeviceName)

	// The half-opened connection was released.
	s.Zero(s.transport.openCount())
	s.False(s.session.Active())
}

func (s *SessionTestSuite) TestInitiateSubscribeFailureReleasesConnection() {
	s.transport.subscribeErr = errors.New("cccd write rejected")

	err := s.session.Initiate(context.Background())

	s.ErrorContains(err, "cccd write rejected")
	s.Zero(s.transport.openCount())
	s.False(s.session.Active())

	// The session is handle-less but usable: a retry succeeds.
	s.transport.subscribeErr = nil
	s.NoError(s.session.Initiate(context.Background()))
	s.True(s.session.Active())
}

func (s *SessionTestSuite) TestReinitiateTearsDownOldHandleFirst() {
	s.Require().NoError(s.session.Initiate(context.Background()))
	oldSink := s.activeChar().rawHandler()
	s.Require().NotNil(oldSink)

	s.Require().NoError(s.session.Initiate(context.Background()))

	s.Equal([]string{
		"connect AA:BB:CC:DD:EE:FF", "subscribe",
		"unsubscribe", "close AA:BB:CC:DD:EE:FF",
		"connect AA:BB:CC:DD:EE:FF", "subscribe",
	}, s.transport.events())
	s.Equal(1, s.transport.openCount())

	// A notification that raced the teardown of the old handle is dropped,
	// not delivered from a dead subscription.
	oldSink([]byte{0x06, 99})
	s.activeChar().notify([]byte{0x06, 64})
	s.Equal(hrs.Reading{Contact: hrs.ContactDetected, BPM: 64}, s.receiveReading())
}

func (s *SessionTestSuite) TestFailedReinitiateLeavesSessionHandleless() {
	s.Require().NoError(s.session.Initiate(context.Background()))

	s.transport.connectErr = errors.New("link loss")
	err := s.session.Initiate(context.Background())

	s.ErrorContains(err, "link loss")
	// The old handle was torn down before the failed acquisition.
	s.False(s.session.Active())
	s.Zero(s.transport.openCount())
}

func (s *SessionTestSuite) TestDisposeClosesReadingsAndConnection() {
	s.Require().NoError(s.session.Initiate(context.Background()))

	s.session.Dispose()

	s.Zero(s.transport.openCount())
	s.False(s.session.Active())

	_, ok := <-s.session.Readings()
	s.False(ok, "readings channel must be closed after Dispose")
}

func (s *SessionTestSuite) TestDisposeIsIdempotent() {
	s.Require().NoError(s.session.Initiate(context.Background()))

	s.session.Dispose()
	events := s.transport.events()
	s.session.Dispose()

	s.Equal(events, s.transport.events(), "second Dispose must be a no-op")
}

func (s *SessionTestSuite) TestInitiateAfterDisposeFails() {
	s.session.Dispose()

	err := s.session.Initiate(context.Background())

	s.ErrorIs(err, monitor.ErrAlreadyDisposed)
	s.Empty(s.transport.events(), "disposed session must not touch the transport")
}

func (s *SessionTestSuite) TestNotificationRacingDisposeIsDropped() {
	s.Require().NoError(s.session.Initiate(context.Background()))
	sink := s.activeChar().rawHandler()
	s.Require().NotNil(sink)

	s.session.Dispose()

	// The transport can still deliver an in-flight payload after teardown;
	// it must be dropped without a send on the closed channel.
	s.NotPanics(func() { sink([]byte{0x06, 70}) })
}

func (s *SessionTestSuite) TestConcurrentInitiateAndDispose() {
	const initiators = 4

	var wg sync.WaitGroup
	for i := 0; i < initiators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				err := s.session.Initiate(context.Background())
				if errors.Is(err, monitor.ErrAlreadyDisposed) {
					return
				}
				s.NoError(err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		s.session.Dispose()
	}()
	wg.Wait()

	// Teardown-before-acquire means no interleaving ever held two live
	// handles at once.
	s.LessOrEqual(atomic.LoadInt32(&s.transport.maxOpen), int32(1))
	s.False(s.session.Active())
	s.Zero(s.transport.openCount())
}

func (s *SessionTestSuite) TestConcurrentInitiatesEndWithOneHandle() {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.session.Initiate(context.Background()))
		}()
	}
	wg.Wait()

	s.True(s.session.Active())
	s.Equal(1, s.transport.openCount())
	s.LessOrEqual(atomic.LoadInt32(&s.transport.maxOpen), int32(1))
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestDefaultOptions(t *testing.T) {
	opts := monitor.DefaultOptions()
	if opts.ReadingBuffer != 64 {
		t.Fatalf("unexpected default reading buffer: %d", opts.ReadingBuffer)
	}
}
