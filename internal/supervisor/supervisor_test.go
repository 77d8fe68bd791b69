package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- fakes ---

type fakeTransport struct {
	mu       sync.Mutex
	handler  func(domain.Event)
	opens    int
	openErrs []error
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, chatID, text string) error { return nil }

func (f *fakeTransport) Subscribe(handler func(domain.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Close() {}

func (f *fakeTransport) emit(evt domain.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(evt)
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type fakeCreds string

func (c fakeCreds) AccountID() string { return string(c) }

type fakeStore struct {
	mu    sync.Mutex
	saved []string
	gate  chan struct{} // when set, Save waits on it
	err   error
}

func (f *fakeStore) Save(ctx context.Context, creds domain.Credentials) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, creds.AccountID())
	return f.err
}

func (f *fakeStore) Path() string { return "/tmp/session.db" }

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeRelay struct {
	handled  atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	gate     chan struct{}
}

func (f *fakeRelay) HandleBatch(ctx context.Context, batch domain.MessageBatch) relay.Outcome {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.inFlight.Add(-1)
	f.handled.Add(1)
	return relay.OutcomeReplied
}

type fakeNotifier struct {
	calls atomic.Int32
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

// --- harness ---

type harness struct {
	sup       *Supervisor
	transport *fakeTransport
	store     *fakeStore
	relay     *fakeRelay
	notifier  *fakeNotifier
	cancel    context.CancelFunc
	done      chan error
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		store:     &fakeStore{},
		relay:     &fakeRelay{},
		notifier:  &fakeNotifier{},
		done:      make(chan error, 1),
	}
	cfg := Config{
		Transport: h.transport,
		Store:     h.store,
		Relay:     h.relay,
		Notifier:  h.notifier,
		Bus:       bus.New(16, testLogger()),
		Logger:    testLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.sup = New(cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	require.NoError(t, h.sup.Start(ctx))
	go func() { h.done <- h.sup.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func notifyBatch() domain.MessageBatch {
	return domain.MessageBatch{
		Category:  domain.DeliveryNotify,
		Envelopes: []domain.Envelope{{ChatID: "a@s.whatsapp.net", HasBody: true}},
	}
}

// --- tests ---

func TestStart_OpensOnceAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	defer h.stop(t)

	assert.Equal(t, domain.StateConnecting, h.sup.State())
	require.NoError(t, h.sup.Start(context.Background()))
	assert.Equal(t, 1, h.transport.openCount())
}

func TestStart_FirstOpenFailureIsReturned(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.openErrs = []error{errors.New("store unavailable")}

	err := h.sup.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Equal(t, domain.StateClosed, h.sup.State())
}

func TestConnected_OpensAndPings(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventConnected})

	require.Eventually(t, func() bool { return h.sup.State() == domain.StateOpen }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.notifier.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.sup.Paired())
	require.NoError(t, h.stop(t))
}

func TestConnected_PingFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.err = errors.New("connection refused")
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventConnected})

	require.Eventually(t, func() bool { return h.notifier.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateOpen, h.sup.State())
	require.NoError(t, h.stop(t))
}

func TestDisconnect_TransientReopens(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventConnected})
	h.transport.emit(domain.Event{Kind: domain.EventDisconnected, Cause: domain.DisconnectCause{Reason: "stream error"}})

	require.Eventually(t, func() bool { return h.transport.openCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateConnecting, h.sup.State())
	require.NoError(t, h.stop(t))
}

func TestDisconnect_FailedReopenRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.openErrs = []error{nil, errors.New("dial failed"), errors.New("dial failed")}
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventDisconnected, Cause: domain.DisconnectCause{Reason: "network"}})

	require.Eventually(t, func() bool { return h.transport.openCount() == 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))
}

func TestDisconnect_DuplicatesWhilePendingAreCoalesced(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Backoff = Backoff{Initial: 200 * time.Millisecond, Max: time.Second}
	})
	h.start(t)

	for range 3 {
		h.transport.emit(domain.Event{Kind: domain.EventDisconnected, Cause: domain.DisconnectCause{Reason: "network"}})
	}

	require.Eventually(t, func() bool { return h.transport.openCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, h.transport.openCount())
	require.NoError(t, h.stop(t))
}

func TestDisconnect_ConnectedResetsBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventDisconnected, Cause: domain.DisconnectCause{Reason: "network"}})
	require.Eventually(t, func() bool { return h.transport.openCount() == 2 }, time.Second, 5*time.Millisecond)
	h.transport.emit(domain.Event{Kind: domain.EventConnected})
	require.Eventually(t, func() bool { return h.sup.State() == domain.StateOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.stop(t))
	assert.Zero(t, h.sup.attempt)
}

func TestDisconnect_LoggedOutStops(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventConnected})
	h.transport.emit(domain.Event{Kind: domain.EventDisconnected, Cause: domain.DisconnectCause{LoggedOut: true, Reason: "logged out from phone"}})

	var err error
	select {
	case err = <-h.done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after logout")
	}
	h.cancel()

	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Contains(t, err.Error(), "/tmp/session.db")
	assert.Equal(t, domain.StateLoggedOut, h.sup.State())
	assert.Equal(t, 1, h.transport.openCount())
	assert.False(t, h.sup.Paired())
}

func TestCredentials_SavedBeforeNextEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.store.gate = make(chan struct{})
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventCredentialsUpdated, Credentials: fakeCreds("15551234567.0:1@s.whatsapp.net")})
	h.transport.emit(domain.Event{Kind: domain.EventConnected})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StateConnecting, h.sup.State(), "loop must not advance while save is in progress")

	close(h.store.gate)
	require.Eventually(t, func() bool { return h.sup.State() == domain.StateOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.store.savedCount())
	require.NoError(t, h.stop(t))
}

func TestCredentials_SaveErrorIsLogged(t *testing.T) {
	h := newHarness(t, nil)
	h.store.err = errors.New("disk full")
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventCredentialsUpdated, Credentials: fakeCreds("")})
	h.transport.emit(domain.Event{Kind: domain.EventConnected})

	require.Eventually(t, func() bool { return h.sup.State() == domain.StateOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.store.savedCount())
	require.NoError(t, h.stop(t))
}

func TestMessages_HandedToRelay(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	for range 3 {
		h.transport.emit(domain.Event{Kind: domain.EventMessages, Batch: notifyBatch()})
	}

	require.Eventually(t, func() bool { return h.relay.handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))
}

func TestMessages_ConcurrencyBounded(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConcurrent = 2 })
	h.relay.gate = make(chan struct{})
	h.start(t)

	for range 5 {
		h.transport.emit(domain.Event{Kind: domain.EventMessages, Batch: notifyBatch()})
	}

	require.Eventually(t, func() bool { return h.relay.inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), h.relay.peak.Load())

	close(h.relay.gate)
	require.Eventually(t, func() bool { return h.relay.handled.Load() == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))
}

func TestRun_WaitsForInFlightRelays(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.gate = make(chan struct{})
	h.start(t)

	h.transport.emit(domain.Event{Kind: domain.EventMessages, Batch: notifyBatch()})
	require.Eventually(t, func() bool { return h.relay.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case <-h.done:
		t.Fatal("Run returned while a relay was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.relay.gate)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMessages_StalledRelaysDoNotBlockLifecycle(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxConcurrent = 1
		cfg.Bus = bus.New(2, testLogger())
	})
	h.relay.gate = make(chan struct{})
	h.start(t)

	for range 4 {
		h.transport.emit(domain.Event{Kind: domain.EventMessages, Batch: notifyBatch()})
	}
	emitted := make(chan struct{})
	go func() {
		h.transport.emit(domain.Event{Kind: domain.EventDisconnected, Cause: domain.DisconnectCause{Reason: "network"}})
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("disconnect publish blocked behind stalled relays")
	}
	require.Eventually(t, func() bool { return h.transport.openCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.relay.inFlight.Load())

	close(h.relay.gate)
	require.Eventually(t, func() bool { return h.relay.handled.Load() == 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMessages_WaitingBatchesDroppedOnShutdownAreLogged(t *testing.T) {
	var logs syncBuffer
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxConcurrent = 1
		cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})
	h.relay.gate = make(chan struct{})
	h.start(t)

	for range 3 {
		h.transport.emit(domain.Event{Kind: domain.EventMessages, Batch: notifyBatch()})
	}
	h.transport.emit(domain.Event{Kind: domain.EventConnected})
	require.Eventually(t, func() bool { return h.sup.State() == domain.StateOpen }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.relay.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.cancel()
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "batch dropped on shutdown") == 2
	}, time.Second, 5*time.Millisecond)
	close(h.relay.gate)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int32(1), h.relay.handled.Load())
	assert.Contains(t, logs.String(), "category=notify")
}
