// Package supervisor owns the session lifecycle: it opens the transport,
// persists rotated credentials, hands message batches to the relay and
// reopens the session after transient disconnects.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
	"wabridge/internal/relay"
)

// ErrLoggedOut ends Run when the account logged this device out.
var ErrLoggedOut = errors.New("session logged out")

// BatchHandler processes inbound message batches.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch domain.MessageBatch) relay.Outcome
}

// Notifier receives the readiness ping once the session opens.
type Notifier interface {
	Notify(ctx context.Context) error
}

type Config struct {
	Transport domain.Transport
	Store     domain.CredentialStore
	Relay     BatchHandler
	Notifier  Notifier // optional
	Bus       domain.EventBus
	Backoff   Backoff
	// MaxConcurrent bounds relays in flight. Defaults to 5.
	MaxConcurrent int
	// Paired reports whether the store already held a paired device at startup.
	Paired  bool
	Metrics *metrics.Bridge // optional
	Logger  *slog.Logger
}

type Supervisor struct {
	transport domain.Transport
	store     domain.CredentialStore
	relay     BatchHandler
	notifier  Notifier
	bus       domain.EventBus
	backoff   Backoff
	sem       *semaphore.Weighted
	metrics   *metrics.Bridge
	logger    *slog.Logger

	mu      sync.RWMutex
	started bool
	state   domain.ConnectionState
	paired  bool

	// Owned by the Run goroutine.
	attempt    int
	retryTimer *time.Timer
	retryC     <-chan time.Time

	wg sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Supervisor{
		transport: cfg.Transport,
		store:     cfg.Store,
		relay:     cfg.Relay,
		notifier:  cfg.Notifier,
		bus:       cfg.Bus,
		backoff:   cfg.Backoff,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		state:     domain.StateClosed,
		paired:    cfg.Paired,
	}
}

// Start subscribes the event bus to the transport and opens the session.
// Only the first call has any effect. A failing first open is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.transport.Subscribe(s.bus.Publish)

	s.setState(domain.StateConnecting)
	if err := s.transport.Open(ctx); err != nil {
		s.setState(domain.StateClosed)
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

// Run consumes transport events until ctx is cancelled, the bus closes, or
// the session is logged out. In-flight relays finish before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()
	defer s.stopRetry()

	events := s.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, evt); err != nil {
				return err
			}
		case <-s.retryC:
			s.retryC = nil
			s.retryTimer = nil
			s.reopen(ctx)
		}
	}
}

func (s *Supervisor) State() domain.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Paired reports whether the session holds a paired device.
func (s *Supervisor) Paired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paired
}

func (s *Supervisor) handle(ctx context.Context, evt domain.Event) error {
	switch evt.Kind {
	case domain.EventConnected:
		s.onConnected(ctx)

	case domain.EventDisconnected:
		return s.onDisconnected(evt.Cause)

	case domain.EventCredentialsUpdated:
		s.onCredentials(ctx, evt.Credentials)

	case domain.EventMessages:
		s.dispatch(ctx, evt.Batch)

	default:
		s.logger.Debug("unhandled transport event", "kind", evt.Kind)
	}
	return nil
}

func (s *Supervisor) onConnected(ctx context.Context) {
	s.stopRetry()
	s.attempt = 0

	s.mu.Lock()
	s.paired = true
	s.mu.Unlock()
	s.setState(domain.StateOpen)
	s.logger.Info("session open")

	if s.notifier == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.notifier.Notify(ctx); err != nil {
			s.logger.Warn("readiness ping failed", "err", err)
		}
	}()
}

func (s *Supervisor) onDisconnected(cause domain.DisconnectCause) error {
	if cause.LoggedOut {
		s.stopRetry()
		s.mu.Lock()
		s.paired = false
		s.mu.Unlock()
		s.setState(domain.StateLoggedOut)

		err := fmt.Errorf("%w: delete %s (or run 'wabridge logout') and restart to pair again", ErrLoggedOut, s.store.Path())
		s.logger.Error("session logged out, not reconnecting", "reason", cause.String(), "store", s.store.Path())
		return err
	}

	s.setState(domain.StateClosed)
	s.logger.Warn("session closed", "reason", cause.String())
	s.scheduleReopen()
	return nil
}

// onCredentials persists rotated credentials before the loop moves on.
func (s *Supervisor) onCredentials(ctx context.Context, creds domain.Credentials) {
	if creds == nil {
		return
	}
	if creds.AccountID() != "" {
		s.mu.Lock()
		s.paired = true
		s.mu.Unlock()
	}
	if err := s.store.Save(ctx, creds); err != nil {
		s.logger.Error("failed to persist credentials", "store", s.store.Path(), "err", err)
		return
	}
	s.logger.Debug("credentials persisted", "account", creds.AccountID())
}

// dispatch runs the relay in its own goroutine. Batches beyond
// MaxConcurrent wait for a slot there, so the loop keeps draining lifecycle
// events while relays are stalled.
func (s *Supervisor) dispatch(ctx context.Context, batch domain.MessageBatch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.logger.Debug("batch dropped on shutdown", "category", batch.Category, "count", len(batch.Envelopes))
			return
		}
		defer s.sem.Release(1)
		s.relay.HandleBatch(ctx, batch)
	}()
}

func (s *Supervisor) scheduleReopen() {
	if s.retryC != nil {
		s.logger.Debug("reopen already pending")
		return
	}
	delay := s.backoff.Delay(s.attempt)
	s.attempt++
	s.logger.Info("reopening session", "attempt", s.attempt, "delay", delay)

	s.retryTimer = time.NewTimer(delay)
	s.retryC = s.retryTimer.C
}

func (s *Supervisor) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = nil
	s.retryC = nil
}

func (s *Supervisor) reopen(ctx context.Context) {
	s.metrics.ObserveReconnect()
	s.setState(domain.StateConnecting)
	if err := s.transport.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.setState(domain.StateClosed)
		s.logger.Warn("session reopen failed", "attempt", s.attempt, "err", err)
		s.scheduleReopen()
	}
}

func (s *Supervisor) setState(state domain.ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metrics.SetState(state)
}
