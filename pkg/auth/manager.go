package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openidm/mobileauth/pkg/errx"
)

// Status is the manager's position in the attempt state machine.
type Status int

const (
	StatusIdle Status = iota
	StatusDispatching
	StatusAwaitingChallenge
	StatusBackChannel
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDispatching:
		return "dispatching"
	case StatusAwaitingChallenge:
		return "awaiting_challenge"
	case StatusBackChannel:
		return "back_channel"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Manager runs at most one authentication attempt at a time, relaying
// challenges to the application and cancellation back into the flow.
type Manager struct {
	service Service
	handler ChallengeHandler
	log     *slog.Logger

	mu        sync.Mutex
	status    Status
	inFlight  bool
	cancel    context.CancelFunc
	challenge *Challenge
}

// NewManager binds a service to the application's challenge handler.
func NewManager(service Service, handler ChallengeHandler) *Manager {
	return &Manager{
		service: service,
		handler: handler,
		log:     slog.Default().With("component", "auth_manager"),
	}
}

// Status returns the current attempt state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Authenticate drives one attempt to completion. A second call while one
// is in flight fails immediately with the login-in-progress code; the two
// never race. The call blocks (challenges included) and is safe to run off
// the caller's UI goroutine.
func (m *Manager) Authenticate(ctx context.Context, req *Request) (*AuthenticationContext, error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return nil, errx.New(errx.CodeLoginInProgress, "login_in_progress", "an authentication attempt is already in flight")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.inFlight = true
	m.status = StatusDispatching
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.inFlight = false
		m.cancel = nil
		m.challenge = nil
		m.mu.Unlock()
	}()

	actx, err := m.service.Authenticate(ctx, req)

	m.mu.Lock()
	switch {
	case err == nil:
		m.status = StatusCompleted
	case errx.IsCancelled(err):
		m.status = StatusCancelled
	default:
		m.status = StatusFailed
	}
	m.mu.Unlock()

	if err != nil {
		m.log.WarnContext(ctx, "authentication attempt finished", "status", m.Status().String(), "err", err)
		return nil, err
	}
	m.log.InfoContext(ctx, "authentication attempt finished", "status", "completed", "user", actx.UserName())
	return actx, nil
}

// Cancel aborts the in-flight attempt: the pending challenge (if any) is
// cancelled, the flow context is cancelled, and any blocked flow goroutine
// is released with a cancelled outcome. Idempotent, callable from any
// goroutine, a no-op after completion.
func (m *Manager) Cancel() {
	m.mu.Lock()
	ch := m.challenge
	cancel := m.cancel
	m.mu.Unlock()

	if ch != nil {
		ch.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

// raise delivers a challenge to the handler and blocks the flow goroutine
// until it is answered or the attempt is cancelled.
func (m *Manager) raise(ctx context.Context, c *Challenge) (ChallengeResponse, error) {
	m.mu.Lock()
	if !m.inFlight {
		m.mu.Unlock()
		return ChallengeResponse{}, errx.New(errx.CodeInternalError, "internal_error", "challenge raised outside an attempt")
	}
	m.challenge = c
	m.status = StatusAwaitingChallenge
	m.mu.Unlock()

	go m.handler.Handle(c)
	resp, err := c.await(ctx)

	m.mu.Lock()
	m.challenge = nil
	if err == nil {
		m.status = StatusBackChannel
	}
	m.mu.Unlock()
	return resp, err
}
