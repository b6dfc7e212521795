package auth

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/openidm/mobileauth/pkg/errx"
)

// TimerType identifies which countdown fired in a timeout callback.
type TimerType int

const (
	SessionTimer TimerType = iota + 1
	IdleTimer
)

func (t TimerType) String() string {
	switch t {
	case SessionTimer:
		return "session"
	case IdleTimer:
		return "idle"
	}
	return "unknown"
}

// TimeoutCallback receives timer notifications. remaining is zero when the
// timer fired, and the time left when it is the advance idle warning. The
// notification never logs the session out by itself.
type TimeoutCallback func(timer TimerType, remaining time.Duration)

// AuthenticationContext is the live session produced by a successful
// authentication: the user, their tokens by scope, the URLs and cookies
// visited on the way, and the session/idle deadlines.
//
// Serializing a context persists the deadlines but never timer state;
// a rehydrated context has its timers stopped until StartTimers.
type AuthenticationContext struct {
	mu sync.RWMutex

	userName       string
	identityDomain string
	visitedURLs    []string
	cookies        []*http.Cookie
	tokens         map[string]Token

	sessionExpiry time.Time
	idleExpiry    time.Time

	idleTimeout      time.Duration
	advanceNotifyPct int

	onTimeout    TimeoutCallback
	sessionTimer *time.Timer
	idleTimer    *time.Timer
	advanceTimer *time.Timer

	loggedOut bool

	// refreshMu serializes token refresh for this context. Validity reads
	// stay on the RWMutex; only one caller refreshes at a time.
	refreshMu sync.Mutex
}

// NewContext builds a context for a freshly authenticated user. The
// deadlines are armed relative to now but no timers run until StartTimers.
func NewContext(cfg *Config, userName string, now time.Time) *AuthenticationContext {
	actx := &AuthenticationContext{
		userName:         userName,
		identityDomain:   cfg.IdentityDomain,
		tokens:           make(map[string]Token),
		idleTimeout:      cfg.IdleTimeout,
		advanceNotifyPct: cfg.AdvanceNotifyPct,
	}
	if cfg.SessionTimeout > 0 {
		actx.sessionExpiry = now.Add(cfg.SessionTimeout)
	}
	if cfg.IdleTimeout > 0 {
		actx.idleExpiry = now.Add(cfg.IdleTimeout)
	}
	return actx
}

// UserName returns the authenticated user.
func (a *AuthenticationContext) UserName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userName
}

// IdentityDomain returns the tenant discriminator for this session.
func (a *AuthenticationContext) IdentityDomain() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identityDomain
}

// AddToken stores a token under its name, replacing any previous one.
func (a *AuthenticationContext) AddToken(t Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[t.Name] = t
}

// Token returns a named token.
func (a *AuthenticationContext) Token(name string) (Token, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tokens[name]
	return t, ok
}

// Tokens returns a snapshot of all tokens.
func (a *AuthenticationContext) Tokens() []Token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Token, 0, len(a.tokens))
	for _, t := range a.tokens {
		out = append(out, t)
	}
	return out
}

// AddVisitedURL records a URL the flow navigated through.
func (a *AuthenticationContext) AddVisitedURL(raw string) {
	if raw == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.visitedURLs {
		if u == raw {
			return
		}
	}
	a.visitedURLs = append(a.visitedURLs, raw)
}

// VisitedURLs returns the URLs navigated during authentication.
func (a *AuthenticationContext) VisitedURLs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.visitedURLs...)
}

// AddCookies records cookies captured from a response.
func (a *AuthenticationContext) AddCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cookies = append(a.cookies, cookies...)
}

// Cookies returns the captured cookies.
func (a *AuthenticationContext) Cookies() []*http.Cookie {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*http.Cookie(nil), a.cookies...)
}

// StartTimers arms the session and idle countdowns with cb as the
// notification sink. When an advance-notification percentage is configured,
// an extra idle warning fires that far into the idle window. Previously
// running timers are stopped first.
func (a *AuthenticationContext) StartTimers(cb TimeoutCallback) {
	a.StopTimers()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTimeout = cb
	now := time.Now()

	if !a.sessionExpiry.IsZero() {
		a.sessionTimer = time.AfterFunc(a.sessionExpiry.Sub(now), func() {
			a.notify(SessionTimer, 0)
		})
	}
	if a.idleTimeout > 0 {
		a.idleExpiry = now.Add(a.idleTimeout)
		a.armIdleLocked(now)
	}
}

// armIdleLocked arms the idle timer and, when configured, the advance
// warning. Caller holds a.mu.
func (a *AuthenticationContext) armIdleLocked(now time.Time) {
	remaining := a.idleExpiry.Sub(now)
	a.idleTimer = time.AfterFunc(remaining, func() {
		a.notify(IdleTimer, 0)
	})
	if a.advanceNotifyPct > 0 && a.advanceNotifyPct < 100 {
		warnAfter := remaining * time.Duration(a.advanceNotifyPct) / 100
		a.advanceTimer = time.AfterFunc(warnAfter, func() {
			a.mu.RLock()
			left := time.Until(a.idleExpiry)
			a.mu.RUnlock()
			if left > 0 {
				a.notify(IdleTimer, left)
			}
		})
	}
}

func (a *AuthenticationContext) notify(timer TimerType, remaining time.Duration) {
	a.mu.RLock()
	cb := a.onTimeout
	a.mu.RUnlock()
	if cb != nil {
		cb(timer, remaining)
	}
}

// ResetIdleTimer pushes the idle deadline out by the full idle window, the
// only legal way back toward validity while the countdown runs. It fails
// once the idle deadline has already passed or when no idle timeout is
// configured.
func (a *AuthenticationContext) ResetIdleTimer() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.idleTimeout <= 0 {
		return errx.New(errx.CodeInvalidIdleTimeout, "invalid_idle_timeout", "no idle timeout configured")
	}
	now := time.Now()
	if !now.Before(a.idleExpiry) {
		return errx.New(errx.CodeUserNotAuthenticated, "user_not_authenticated", "idle timeout already elapsed")
	}

	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	if a.advanceTimer != nil {
		a.advanceTimer.Stop()
	}
	a.idleExpiry = now.Add(a.idleTimeout)
	if a.onTimeout != nil {
		a.armIdleLocked(now)
	}
	return nil
}

// StopTimers cancels all running countdowns. Deadlines are untouched.
func (a *AuthenticationContext) StopTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range []*time.Timer{a.sessionTimer, a.idleTimer, a.advanceTimer} {
		if t != nil {
			t.Stop()
		}
	}
	a.sessionTimer, a.idleTimer, a.advanceTimer = nil, nil, nil
}

// Invalidate marks the context logged out. Terminal.
func (a *AuthenticationContext) Invalidate() {
	a.StopTimers()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loggedOut = true
	a.tokens = make(map[string]Token)
	a.cookies = nil
}

// Valid reports whether the session is still usable at now: not logged
// out, session deadline not passed, idle deadline not passed.
func (a *AuthenticationContext) Valid(now time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.loggedOut {
		return false
	}
	if !a.sessionExpiry.IsZero() && !now.Before(a.sessionExpiry) {
		return false
	}
	if !a.idleExpiry.IsZero() && !now.Before(a.idleExpiry) {
		return false
	}
	return true
}

// ValidForScopes reports whether the session holds a valid token covering
// every requested scope. A false return with a true Valid means a refresh
// could help.
func (a *AuthenticationContext) ValidForScopes(scopes []string, now time.Time) bool {
	if !a.Valid(now) {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, t := range a.tokens {
		if t.Valid(now) && t.CoversScopes(scopes) {
			return true
		}
	}
	return false
}

// RefreshTokenValue returns the refresh token to use for renewal, from any
// held token.
func (a *AuthenticationContext) RefreshTokenValue() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, t := range a.tokens {
		if t.RefreshValue != "" {
			return t.RefreshValue
		}
	}
	return ""
}

// contextState is the serialized form. Timer state deliberately absent.
type contextState struct {
	UserName       string         `json:"user_name"`
	IdentityDomain string         `json:"identity_domain,omitempty"`
	VisitedURLs    []string       `json:"visited_urls,omitempty"`
	Cookies        []*http.Cookie `json:"cookies,omitempty"`
	Tokens         []Token        `json:"tokens,omitempty"`
	SessionExpiry  time.Time      `json:"session_expiry,omitempty"`
	IdleExpiry     time.Time      `json:"idle_expiry,omitempty"`
	IdleTimeout    time.Duration  `json:"idle_timeout,omitempty"`
	AdvanceNotify  int            `json:"advance_notify_pct,omitempty"`
}

// Serialize encodes the context for the credential store. Logged-out
// contexts refuse to serialize.
func (a *AuthenticationContext) Serialize() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.loggedOut {
		return nil, errx.New(errx.CodeUserNotAuthenticated, "user_not_authenticated", "context is logged out")
	}
	st := contextState{
		UserName:       a.userName,
		IdentityDomain: a.identityDomain,
		VisitedURLs:    a.visitedURLs,
		Cookies:        a.cookies,
		SessionExpiry:  a.sessionExpiry,
		IdleExpiry:     a.idleExpiry,
		IdleTimeout:    a.idleTimeout,
		AdvanceNotify:  a.advanceNotifyPct,
	}
	for _, t := range a.tokens {
		st.Tokens = append(st.Tokens, t)
	}
	return json.Marshal(st)
}

// DeserializeContext rehydrates a stored context: deadlines restored,
// timers stopped until StartTimers.
func DeserializeContext(data []byte) (*AuthenticationContext, error) {
	var st contextState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errx.Wrap(errx.CodeStorageItemNotFound, "storage_item_not_found", "decode stored context", err)
	}
	actx := &AuthenticationContext{
		userName:         st.UserName,
		identityDomain:   st.IdentityDomain,
		visitedURLs:      st.VisitedURLs,
		cookies:          st.Cookies,
		tokens:           make(map[string]Token, len(st.Tokens)),
		sessionExpiry:    st.SessionExpiry,
		idleExpiry:       st.IdleExpiry,
		idleTimeout:      st.IdleTimeout,
		advanceNotifyPct: st.AdvanceNotify,
	}
	for _, t := range st.Tokens {
		actx.tokens[t.Name] = t
	}
	return actx, nil
}
