// Package session holds the authentication state derived from the stored token pair and
// exposes the lifecycle operations: hydrate, login, logout and refresh.
//
// A Manager is the single owner of session state for the process. The access and refresh
// tokens themselves live in the credentials store; the manager keeps only the decoded view of
// the current access token.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/auth"
	"github.com/wolfeidau/tutor/internal/credentials"
	"github.com/wolfeidau/tutor/internal/models"
	"github.com/wolfeidau/tutor/internal/refresh"
	"github.com/wolfeidau/tutor/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
)

// DefaultLogoutTimeout bounds the best-effort logout notification.
const DefaultLogoutTimeout = 5 * time.Second

var (
	// ErrNotAuthenticated is returned by Token when there is no session.
	ErrNotAuthenticated = errors.New("not authenticated")

	errSessionEnded = errors.New("session ended during refresh")
)

// State is a snapshot of the session.
//
// Elevated is never true unless Authenticated is. Loading is true until hydration has read
// the token store.
type State struct {
	Authenticated bool
	Elevated      bool
	UserID        int64
	AccessToken   string
	Expiry        time.Time
	User          *models.UserProfile
	Loading       bool
}

// Backend is the part of the API the manager talks to directly.
type Backend interface {
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context, accessToken string) (*models.UserProfile, error)
}

// Manager owns the session state machine.
type Manager struct {
	store         credentials.TokenStore
	coord         *refresh.Coordinator
	backend       Backend
	fetchProfile  bool
	logoutTimeout time.Duration

	hydrateOnce sync.Once
	ready       chan struct{}

	// opMu serializes login and logout.
	opMu sync.Mutex

	mu    sync.RWMutex
	state State

	subs subscribers
}

// Option configures a Manager.
type Option func(*Manager)

// WithProfileFetch enables fetching GET /users/me after login and hydration.
func WithProfileFetch(enabled bool) Option {
	return func(m *Manager) {
		m.fetchProfile = enabled
	}
}

// WithLogoutTimeout overrides DefaultLogoutTimeout.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.logoutTimeout = d
		}
	}
}

// NewManager creates a manager in the loading state. The coordinator must be the only one in
// the process and must use the same store.
func NewManager(store credentials.TokenStore, coord *refresh.Coordinator, backend Backend, opts ...Option) *Manager {
	if store == nil || coord == nil || backend == nil {
		panic("session: NewManager requires a store, a coordinator and a backend")
	}

	m := &Manager{
		store:         store,
		coord:         coord,
		backend:       backend,
		logoutTimeout: DefaultLogoutTimeout,
		ready:         make(chan struct{}),
		state:         State{Loading: true},
	}
	for _, opt := range opts {
		opt(m)
	}

	coord.OnRotate(m.applyRotation)

	return m
}

// State returns a snapshot of the current session.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Ready is closed once hydration has finished.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until hydration has finished or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every session event. Call the returned func to unsubscribe.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.subs.add(fn)
}

// Hydrate loads the session from the token store. Only the first call does anything.
func (m *Manager) Hydrate(ctx context.Context) {
	m.hydrateOnce.Do(func() {
		m.hydrate(ctx)
	})
}

func (m *Manager) hydrate(ctx context.Context) {
	access := m.store.Get(credentials.Access)
	refreshToken := m.store.Get(credentials.Refresh)

	var fetch bool
	switch {
	case access == "" && refreshToken == "":
		log.Debug().Msg("no stored session")
	case access == "" || refreshToken == "":
		log.Debug().Bool("access", access != "").Bool("refresh", refreshToken != "").Msg("incomplete stored session ignored")
	default:
		claims, err := auth.DecodeClaims(access)
		if err != nil {
			log.Warn().Err(err).Msg("discarding stored tokens")
			if err := m.store.Clear(); err != nil {
				log.Warn().Err(err).Msg("failed to clear token store")
			}
			break
		}

		m.mu.Lock()
		m.applyClaimsLocked(access, claims)
		m.mu.Unlock()

		// An expired token would only produce a 401; the first guard refreshes it.
		fetch = m.fetchProfile && !claims.Expired(time.Now())
	}

	if fetch {
		m.loadProfile(ctx, access)
	}

	m.mu.Lock()
	m.state.Loading = false
	st := m.snapshotLocked()
	m.mu.Unlock()

	close(m.ready)

	log.Debug().Bool("authenticated", st.Authenticated).Bool("elevated", st.Elevated).Msg("session hydrated")
	m.subs.notify(Event{Kind: EventHydrated, State: st})
}

// Login starts a session from a freshly issued pair. The access token must decode; a token
// that does not is rejected without touching the store.
//
// A failed profile fetch does not fail the login.
func (m *Manager) Login(ctx context.Context, accessToken, refreshToken string) error {
	pair := models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}
	if !pair.Valid() {
		return errors.New("login requires both an access and a refresh token")
	}

	claims, err := auth.DecodeClaims(accessToken)
	if err != nil {
		return fmt.Errorf("login rejected: %w", err)
	}

	m.opMu.Lock()
	// A flight still out for the previous session fails once it sees the new pair.
	err = m.coord.Fence(func() error {
		if err := m.store.SetPair(pair); err != nil {
			return fmt.Errorf("failed to store tokens: %w", err)
		}

		m.mu.Lock()
		m.applyClaimsLocked(accessToken, claims)
		m.state.User = nil
		m.mu.Unlock()
		return nil
	})
	m.opMu.Unlock()
	if err != nil {
		return err
	}

	if m.fetchProfile {
		m.loadProfile(ctx, accessToken)
	}

	telemetry.GetMetrics().LoginsTotal.Add(ctx, 1)

	st := m.State()
	log.Info().Int64("user_id", st.UserID).Bool("elevated", st.Elevated).Msg("session started")
	m.subs.notify(Event{Kind: EventLoggedIn, State: st})

	return nil
}

// Logout retires the session. The backend is told about the retired refresh token on a best
// effort basis; the local session is always cleared. Calling it without a session is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	m.logout(ctx, EventLoggedOut)
}

func (m *Manager) logout(ctx context.Context, kind EventKind) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if refreshToken := m.store.Get(credentials.Refresh); refreshToken != "" {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
		if err := m.backend.Logout(lctx, refreshToken); err != nil {
			log.Debug().Err(err).Msg("logout notification failed")
		}
		cancel()
	}

	var (
		wasAuthenticated bool
		st               State
	)
	_ = m.coord.Fence(func() error {
		m.mu.Lock()
		wasAuthenticated = m.state.Authenticated
		m.state = State{Loading: m.state.Loading}
		st = m.snapshotLocked()
		m.mu.Unlock()

		if err := m.store.Clear(); err != nil {
			log.Warn().Err(err).Msg("failed to clear token store")
		}
		return nil
	})

	if !wasAuthenticated {
		return
	}

	telemetry.GetMetrics().LogoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", kind.String())))
	log.Info().Str("reason", kind.String()).Msg("session ended")
	m.subs.notify(Event{Kind: kind, State: st})
}

// TryRefresh refreshes the token pair through the shared coordinator and reports whether
// the session is still usable. A failed refresh ends the session.
//
// When ctx ends before the flight does, it returns false and leaves the session alone: the
// flight keeps running for its other waiters. A flight overtaken by a login or logout leaves
// the newer session alone and reports whether it is usable.
func (m *Manager) TryRefresh(ctx context.Context) bool {
	err := m.coord.Refresh(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, refresh.ErrSuperseded):
		log.Debug().Msg("refresh overtaken by a newer session")
		return m.State().Authenticated
	case ctx.Err() != nil:
		return false
	}

	m.logout(ctx, EventExpired)
	return false
}

// Token returns the current access token for the transport.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.state.Authenticated {
		return nil, ErrNotAuthenticated
	}
	return models.TokenPair{AccessToken: m.state.AccessToken}.OAuth2(m.state.Expiry), nil
}

var _ oauth2.TokenSource = (*Manager)(nil)

// applyRotation runs inside the refresh flight, after the rotated pair has been stored. Login
// and logout are fenced against it, so the pair belongs to the current session unless that
// session never became authenticated.
func (m *Manager) applyRotation(pair models.TokenPair) error {
	claims, err := auth.DecodeClaims(pair.AccessToken)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.state.Authenticated && !m.state.Loading {
		m.mu.Unlock()
		if err := m.store.Clear(); err != nil {
			log.Warn().Err(err).Msg("failed to clear token store")
		}
		return errSessionEnded
	}
	m.applyClaimsLocked(pair.AccessToken, claims)
	st := m.snapshotLocked()
	m.mu.Unlock()

	m.subs.notify(Event{Kind: EventRefreshed, State: st})
	return nil
}

func (m *Manager) loadProfile(ctx context.Context, accessToken string) {
	profile, err := m.backend.Me(ctx, accessToken)
	if err != nil {
		telemetry.GetMetrics().ProfileErrorsTotal.Add(ctx, 1)
		log.Warn().Err(err).Msg("failed to load user profile")

		m.subs.notify(Event{Kind: EventProfileUnavailable, State: m.State()})
		return
	}

	m.mu.Lock()
	// Ignore a profile fetched for a session that has since ended or changed hands.
	if m.state.Authenticated && m.state.UserID == profile.ID {
		m.state.User = profile
	}
	m.mu.Unlock()
}

func (m *Manager) applyClaimsLocked(accessToken string, claims *auth.Claims) {
	m.state.Authenticated = true
	m.state.Elevated = claims.IsAdmin
	m.state.UserID = claims.UserID
	m.state.AccessToken = accessToken
	m.state.Expiry = claims.Expiry
}

func (m *Manager) snapshotLocked() State {
	st := m.state
	if st.User != nil {
		user := *st.User
		st.User = &user
	}
	return st
}
