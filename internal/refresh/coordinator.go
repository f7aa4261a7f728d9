// Package refresh collapses concurrent token refreshes into a single backend call.
//
// Refresh tokens rotate: the backend invalidates the old refresh token as soon as it issues a new
// pair. Two parallel refreshes with the same token therefore always end with one of them failing,
// and a failed refresh logs the user out. Every refresh in the process has to go through one
// Coordinator so that concurrent callers share a single flight and its outcome.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/credentials"
	"github.com/wolfeidau/tutor/internal/models"
	"github.com/wolfeidau/tutor/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single refresh flight.
const DefaultTimeout = 10 * time.Second

// flightKey is the only key used with the singleflight group: there is one refresh token,
// so there is at most one flight.
const flightKey = "refresh"

var (
	// ErrNoRefreshToken is recorded when a refresh is requested without a stored refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrSuperseded is returned when the stored pair changed while the flight was out, by a
	// login or a logout. The rotated pair is discarded and the store is left alone.
	ErrSuperseded = errors.New("token pair replaced during refresh")
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// RotationHook is invoked inside a successful flight, after the new pair is stored and
// before any waiter observes the result. Returning an error fails the flight. Hooks run
// under the commit lock and must not call Fence.
type RotationHook func(pair models.TokenPair) error

// Coordinator ensures at most one refresh call is in flight at a time.
type Coordinator struct {
	store     credentials.TokenStore
	refresher Refresher
	timeout   time.Duration

	group singleflight.Group

	// commitMu orders flight commits against Fence.
	commitMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []RotationHook
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCoordinator creates a coordinator reading and writing tokens through store.
func NewCoordinator(store credentials.TokenStore, refresher Refresher, opts ...Option) *Coordinator {
	if store == nil || refresher == nil {
		panic("refresh: NewCoordinator requires a store and a refresher")
	}

	c := &Coordinator{
		store:     store,
		refresher: refresher,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnRotate registers a hook run inside every successful flight.
func (c *Coordinator) OnRotate(hook RotationHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Fence runs fn while no flight can commit a rotated pair. Anything that replaces or clears
// the stored pair outside a flight must do it inside Fence; a flight that started from the
// previous pair then fails with ErrSuperseded. fn must not request a refresh.
func (c *Coordinator) Fence(fn func() error) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return fn()
}

// RequestRefresh starts a refresh flight, or attaches to the one already in progress,
// and reports whether it succeeded. It never retries.
//
// The flight is detached from ctx: a caller whose context ends stops waiting and gets false,
// while the flight runs to completion for everyone else attached to it.
func (c *Coordinator) RequestRefresh(ctx context.Context) bool {
	return c.Refresh(ctx) == nil
}

// Refresh is RequestRefresh returning the flight's error, or ctx's when the caller stopped
// waiting.
func (c *Coordinator) Refresh(ctx context.Context) error {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return nil, c.fly(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			telemetry.GetMetrics().RefreshJoinedTotal.Add(ctx, 1)
		}
		return res.Err
	case <-ctx.Done():
		log.Debug().Err(ctx.Err()).Msg("stopped waiting for refresh")
		return ctx.Err()
	}
}

// fly performs one refresh call. The singleflight group releases the flight when this
// returns, on every path including panics.
func (c *Coordinator) fly(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "refresh.flight")
	defer span.End()

	m := telemetry.GetMetrics()
	started := time.Now()

	err := c.exchange(ctx)

	m.RefreshDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		m.RefreshFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("no_token", errors.Is(err, ErrNoRefreshToken))))
		log.Info().Err(err).Msg("token refresh failed")
		return err
	}

	log.Debug().Dur("duration", time.Since(started)).Msg("token refreshed")
	return nil
}

func (c *Coordinator) exchange(ctx context.Context) error {
	refreshToken := c.store.Get(credentials.Refresh)
	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	telemetry.GetMetrics().RefreshFlightsTotal.Add(ctx, 1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return err
	}
	if !pair.Valid() {
		return errors.New("refresh response missing tokens")
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if c.store.Get(credentials.Refresh) != refreshToken {
		return ErrSuperseded
	}

	// Store first: every waiter must see the rotated pair once the flight resolves.
	if err := c.store.SetPair(pair); err != nil {
		return err
	}

	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()

	for _, hook := range hooks {
		if err := hook(pair); err != nil {
			return err
		}
	}

	return nil
}
