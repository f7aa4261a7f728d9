// Package guard decides whether navigation into a protected, guest-only or admin-only view is
// admitted or redirected.
//
// Each decision starts Pending and ends in Admit or Redirect. The pure functions decide from a
// session snapshot; Guard adds the waiting: it blocks until hydration is over and, for
// protected views, until a refresh of an expired token has settled.
package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/auth"
	"github.com/wolfeidau/tutor/internal/session"
	"github.com/wolfeidau/tutor/internal/telemetry"
	"github.com/wolfeidau/tutor/internal/viewmode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Verdict is the outcome of a guard evaluation.
type Verdict int

const (
	Pending Verdict = iota
	Admit
	Redirect
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Admit:
		return "admit"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is a verdict plus, for Redirect, where to go.
type Decision struct {
	Verdict  Verdict
	Location string
}

// Routes are the redirect targets.
type Routes struct {
	Login   string
	Landing string
	Home    string
}

// DefaultRoutes returns the application's login, landing and home paths.
func DefaultRoutes() Routes {
	return Routes{
		Login:   "/login",
		Landing: "/dashboard",
		Home:    "/",
	}
}

var pending = Decision{Verdict: Pending}

func admit() Decision { return Decision{Verdict: Admit} }

func redirect(location string) Decision {
	return Decision{Verdict: Redirect, Location: location}
}

// Protected admits authenticated sessions and sends everyone else to the login view.
func Protected(st session.State, routes Routes) Decision {
	if st.Loading {
		return pending
	}
	if st.Authenticated {
		return admit()
	}
	return redirect(routes.Login)
}

// GuestOnly keeps authenticated sessions away from login and register.
func GuestOnly(st session.State, routes Routes) Decision {
	if st.Loading {
		return pending
	}
	if st.Authenticated {
		return redirect(routes.Landing)
	}
	return admit()
}

// AdminOnly admits only elevated sessions working in admin mode. It stays pending until the
// view mode has been reconciled.
func AdminOnly(st session.State, mode viewmode.Mode, modeReady bool, routes Routes) Decision {
	if st.Loading || !modeReady {
		return pending
	}
	if st.Authenticated && st.Elevated && mode == viewmode.Admin {
		return admit()
	}
	return redirect(routes.Home)
}

// Session is what the guards need from the session manager.
type Session interface {
	State() session.State
	Ready() <-chan struct{}
	TryRefresh(ctx context.Context) bool
	Logout(ctx context.Context)
}

// Preference is the reconciled view mode.
type Preference interface {
	Mode() viewmode.Mode
	Ready() bool
	Reconcile(elevated bool) viewmode.Mode
}

// Guard evaluates the three guards against a live session.
type Guard struct {
	session Session
	prefs   Preference
	routes  Routes
	now     func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithRoutes overrides DefaultRoutes.
func WithRoutes(routes Routes) Option {
	return func(g *Guard) {
		g.routes = routes
	}
}

// WithClock overrides the clock used for the expiry check.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates a guard.
func New(s Session, prefs Preference, opts ...Option) *Guard {
	if s == nil || prefs == nil {
		panic("guard: New requires a session and a view mode preference")
	}

	g := &Guard{
		session: s,
		prefs:   prefs,
		routes:  DefaultRoutes(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protect evaluates the protected guard. An authenticated session whose access token has
// expired is refreshed first; a token that cannot be decoded ends the session.
//
// If ctx ends before a verdict is reached the result is Pending and must be ignored.
func (g *Guard) Protect(ctx context.Context) Decision {
	if !g.wait(ctx) {
		return pending
	}

	st := g.session.State()
	if st.Authenticated {
		claims, err := auth.DecodeClaims(st.AccessToken)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("corrupt access token, ending session")
			g.session.Logout(ctx)
		case claims.Expired(g.now()):
			log.Debug().Time("expiry", claims.Expiry).Msg("access token expired, refreshing")
			g.session.TryRefresh(ctx)
			if ctx.Err() != nil {
				return pending
			}
		}
		st = g.session.State()
	}

	return g.record(ctx, "protected", Protected(st, g.routes))
}

// Guest evaluates the guest-only guard.
func (g *Guard) Guest(ctx context.Context) Decision {
	if !g.wait(ctx) {
		return pending
	}
	return g.record(ctx, "guest", GuestOnly(g.session.State(), g.routes))
}

// Admin evaluates the admin-only guard, reconciling the view mode with the current elevation
// first so a demoted session is redirected on this evaluation.
func (g *Guard) Admin(ctx context.Context) Decision {
	if !g.wait(ctx) {
		return pending
	}

	st := g.session.State()
	mode := g.prefs.Reconcile(st.Elevated)

	return g.record(ctx, "admin", AdminOnly(st, mode, g.prefs.Ready(), g.routes))
}

func (g *Guard) wait(ctx context.Context) bool {
	select {
	case <-g.session.Ready():
		return true
	case <-ctx.Done():
		return false
	}
}

func (g *Guard) record(ctx context.Context, name string, d Decision) Decision {
	telemetry.GetMetrics().GuardDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guard", name),
		attribute.String("verdict", d.Verdict.String()),
	))

	log.Debug().Str("guard", name).Str("verdict", d.Verdict.String()).Str("location", d.Location).Msg("guard decision")

	return d
}

// Subscriber is the event side of the session manager.
type Subscriber interface {
	Subscribe(fn func(session.Event)) (cancel func())
}

// SyncViewMode reconciles prefs on every session change so a lost elevation demotes admin
// mode immediately, not only on the next admin evaluation.
func SyncViewMode(s Subscriber, prefs Preference) (cancel func()) {
	return s.Subscribe(func(ev session.Event) {
		if ev.Kind == session.EventProfileUnavailable {
			return
		}
		prefs.Reconcile(ev.State.Elevated)
	})
}
