package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/tutor/internal/client"
	"github.com/wolfeidau/tutor/internal/credentials"
	"github.com/wolfeidau/tutor/internal/guard"
	"github.com/wolfeidau/tutor/internal/refresh"
	"github.com/wolfeidau/tutor/internal/session"
	"github.com/wolfeidau/tutor/internal/viewmode"
)

type Globals struct {
	Debug   bool
	Version string
	Server  string
	Home    string
	Timeout time.Duration

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

func (g *Globals) stderr() io.Writer {
	if g.Stderr == nil {
		return os.Stderr
	}
	return g.Stderr
}

// homeDir returns the tutor home directory, ~/.tutor unless overridden.
func (g *Globals) homeDir() (string, error) {
	if g.Home != "" {
		return g.Home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tutor"), nil
}

// app is the wired session stack shared by the commands.
type app struct {
	api     *client.Client
	store   *credentials.Store
	coord   *refresh.Coordinator
	session *session.Manager
	prefs   *viewmode.Preference
	guard   *guard.Guard

	unsubscribe []func()
}

// open wires the stack and hydrates the session from disk.
func (g *Globals) open(ctx context.Context, fetchProfile bool) (*app, error) {
	home, err := g.homeDir()
	if err != nil {
		return nil, err
	}

	store, err := credentials.NewStore(filepath.Join(home, "credentials"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token store: %w", err)
	}

	prefs, err := viewmode.Open(home)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	cfg := client.DefaultConfig()
	if g.Server != "" {
		cfg.BaseURL = g.Server
	}
	if g.Timeout > 0 {
		cfg.Timeout = g.Timeout
	}
	cfg.Debug = g.Debug

	api := client.New(cfg)
	coord := refresh.NewCoordinator(store, api, refresh.WithTimeout(cfg.Timeout))
	manager := session.NewManager(store, coord, api, session.WithProfileFetch(fetchProfile))

	a := &app{
		api:     api,
		store:   store,
		coord:   coord,
		session: manager,
		prefs:   prefs,
		guard:   guard.New(manager, prefs),
	}
	a.unsubscribe = append(a.unsubscribe,
		guard.SyncViewMode(manager, prefs),
		manager.Subscribe(notifications(g.stderr())),
	)

	manager.Hydrate(ctx)

	return a, nil
}

func (a *app) close() {
	for _, fn := range a.unsubscribe {
		fn()
	}
}

// notifications prints the non-fatal session notices.
func notifications(w io.Writer) func(session.Event) {
	return func(ev session.Event) {
		switch ev.Kind {
		case session.EventExpired:
			fmt.Fprintln(w, client.ErrSessionExpired.Error())
		case session.EventProfileUnavailable:
			fmt.Fprintln(w, "warning: profile unavailable, continuing without it")
		}
	}
}
