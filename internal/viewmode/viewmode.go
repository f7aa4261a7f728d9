// Package viewmode persists the admin/user view preference and keeps it consistent with the
// session's elevation.
package viewmode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Mode is the lens the user works through.
type Mode string

const (
	Admin Mode = "admin"
	User  Mode = "user"
)

// FileName is the preference file inside the tutor home directory.
const FileName = "preferences.yaml"

var (
	// ErrNotElevated is returned when admin mode is requested without admin rights.
	ErrNotElevated = errors.New("admin view requires an admin session")
	// ErrInvalidMode is returned for anything but "admin" or "user".
	ErrInvalidMode = errors.New("invalid view mode")
)

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Admin, User:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

type preferencesFile struct {
	ViewMode Mode `yaml:"view_mode,omitempty"`
	// Chosen marks a mode picked with Set rather than by reconciliation.
	Chosen bool `yaml:"chosen,omitempty"`
}

// Preference is the durable view mode. It is not trusted until Reconcile has checked it
// against the session's elevation; Ready reports whether that happened.
type Preference struct {
	path string

	mu     sync.Mutex
	mode   Mode
	chosen bool
	ready  bool
}

// Open loads the preference from dir. A missing or unreadable file starts from "user".
func Open(dir string) (*Preference, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create preferences directory: %w", err)
	}

	p := &Preference{path: filepath.Join(dir, FileName), mode: User}

	data, err := os.ReadFile(p.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	var prefs preferencesFile
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		log.Warn().Err(err).Str("path", p.path).Msg("ignoring unreadable preferences")
		return p, nil
	}

	if mode, err := ParseMode(string(prefs.ViewMode)); err == nil {
		p.mode = mode
		p.chosen = prefs.Chosen
	}

	return p, nil
}

// Mode returns the current mode.
func (p *Preference) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Ready reports whether the preference has been reconciled at least once.
func (p *Preference) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Set changes the mode. Admin is refused unless elevated.
func (p *Preference) Set(mode Mode, elevated bool) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if mode == Admin && !elevated {
		return ErrNotElevated
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.mode = mode
	p.chosen = true
	return p.saveLocked()
}

// Reconcile aligns the mode with elevation and returns it. Admin is demoted to user when the
// session is not elevated, which also drops an explicit admin choice. An elevated session
// starts in admin unless the user picked a mode with Set.
func (p *Preference) Reconcile(elevated bool) Mode {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ready = true

	next := p.mode
	switch {
	case !elevated && p.mode == Admin:
		next = User
	case elevated && !p.chosen:
		next = Admin
	}

	if next == p.mode {
		return p.mode
	}

	log.Debug().Str("from", string(p.mode)).Str("to", string(next)).Bool("elevated", elevated).Msg("view mode reconciled")

	p.mode = next
	p.chosen = false
	if err := p.saveLocked(); err != nil {
		log.Warn().Err(err).Msg("failed to save view mode")
	}

	return p.mode
}

func (p *Preference) saveLocked() error {
	data, err := yaml.Marshal(preferencesFile{ViewMode: p.mode, Chosen: p.chosen})
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save preferences: %w", err)
	}

	return nil
}
