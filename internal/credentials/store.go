package credentials

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/models"
)

// Kind names one of the two token slots.
type Kind string

const (
	Access  Kind = "access"
	Refresh Kind = "refresh"
)

const tokensFile = "tokens.json"

// Sentinel errors
var (
	// ErrUnknownKind is returned when writing a slot other than access or refresh.
	ErrUnknownKind = errors.New("unknown token kind")
)

// TokenStore is the persisted key/value surface holding the access and refresh tokens.
// An empty string from Get means the slot is not set.
type TokenStore interface {
	Get(kind Kind) string
	Set(kind Kind, value string) error
	SetPair(pair models.TokenPair) error
	Clear() error
}

// tokenFile is the on-disk format of the token slots.
type tokenFile struct {
	Version      int       `json:"version"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is a durable file-backed TokenStore.
//
// Tokens survive process restarts: every CLI invocation starts from whatever the previous one
// left behind. This is the only persistence scope used for tokens.
type Store struct {
	baseDir string

	mu     sync.RWMutex
	tokens tokenFile
}

var _ TokenStore = (*Store)(nil)

// NewStore opens the token store in baseDir.
// If baseDir is empty, uses ~/.tutor/credentials/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".tutor", "credentials")
	}

	// Create directory with 0700 permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	store := &Store{baseDir: baseDir}

	if err := store.load(); err != nil {
		return nil, err
	}

	log.Debug().Str("baseDir", baseDir).Msg("token store initialized")

	return store, nil
}

// Dir returns the directory holding the token file.
func (s *Store) Dir() string {
	return s.baseDir
}

// Get returns the token in the given slot, or an empty string.
func (s *Store) Get(kind Kind) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch kind {
	case Access:
		return s.tokens.AccessToken
	case Refresh:
		return s.tokens.RefreshToken
	default:
		return ""
	}
}

// Set writes a single slot.
func (s *Store) Set(kind Kind, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.tokens
	switch kind {
	case Access:
		next.AccessToken = value
	case Refresh:
		next.RefreshToken = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return s.save(next)
}

// SetPair writes both slots in a single file replacement so readers never observe
// a new access token next to a retired refresh token.
func (s *Store) SetPair(pair models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.tokens
	next.AccessToken = pair.AccessToken
	next.RefreshToken = pair.RefreshToken

	if err := s.save(next); err != nil {
		return err
	}

	log.Debug().
		Str("refreshFingerprint", Fingerprint(pair.RefreshToken)).
		Msg("token pair stored")

	return nil
}

// Clear removes both tokens. Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens.AccessToken == "" && s.tokens.RefreshToken == "" {
		return nil
	}

	if err := s.save(tokenFile{Version: 1}); err != nil {
		return err
	}

	log.Debug().Msg("tokens cleared")

	return nil
}

// Fingerprint returns a short, non-reversible identifier for a token
// (Base58-encoded SHA256). Empty tokens have an empty fingerprint.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return base58.Encode(hash[:])
}

// load reads the token file, creating an empty one if it doesn't exist.
func (s *Store) load() error {
	path := filepath.Join(s.baseDir, tokensFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.save(tokenFile{Version: 1})
		}
		return fmt.Errorf("failed to read tokens: %w", err)
	}

	var tokens tokenFile
	if err := json.Unmarshal(data, &tokens); err != nil {
		// A corrupt file is treated as an empty session rather than a fatal error.
		log.Warn().Err(err).Str("path", path).Msg("discarding unreadable token file")
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.save(tokenFile{Version: 1})
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()

	return nil
}

// save writes the token file atomically and updates the in-memory copy.
// Callers must hold s.mu.
func (s *Store) save(tokens tokenFile) error {
	tokens.Version = 1
	tokens.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	// Write to temp file first
	path := filepath.Join(s.baseDir, tokensFile)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write tokens: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save tokens: %w", err)
	}

	s.tokens = tokens

	return nil
}
