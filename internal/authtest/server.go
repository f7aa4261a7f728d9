// Package authtest provides an in-process fake of the tutoring backend's auth API for tests.
//
// Refresh tokens rotate like the real backend: a refresh token is accepted exactly once.
package authtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfeidau/tutor/internal/auth"
	"github.com/wolfeidau/tutor/internal/models"
)

// GoogleCode is the only authorization code accepted by POST /auth/google.
const GoogleCode = "valid-google-code"

type user struct {
	id       int64
	username string
	email    string
	password string
	admin    bool
}

// Server is a fake backend rooted at URL() (which plays the role of the /api base URL).
type Server struct {
	srv *httptest.Server
	key *ecdsa.PrivateKey

	// AccessTTL is the lifetime of access tokens issued by login, register and refresh.
	AccessTTL time.Duration

	mu       sync.Mutex
	nextID   int64
	users    map[int64]*user
	refresh  map[string]int64 // refresh token -> user id
	gate     chan struct{}
	failMe   bool
	failOut  bool
	lastReqs []string

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	meCalls      atomic.Int32
}

// NewServer starts a fake backend that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}

	s := &Server{
		key:       key,
		AccessTTL: 15 * time.Minute,
		users:     make(map[int64]*user),
		refresh:   make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/google", s.handleGoogle)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /users/me", s.handleMe)
	mux.HandleFunc("GET /courses", s.handleCourses)
	mux.HandleFunc("POST /echo", s.handleEcho)

	s.srv = httptest.NewServer(s.recordRequestID(mux))
	t.Cleanup(s.srv.Close)

	return s
}

// URL is the base URL clients should be configured with.
func (s *Server) URL() string {
	return s.srv.URL
}

// Key returns the key access tokens are signed with.
func (s *Server) Key() *ecdsa.PrivateKey {
	return s.key
}

// AddUser registers an account and returns its id.
func (s *Server) AddUser(email, password string, admin bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(strings.Split(email, "@")[0], email, password, admin)
}

// SetAdmin changes the elevation carried by tokens issued from now on.
func (s *Server) SetAdmin(userID int64, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.admin = admin
	}
}

// IssuePair creates a valid pair for userID with a custom access token lifetime.
// A negative ttl produces an already expired access token.
func (s *Server) IssuePair(t testing.TB, userID int64, ttl time.Duration) models.TokenPair {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.issueLocked(s.users[userID], ttl)
	if err != nil {
		t.Fatalf("failed to issue pair: %v", err)
	}
	return pair
}

// HoldRefresh makes refresh requests block until the returned release func is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// FailProfile makes GET /users/me answer 500.
func (s *Server) FailProfile(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMe = fail
}

// FailLogout makes POST /auth/logout answer 500.
func (s *Server) FailLogout(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOut = fail
}

// RefreshCalls is the number of POST /auth/refresh requests received.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// LogoutCalls is the number of POST /auth/logout requests received.
func (s *Server) LogoutCalls() int { return int(s.logoutCalls.Load()) }

// MeCalls is the number of GET /users/me requests received.
func (s *Server) MeCalls() int { return int(s.meCalls.Load()) }

// RefreshTokenActive reports whether the backend still accepts token.
func (s *Server) RefreshTokenActive(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refresh[token]
	return ok
}

// RequestIDs returns the X-Request-ID headers received so far.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastReqs...)
}

func (s *Server) recordRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastReqs = append(s.lastReqs, r.Header.Get("X-Request-ID"))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.email == strings.ToLower(in.Email) && u.password == in.Password {
			s.writePairLocked(w, u)
			return
		}
	}
	writeDetail(w, http.StatusBadRequest, "Credenciales inválidas")
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Password != in.ConfirmPassword {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detail": []map[string]any{{"loc": []string{"body", "confirm_password"}, "msg": "Las contraseñas no coinciden"}},
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.email == strings.ToLower(in.Email) {
			writeDetail(w, http.StatusBadRequest, "Email ya registrado")
			return
		}
	}

	id := s.addUserLocked(in.Username, in.Email, in.Password, false)
	s.writePairLocked(w, s.users[id])
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Code != GoogleCode {
		writeDetail(w, http.StatusBadRequest, "Código inválido")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.email == "google@example.com" {
			s.writePairLocked(w, u)
			return
		}
	}
	id := s.addUserLocked("google", "google@example.com", "", false)
	s.writePairLocked(w, s.users[id])
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.refresh[in.RefreshToken]
	if !ok {
		writeDetail(w, http.StatusBadRequest, "Token inválido")
		return
	}

	// rotation
	delete(s.refresh, in.RefreshToken)
	s.writePairLocked(w, s.users[userID])
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOut {
		writeDetail(w, http.StatusInternalServerError, "logout unavailable")
		return
	}
	delete(s.refresh, in.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.meCalls.Add(1)

	u, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	fail := s.failMe
	s.mu.Unlock()
	if fail {
		writeDetail(w, http.StatusInternalServerError, "profile unavailable")
		return
	}

	writeJSON(w, http.StatusOK, models.UserProfile{ID: u.id, Username: u.username, Email: u.email})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{{"id": 1, "name": "Álgebra"}})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	var body map[string]any
	if !decode(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// authenticate verifies the bearer token signature and expiry.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*user, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return nil, false
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Token inválido")
		return nil, false
	}

	id, _ := claims["user_id"].(float64)

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[int64(id)]
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Usuario no encontrado")
		return nil, false
	}
	copied := *u
	return &copied, true
}

func (s *Server) addUserLocked(username, email, password string, admin bool) int64 {
	s.nextID++
	s.users[s.nextID] = &user{
		id:       s.nextID,
		username: username,
		email:    strings.ToLower(email),
		password: password,
		admin:    admin,
	}
	return s.nextID
}

func (s *Server) issueLocked(u *user, ttl time.Duration) (models.TokenPair, error) {
	access, err := auth.SignToken(s.key, u.id, u.admin, ttl)
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh := rand.Text()
	s.refresh[refresh] = u.id

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) writePairLocked(w http.ResponseWriter, u *user) {
	pair, err := s.issueLocked(u, s.AccessTTL)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
