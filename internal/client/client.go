package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/logger"
	"github.com/wolfeidau/tutor/internal/models"
)

var (
	// ErrUnauthorized is returned when the backend answers 401.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Detail)
}

// Unwrap maps 401 responses to ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Config holds common client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Debug logs every request with its status and duration.
	Debug bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000/api",
		Timeout: 10 * time.Second,
		Debug:   false,
	}
}

// Client talks to the tutoring backend's auth and user endpoints.
type Client struct {
	baseURL string
	base    http.RoundTripper
	http    *http.Client
}

// New creates a client. Requests to the auth endpoints never carry a bearer token and are
// never retried; use Authenticated for everything else.
func New(config Config) *Client {
	var next http.RoundTripper = http.DefaultTransport
	if config.Debug {
		next = logger.NewHTTPRequests(log.Logger, next)
	}
	base := &requestIDTransport{next: next}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		base:    base,
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: base,
		},
	}
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Login exchanges email and password for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.postJSON(ctx, "/auth/login", map[string]string{"email": email, "password": password}, &pair)
	return pair, err
}

// Register creates an account and returns its first token pair.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.postJSON(ctx, "/auth/register", req, &pair)
	return pair, err
}

// GoogleLogin exchanges a Google authorization code for a token pair.
func (c *Client) GoogleLogin(ctx context.Context, code string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.postJSON(ctx, "/auth/google", map[string]string{"code": code}, &pair)
	return pair, err
}

// Refresh exchanges a refresh token for a new pair. The old refresh token is retired by the backend.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.postJSON(ctx, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, &pair)
	return pair, err
}

// Logout tells the backend the refresh token is retired.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.postJSON(ctx, "/auth/logout", map[string]string{"refresh_token": refreshToken}, nil)
}

// Me fetches the profile of the user owning accessToken.
func (c *Client) Me(ctx context.Context, accessToken string) (*models.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var profile models.UserProfile
	if err := c.do(c.http, req, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetJSON performs an authenticated GET of path with hc (see Authenticated) and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, hc *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(hc, req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(c.http, req, out)
}

func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// newAPIError reads the FastAPI error body: {"detail": "..."} or {"detail": [...]}.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return apiErr
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		apiErr.Detail = detail
		return apiErr
	}
	apiErr.Detail = string(body.Detail)
	return apiErr
}

// requestIDTransport tags every request with a fresh X-Request-ID.
type requestIDTransport struct {
	next http.RoundTripper
}

func (t *requestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("X-Request-ID", id.String())

	return t.next.RoundTrip(clone)
}
