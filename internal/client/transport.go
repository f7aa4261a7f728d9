package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/telemetry"
	"golang.org/x/oauth2"
)

var (
	// ErrSessionExpired is returned when a request needed a token refresh and the refresh failed.
	// The session has been torn down by then; the user has to log in again.
	ErrSessionExpired = errors.New("session expired, please log in again")
)

// Session is what the transport needs from the session manager: the current bearer token
// and the shared refresh entry point.
type Session interface {
	oauth2.TokenSource
	TryRefresh(ctx context.Context) bool
}

// Transport attaches the session's access token to every request.
//
// A token that is already past its expiry is refreshed before the request is sent. A 401
// response triggers one refresh and one replay of the request. Both paths go through
// Session.TryRefresh, so they share the refresh flight with every other caller. A 401 for a
// token the session has already replaced is replayed without refreshing again.
type Transport struct {
	Session Session
	Base    http.RoundTripper
}

var _ http.RoundTripper = (*Transport)(nil)

// Authenticated returns an HTTP client whose requests carry the session's bearer token.
func (c *Client) Authenticated(session Session) *http.Client {
	return &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &Transport{Session: session, Base: c.base},
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if tok, err := t.Session.Token(); err == nil && !tok.Valid() {
		if !t.Session.TryRefresh(ctx) {
			closeBody(req)
			return nil, ErrSessionExpired
		}
	}

	src := &sentToken{source: t.Session}
	inner := &oauth2.Transport{Source: src, Base: t.Base}

	replay, canReplay := replayable(req)

	resp, err := inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if !canReplay {
		log.Debug().Str("path", req.URL.Path).Msg("401 on a request that cannot be replayed")
		return resp, nil
	}

	// Discard the 401 so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	if !src.rotated() && !t.Session.TryRefresh(ctx) {
		return nil, ErrSessionExpired
	}

	retry, err := replay()
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().RequestRetriesTotal.Add(ctx, 1)
	log.Debug().Str("path", req.URL.Path).Msg("replaying request after token refresh")

	return inner.RoundTrip(retry)
}

// sentToken remembers the last access token handed to the oauth2 transport.
type sentToken struct {
	source oauth2.TokenSource

	mu   sync.Mutex
	sent string
}

func (s *sentToken) Token() (*oauth2.Token, error) {
	tok, err := s.source.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sent = tok.AccessToken
	s.mu.Unlock()
	return tok, nil
}

// rotated reports whether the session now holds a different token than the one sent.
func (s *sentToken) rotated() bool {
	tok, err := s.source.Token()
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent != "" && tok.AccessToken != s.sent
}

// replayable returns a function producing a fresh copy of req, if its body can be read twice.
func replayable(req *http.Request) (func() (*http.Request, error), bool) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, false
	}

	return func() (*http.Request, error) {
		clone := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			clone.Body = body
		}
		return clone, nil
	}, true
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
