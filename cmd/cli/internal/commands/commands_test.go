package commands

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tutor/internal/auth"
	"github.com/wolfeidau/tutor/internal/authtest"
	"github.com/wolfeidau/tutor/internal/client"
	"github.com/wolfeidau/tutor/internal/credentials"
	"github.com/wolfeidau/tutor/internal/viewmode"
)

type cliEnv struct {
	srv     *authtest.Server
	globals *Globals
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	srv := authtest.NewServer(t)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	return &cliEnv{
		srv:    srv,
		stdout: stdout,
		stderr: stderr,
		globals: &Globals{
			Server:  srv.URL(),
			Home:    t.TempDir(),
			Timeout: 5 * time.Second,
			Stdout:  stdout,
			Stderr:  stderr,
		},
	}
}

// output returns and resets stdout.
func (e *cliEnv) output() string {
	out := e.stdout.String()
	e.stdout.Reset()
	return out
}

func (e *cliEnv) store(t *testing.T) *credentials.Store {
	t.Helper()
	home, err := e.globals.homeDir()
	require.NoError(t, err)
	s, err := credentials.NewStore(home + "/credentials")
	require.NoError(t, err)
	return s
}

func TestLoginStatusLogout(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", true)
	ctx := context.Background()

	require.NoError(t, (&LoginCmd{Email: "ana@example.com", Password: "secret"}).Run(ctx, e.globals))
	assert.Equal(t, "Logged in as ana (admin)\n", e.output())

	require.NoError(t, (&StatusCmd{}).Run(ctx, e.globals))
	status := e.output()
	assert.Contains(t, status, "Admin:")
	assert.Contains(t, status, "true")
	assert.Contains(t, status, "View mode:      admin")

	require.NoError(t, (&WhoamiCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "ana <ana@example.com> (id 1)\n", e.output())

	require.NoError(t, (&LogoutCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "Logged out.\n", e.output())
	assert.Equal(t, 1, e.srv.LogoutCalls())

	require.NoError(t, (&LogoutCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "Not logged in.\n", e.output())

	require.NoError(t, (&StatusCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "Not logged in.\n", e.output())
}

func TestLogin_BadCredentials(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", false)

	err := (&LoginCmd{Email: "ana@example.com", Password: "nope"}).Run(context.Background(), e.globals)
	require.EqualError(t, err, "login failed: Credenciales inválidas")
	assert.Empty(t, e.store(t).Get(credentials.Access))
}

func TestLogin_MissingMethod(t *testing.T) {
	e := newCLIEnv(t)
	err := (&LoginCmd{Email: "ana@example.com"}).Run(context.Background(), e.globals)
	require.Error(t, err)
}

func TestLogin_Google(t *testing.T) {
	e := newCLIEnv(t)

	require.NoError(t, (&LoginCmd{GoogleCode: authtest.GoogleCode}).Run(context.Background(), e.globals))
	assert.Equal(t, "Logged in as google\n", e.output())
}

func TestLogin_ProfileUnavailableIsNotFatal(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", false)
	e.srv.FailProfile(true)

	require.NoError(t, (&LoginCmd{Email: "ana@example.com", Password: "secret"}).Run(context.Background(), e.globals))
	assert.Equal(t, "Logged in as user 1\n", e.output())
	assert.Contains(t, e.stderr.String(), "profile unavailable")
}

func TestRegister(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()

	err := (&RegisterCmd{Username: "luis", Email: "luis@example.com", Password: "pw", ConfirmPassword: "other"}).Run(ctx, e.globals)
	require.EqualError(t, err, "passwords do not match")

	require.NoError(t, (&RegisterCmd{Username: "luis", Email: "luis@example.com", Password: "pw", ConfirmPassword: "pw"}).Run(ctx, e.globals))
	assert.Equal(t, "Logged in as luis\n", e.output())

	err = (&RegisterCmd{Username: "luis", Email: "luis@example.com", Password: "pw", ConfirmPassword: "pw"}).Run(ctx, e.globals)
	require.EqualError(t, err, "registration failed: Email ya registrado")
}

func TestRefresh(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", false)
	ctx := context.Background()

	require.ErrorIs(t, (&RefreshCmd{}).Run(ctx, e.globals), ErrNotLoggedIn)

	require.NoError(t, (&LoginCmd{Email: "ana@example.com", Password: "secret"}).Run(ctx, e.globals))
	e.output()
	before := e.store(t).Get(credentials.Refresh)

	require.NoError(t, (&RefreshCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "Tokens refreshed.\n", e.output())
	assert.NotEqual(t, before, e.store(t).Get(credentials.Refresh))

	require.NoError(t, (&RefreshCmd{Retries: 2}).Run(ctx, e.globals))
	assert.Equal(t, 2, e.srv.RefreshCalls())
}

func TestRefresh_RejectedEndsSession(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", false)
	ctx := context.Background()

	require.NoError(t, (&LoginCmd{Email: "ana@example.com", Password: "secret"}).Run(ctx, e.globals))
	require.NoError(t, e.store(t).Set(credentials.Refresh, "retired"))

	err := (&RefreshCmd{}).Run(ctx, e.globals)
	require.ErrorIs(t, err, client.ErrSessionExpired)
	assert.Contains(t, e.stderr.String(), "session expired, please log in again")
	assert.Empty(t, e.store(t).Get(credentials.Access))
}

func TestRefresh_RetriesBoundTheAttempts(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", false)
	ctx := context.Background()

	require.NoError(t, (&LoginCmd{Email: "ana@example.com", Password: "secret"}).Run(ctx, e.globals))
	require.NoError(t, e.store(t).Set(credentials.Refresh, "retired"))

	err := (&RefreshCmd{Retries: 2}).Run(ctx, e.globals)
	require.ErrorIs(t, err, client.ErrSessionExpired)
	// One attempt plus two retries, the last of which ends the session.
	assert.Equal(t, 3, e.srv.RefreshCalls())
	assert.Empty(t, e.store(t).Get(credentials.Refresh))
}

func TestWhoami_RefreshesExpiredToken(t *testing.T) {
	e := newCLIEnv(t)
	id := e.srv.AddUser("ana@example.com", "secret", false)
	require.NoError(t, e.store(t).SetPair(e.srv.IssuePair(t, id, -time.Minute)))

	require.NoError(t, (&WhoamiCmd{}).Run(context.Background(), e.globals))
	assert.Equal(t, "ana <ana@example.com> (id 1)\n", e.output())
	assert.Equal(t, 1, e.srv.RefreshCalls())
}

func TestGuardCmd(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddUser("ana@example.com", "secret", false)
	ctx := context.Background()

	require.NoError(t, (&GuardCmd{Route: "protected"}).Run(ctx, e.globals))
	assert.Equal(t, "redirect /login\n", e.output())
	require.NoError(t, (&GuardCmd{Route: "guest"}).Run(ctx, e.globals))
	assert.Equal(t, "admit\n", e.output())

	require.NoError(t, (&LoginCmd{Email: "ana@example.com", Password: "secret"}).Run(ctx, e.globals))
	e.output()

	require.NoError(t, (&GuardCmd{Route: "protected"}).Run(ctx, e.globals))
	assert.Equal(t, "admit\n", e.output())
	require.NoError(t, (&GuardCmd{Route: "guest"}).Run(ctx, e.globals))
	assert.Equal(t, "redirect /dashboard\n", e.output())
	require.NoError(t, (&GuardCmd{Route: "admin"}).Run(ctx, e.globals))
	assert.Equal(t, "redirect /\n", e.output())
}

func TestViewModeCmd(t *testing.T) {
	e := newCLIEnv(t)
	id := e.srv.AddUser("root@example.com", "secret", true)
	ctx := context.Background()

	require.NoError(t, (&LoginCmd{Email: "root@example.com", Password: "secret"}).Run(ctx, e.globals))
	e.output()

	require.NoError(t, (&ViewModeCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "admin\n", e.output())

	require.NoError(t, (&ViewModeCmd{Mode: "user"}).Run(ctx, e.globals))
	assert.Equal(t, "user\n", e.output())
	require.NoError(t, (&GuardCmd{Route: "admin"}).Run(ctx, e.globals))
	assert.Equal(t, "redirect /\n", e.output())

	require.NoError(t, (&ViewModeCmd{Mode: "admin"}).Run(ctx, e.globals))
	e.output()
	require.NoError(t, (&GuardCmd{Route: "admin"}).Run(ctx, e.globals))
	assert.Equal(t, "admit\n", e.output())

	// Elevation revoked server side: the next refresh demotes the view.
	e.srv.SetAdmin(id, false)
	require.NoError(t, (&RefreshCmd{}).Run(ctx, e.globals))
	e.output()
	require.NoError(t, (&ViewModeCmd{}).Run(ctx, e.globals))
	assert.Equal(t, "user\n", e.output())

	err := (&ViewModeCmd{Mode: "admin"}).Run(ctx, e.globals)
	require.ErrorIs(t, err, viewmode.ErrNotElevated)

	err = (&ViewModeCmd{Mode: "root"}).Run(ctx, e.globals)
	require.ErrorIs(t, err, viewmode.ErrInvalidMode)
}

func TestTokenCmd(t *testing.T) {
	e := newCLIEnv(t)

	der, err := x509.MarshalECPrivateKey(e.srv.Key())
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))

	require.NoError(t, (&TokenCmd{UserID: 7, Admin: true, TTL: time.Minute, SigningKey: keyPEM}).Run(context.Background(), e.globals))

	claims, err := auth.DecodeClaims(string(bytes.TrimSpace(e.stdout.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.True(t, claims.IsAdmin)
}
