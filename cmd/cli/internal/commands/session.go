package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/internal/client"
	"github.com/wolfeidau/tutor/internal/credentials"
	"github.com/wolfeidau/tutor/internal/models"
	"github.com/wolfeidau/tutor/internal/viewmode"
)

var (
	// ErrNotLoggedIn is returned by commands that need a session.
	ErrNotLoggedIn = errors.New("not logged in, run 'tutor-cli login' first")

	errRefreshFailed = errors.New("refresh failed")
)

// LoginCmd starts a session with email and password or a Google authorization code.
type LoginCmd struct {
	Email      string `help:"Account email" xor:"method" env:"TUTOR_EMAIL"`
	Password   string `help:"Account password" env:"TUTOR_PASSWORD"`
	GoogleCode string `help:"Google authorization code" name:"google-code" xor:"method"`
}

func (c *LoginCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	var pair models.TokenPair
	switch {
	case c.GoogleCode != "":
		pair, err = a.api.GoogleLogin(ctx, c.GoogleCode)
	case c.Email != "" && c.Password != "":
		pair, err = a.api.Login(ctx, c.Email, c.Password)
	default:
		return errors.New("either --email and --password, or --google-code is required")
	}
	if err != nil {
		return describe("login failed", err)
	}

	return startSession(ctx, globals, a, pair)
}

// RegisterCmd creates an account and starts a session with it.
type RegisterCmd struct {
	Username        string `help:"Username" required:""`
	Email           string `help:"Account email" required:""`
	Password        string `help:"Account password" required:"" env:"TUTOR_PASSWORD"`
	ConfirmPassword string `help:"Password confirmation" name:"confirm-password" required:""`
}

func (c *RegisterCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Password != c.ConfirmPassword {
		return errors.New("passwords do not match")
	}

	a, err := globals.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	pair, err := a.api.Register(ctx, client.RegisterRequest{
		Username:        c.Username,
		Email:           c.Email,
		Password:        c.Password,
		ConfirmPassword: c.ConfirmPassword,
	})
	if err != nil {
		return describe("registration failed", err)
	}

	return startSession(ctx, globals, a, pair)
}

func startSession(ctx context.Context, globals *Globals, a *app, pair models.TokenPair) error {
	if err := a.session.Login(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		return err
	}

	st := a.session.State()
	name := fmt.Sprintf("user %d", st.UserID)
	if st.User != nil {
		name = st.User.Username
	}

	role := ""
	if st.Elevated {
		role = " (admin)"
	}
	fmt.Fprintf(globals.stdout(), "Logged in as %s%s\n", name, role)
	return nil
}

// LogoutCmd ends the session.
type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	wasLoggedIn := a.session.State().Authenticated
	a.session.Logout(ctx)

	if !wasLoggedIn {
		fmt.Fprintln(globals.stdout(), "Not logged in.")
		return nil
	}
	fmt.Fprintln(globals.stdout(), "Logged out.")
	return nil
}

// StatusCmd shows the stored session.
type StatusCmd struct{}

func (c *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	st := a.session.State()
	if !st.Authenticated {
		fmt.Fprintln(globals.stdout(), "Not logged in.")
		return nil
	}

	expires := st.Expiry.Format(time.RFC3339)
	if st.Expiry.Before(time.Now()) {
		expires += " (expired)"
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User ID:\t%d\n", st.UserID)
	fmt.Fprintf(w, "Admin:\t%v\n", st.Elevated)
	fmt.Fprintf(w, "View mode:\t%s\n", a.prefs.Mode())
	fmt.Fprintf(w, "Expires:\t%s\n", expires)
	fmt.Fprintf(w, "Access token:\t%s\n", short(credentials.Fingerprint(a.store.Get(credentials.Access))))
	fmt.Fprintf(w, "Refresh token:\t%s\n", short(credentials.Fingerprint(a.store.Get(credentials.Refresh))))
	fmt.Fprintf(w, "Store:\t%s\n", a.store.Dir())
	return w.Flush()
}

// RefreshCmd rotates the token pair now.
type RefreshCmd struct {
	Retries uint `help:"Extra refresh attempts with exponential backoff before giving up" default:"0"`
}

func (c *RefreshCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.session.State().Authenticated {
		return ErrNotLoggedIn
	}

	attempts := c.Retries + 1

	var tries uint
	_, err = backoff.Retry(ctx, func() (bool, error) {
		tries++

		// The last attempt goes through the session so a failure ends it.
		if tries == attempts || a.store.Get(credentials.Refresh) == "" {
			if !a.session.TryRefresh(ctx) {
				return false, backoff.Permanent(client.ErrSessionExpired)
			}
			return true, nil
		}

		if !a.coord.RequestRefresh(ctx) {
			log.Debug().Uint("attempt", tries).Uint("attempts", attempts).Msg("refresh attempt failed")
			return false, errRefreshFailed
		}
		return true, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(attempts))
	if err != nil {
		return err
	}

	fmt.Fprintln(globals.stdout(), "Tokens refreshed.")
	return nil
}

// WhoamiCmd fetches the profile through the authenticated transport.
type WhoamiCmd struct{}

func (c *WhoamiCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.session.State().Authenticated {
		return ErrNotLoggedIn
	}

	var profile models.UserProfile
	if err := a.api.GetJSON(ctx, a.api.Authenticated(a.session), "/users/me", &profile); err != nil {
		return describe("failed to fetch profile", err)
	}

	fmt.Fprintf(globals.stdout(), "%s <%s> (id %d)\n", profile.Username, profile.Email, profile.ID)
	return nil
}

// ViewModeCmd shows or changes the admin/user view.
type ViewModeCmd struct {
	Mode string `arg:"" optional:"" help:"New view mode (admin or user)"`
}

func (c *ViewModeCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if c.Mode == "" {
		fmt.Fprintln(globals.stdout(), a.prefs.Mode())
		return nil
	}

	mode, err := viewmode.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	if err := a.prefs.Set(mode, a.session.State().Elevated); err != nil {
		return err
	}

	fmt.Fprintln(globals.stdout(), mode)
	return nil
}

// GuardCmd evaluates a route guard against the stored session.
type GuardCmd struct {
	Route string `arg:"" enum:"protected,guest,admin" help:"Guard to evaluate (protected, guest or admin)"`
}

func (c *GuardCmd) Run(ctx context.Context, globals *Globals) error {
	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	evaluate := a.guard.Protect
	switch c.Route {
	case "guest":
		evaluate = a.guard.Guest
	case "admin":
		evaluate = a.guard.Admin
	}

	decision := evaluate(ctx)
	if decision.Location != "" {
		fmt.Fprintf(globals.stdout(), "%s %s\n", decision.Verdict, decision.Location)
		return nil
	}
	fmt.Fprintln(globals.stdout(), decision.Verdict)
	return nil
}

// describe turns backend errors into a message carrying the backend's detail.
func describe(msg string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return fmt.Errorf("%s: %s", msg, apiErr.Detail)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func short(fp string) string {
	if fp == "" {
		return "-"
	}
	if len(fp) > 12 {
		return fp[:12] + "..."
	}
	return fp
}
