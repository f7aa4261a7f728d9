package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/tutor/internal/auth"
)

// TokenCmd mints an access token for local development against a backend sharing the key.
type TokenCmd struct {
	UserID     int64         `help:"User id claim" required:"" name:"user-id"`
	Admin      bool          `help:"Set the is_admin claim"`
	TTL        time.Duration `help:"Token lifetime" default:"15m"`
	SigningKey string        `help:"PEM encoded ECDSA signing key" required:"" env:"TUTOR_JWT_SIGNING_KEY"`
}

func (t *TokenCmd) Run(ctx context.Context, globals *Globals) error {
	token, err := auth.IssueToken(t.SigningKey, t.UserID, t.Admin, t.TTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(globals.stdout(), token)
	return nil
}
