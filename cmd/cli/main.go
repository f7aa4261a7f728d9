package main

import (
	"context"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tutor/cmd/cli/internal/commands"
	"github.com/wolfeidau/tutor/internal/logger"
	"github.com/wolfeidau/tutor/internal/telemetry"
)

var (
	version = "dev"
	cli     struct {
		Login    commands.LoginCmd    `cmd:"" help:"Log in with email and password or a Google code"`
		Register commands.RegisterCmd `cmd:"" help:"Create an account and log in"`
		Logout   commands.LogoutCmd   `cmd:"" help:"Log out and forget the stored tokens"`
		Status   commands.StatusCmd   `cmd:"" help:"Show the stored session"`
		Refresh  commands.RefreshCmd  `cmd:"" help:"Rotate the token pair"`
		Whoami   commands.WhoamiCmd   `cmd:"" help:"Show the logged in user"`
		ViewMode commands.ViewModeCmd `cmd:"" name:"view-mode" help:"Show or change the admin/user view"`
		Guard    commands.GuardCmd    `cmd:"" help:"Evaluate a route guard"`
		Token    commands.TokenCmd    `cmd:"" help:"Generate a JWT access token for development"`

		Debug     bool          `help:"Enable debug mode."`
		Server    string        `help:"API base URL" default:"http://localhost:8000/api" env:"TUTOR_SERVER_URL"`
		Home      string        `help:"Directory holding tokens and preferences (default ~/.tutor)" env:"TUTOR_HOME"`
		Timeout   time.Duration `help:"Request timeout" default:"10s" env:"TUTOR_TIMEOUT"`
		Telemetry bool          `help:"Export traces and metrics over OTLP" env:"TUTOR_TELEMETRY"`
		Version   kong.VersionFlag
	}
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Msg("error loading .env file")
	}

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tutor-cli"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	shutdown := func(context.Context) error { return nil }
	if cli.Telemetry {
		var err error
		shutdown, err = telemetry.InitTelemetry(ctx, "tutor-cli", version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(context.Context) error { return nil }
		}
	}

	err := cmd.Run(&commands.Globals{
		Debug:   cli.Debug,
		Version: version,
		Server:  cli.Server,
		Home:    cli.Home,
		Timeout: cli.Timeout,
	})

	// Flush before FatalIfErrorf exits.
	if err := shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown telemetry")
	}

	cmd.FatalIfErrorf(err)
}
