// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/modbot/modbot/internal/bot"
	"github.com/modbot/modbot/internal/issue"
)

// newRunCommand creates the `modbot run` command.
func newRunCommand(app *App) *cobra.Command {
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		Long: `Start the bot: load every bundle from the module directories, connect
to Discord when a token is configured, and enable the modules.

Operator commands are read from standard input unless --no-console is set.
Type "modules" to list modules and "stop" to shut down.

Examples:
  modbot run
  modbot run --config ./config.cue --no-console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, app, noConsole)
		},
	}

	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read operator commands from standard input")

	return cmd
}

func runBot(cmd *cobra.Command, app *App, noConsole bool) error {
	ctx := cmd.Context()

	cfg, err := app.loadConfig(ctx)
	if err != nil {
		if rendered, renderErr := issue.Get(issue.ConfigLoadFailedId).Render("dark"); renderErr == nil {
			fmt.Fprint(app.stderr, rendered)
		}
		fmt.Fprintln(app.stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, app.verbose))
		return &ExitError{Code: 1, Err: err}
	}

	logger, err := newLogger(app.stderr, cfg.Logging, app.verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	if cfg.Discord.Token == "" {
		fmt.Fprintln(app.stderr, WarningStyle.Render("Warning: ")+"no Discord token configured; slash commands and gateway events are disabled")
		if app.verbose {
			if rendered, renderErr := issue.Get(issue.TokenMissingId).Render("dark"); renderErr == nil {
				fmt.Fprint(app.stderr, rendered)
			}
		}
	}

	opts := []bot.Option{
		bot.WithLogger(logger),
		bot.WithVersion(getVersionString()),
	}
	if !noConsole {
		opts = append(opts, bot.WithConsole(app.stdin, app.stdout))
	}
	return bot.New(cfg, opts...).Run(ctx)
}
