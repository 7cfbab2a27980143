// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/modbot/modbot/internal/config"
	"github.com/modbot/modbot/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

type (
	// App carries the services and global flag values every command needs.
	App struct {
		Config  config.Provider
		stdin   io.Reader
		stdout  io.Writer
		stderr  io.Writer
		verbose bool
		cfgFile string
		cfgDir  string
	}

	// Dependencies are the injection points for NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config config.Provider
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}
)

// NewApp builds an App, filling unset dependencies.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config: deps.Config,
		stdin:  deps.Stdin,
		stdout: deps.Stdout,
		stderr: deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.stdin == nil {
		app.stdin = os.Stdin
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// loadOptions turns the --config and --config-dir flags into LoadOptions.
func (a *App) loadOptions() config.LoadOptions {
	return config.LoadOptions{ConfigFilePath: a.cfgFile, ConfigDirPath: a.cfgDir}
}

// loadConfig loads the configuration named by the global flags.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	return a.Config.Load(ctx, a.loadOptions())
}

// NewRootCommand builds the modbot command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "modbot",
		Short: "A Discord bot built from hot-pluggable modules",
		Long: TitleStyle.Render("modbot") + SubtitleStyle.Render(" - a Discord bot built from hot-pluggable modules") + `

modbot loads module bundles (zip archives or *.modbundle directories) from
the configured directories, resolves their dependencies, and runs each one
in its own loading unit with a private scheduler, config store and data
directory.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Create a configuration: modbot config init
  2. Put bundles in the modules directory
  3. Start the bot: modbot run

` + SubtitleStyle.Render("Examples:") + `
  modbot run                       Start the bot
  modbot modules list              List bundles in the module directories
  modbot modules info ./greeter    Describe one bundle
  modbot config show               Show the effective configuration`,
		SilenceUsage: true,
	}

	root.SetIn(app.stdin)
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/modbot/config.cue)")
	root.PersistentFlags().StringVar(&app.cfgDir, "config-dir", "", "directory holding config.cue")

	root.AddCommand(
		newRunCommand(app),
		newModulesCommand(app),
		newConfigCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version != "dev" {
		return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev (built from source)"
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
