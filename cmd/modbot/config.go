// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modbot/modbot/internal/config"
)

// settableKeys lists the keys accepted by `config set`.
var settableKeys = []string{
	"discord.owner_id",
	"discord.guild_id",
	"discord.shards.light",
	"discord.shards.total",
	"modules.data_dir",
	"modules.watch",
	"modules.workers",
	"logging.level",
	"logging.format",
	"status.listen",
	"console.ssh.listen",
	"console.ssh.host_key",
	"console.ssh.authorized_keys",
}

// newConfigCommand creates the `modbot config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage modbot configuration",
		Long: `Manage modbot configuration.

Configuration is stored in:
  - Linux: ~/.config/modbot/config.cue
  - macOS: ~/Library/Application Support/modbot/config.cue
  - Windows: %APPDATA%\modbot\config.cue

Every key can be overridden with a MODBOT_ environment variable, for
example MODBOT_DISCORD_TOKEN or MODBOT_LOGGING_LEVEL.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showConfig(cmd, app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return initConfig(app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dir, err := configDir(app)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Config directory: %s\n", dir)
			fmt.Fprintf(app.stdout, "Config file: %s\n", filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value and rewrite the config file.\n\nKeys: " + strings.Join(settableKeys, ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setConfigValue(cmd, app, args[0], args[1])
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	return cfgCmd
}

func configDir(app *App) (string, error) {
	if app.cfgDir != "" {
		return app.cfgDir, nil
	}
	return config.ConfigDir()
}

func showConfig(cmd *cobra.Command, app *App) error {
	cfg, path, err := config.Resolve(cmd.Context(), app.loadOptions())
	if err != nil {
		return err
	}

	out := app.stdout
	keyStyle := CmdStyle
	valueStyle := SuccessStyle
	none := SubtitleStyle.Render("(none)")

	fmt.Fprintln(out, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(out)
	if path != "" {
		fmt.Fprintf(out, "%s: %s\n", keyStyle.Render("Config file"), path)
	} else {
		fmt.Fprintf(out, "%s: %s\n", keyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintln(out)

	value := func(v string) string {
		if v == "" {
			return none
		}
		return valueStyle.Render(v)
	}
	list := func(vs []string) string {
		if len(vs) == 0 {
			return none
		}
		return valueStyle.Render(strings.Join(vs, ", "))
	}

	token := ""
	if cfg.Discord.Token != "" {
		token = "(set)"
	}
	ids := make([]string, len(cfg.Discord.Shards.IDs))
	for i, id := range cfg.Discord.Shards.IDs {
		ids[i] = strconv.Itoa(id)
	}

	fmt.Fprintf(out, "%s:\n", keyStyle.Render("discord"))
	fmt.Fprintf(out, "  token: %s\n", value(token))
	fmt.Fprintf(out, "  owner_id: %s\n", value(cfg.Discord.OwnerID))
	fmt.Fprintf(out, "  guild_id: %s\n", value(cfg.Discord.GuildID))
	fmt.Fprintf(out, "  shards.light: %s\n", value(strconv.FormatBool(cfg.Discord.Shards.Light)))
	fmt.Fprintf(out, "  shards.intents: %s\n", list(cfg.Discord.Shards.Intents))
	fmt.Fprintf(out, "  shards.total: %s\n", value(strconv.Itoa(cfg.Discord.Shards.Total)))
	fmt.Fprintf(out, "  shards.ids: %s\n", list(ids))

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s:\n", keyStyle.Render("modules"))
	fmt.Fprintf(out, "  directories: %s\n", list(cfg.Modules.Directories))
	fmt.Fprintf(out, "  data_dir: %s\n", value(cfg.Modules.DataDir))
	fmt.Fprintf(out, "  watch: %s\n", value(strconv.FormatBool(cfg.Modules.Watch)))
	fmt.Fprintf(out, "  workers: %s\n", value(strconv.Itoa(cfg.Modules.Workers)))

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s:\n", keyStyle.Render("logging"))
	fmt.Fprintf(out, "  level: %s\n", value(cfg.Logging.Level.String()))
	fmt.Fprintf(out, "  format: %s\n", value(cfg.Logging.Format.String()))

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s:\n", keyStyle.Render("status"))
	fmt.Fprintf(out, "  listen: %s\n", value(cfg.Status.Listen))
	fmt.Fprintf(out, "  allow_origins: %s\n", value(strings.Join(cfg.Status.AllowOrigins, ", ")))

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s:\n", keyStyle.Render("console.ssh"))
	fmt.Fprintf(out, "  listen: %s\n", value(cfg.Console.SSH.Listen))
	fmt.Fprintf(out, "  host_key: %s\n", value(cfg.Console.SSH.HostKey))
	fmt.Fprintf(out, "  authorized_keys: %s\n", value(cfg.Console.SSH.AuthorizedKeys))

	return nil
}

func initConfig(app *App) error {
	path, created, err := config.CreateDefaultConfig(app.cfgDir)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if !created {
		fmt.Fprintf(app.stdout, "%s Configuration already exists at %s\n", infoIcon, path)
		return nil
	}
	fmt.Fprintf(app.stdout, "%s Created default configuration at %s\n", successIcon, path)
	return nil
}

func setConfigValue(cmd *cobra.Command, app *App, key, value string) error {
	if app.cfgFile != "" {
		return fmt.Errorf("config set writes to the config directory; drop --config and use --config-dir")
	}

	cfg, err := app.loadConfig(cmd.Context())
	if err != nil {
		return err
	}

	parseBool := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %q is not a boolean", key, value)
		}
		return b, nil
	}
	parseInt := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %q is not a number", key, value)
		}
		return n, nil
	}

	switch key {
	case "discord.owner_id":
		cfg.Discord.OwnerID = value
	case "discord.guild_id":
		cfg.Discord.GuildID = value
	case "discord.shards.light":
		if cfg.Discord.Shards.Light, err = parseBool(); err != nil {
			return err
		}
	case "discord.shards.total":
		if cfg.Discord.Shards.Total, err = parseInt(); err != nil {
			return err
		}
	case "modules.data_dir":
		cfg.Modules.DataDir = value
	case "modules.watch":
		if cfg.Modules.Watch, err = parseBool(); err != nil {
			return err
		}
	case "modules.workers":
		if cfg.Modules.Workers, err = parseInt(); err != nil {
			return err
		}
	case "logging.level":
		cfg.Logging.Level = config.LogLevel(value)
	case "logging.format":
		cfg.Logging.Format = config.LogFormat(value)
	case "status.listen":
		cfg.Status.Listen = value
	case "console.ssh.listen":
		cfg.Console.SSH.Listen = value
	case "console.ssh.host_key":
		cfg.Console.SSH.HostKey = value
	case "console.ssh.authorized_keys":
		cfg.Console.SSH.AuthorizedKeys = value
	default:
		return fmt.Errorf("unknown configuration key: %s\nValid keys: %s", key, strings.Join(settableKeys, ", "))
	}

	if valid, errs := cfg.IsValid(); !valid {
		var cfgErr *config.InvalidConfigError
		if errors.As(errs[0], &cfgErr) {
			return errors.Join(cfgErr.FieldErrors...)
		}
		return errors.Join(errs...)
	}

	if err := config.Save(cfg, app.cfgDir); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintf(app.stdout, "%s Set %s = %s\n", successIcon, key, value)
	return nil
}
