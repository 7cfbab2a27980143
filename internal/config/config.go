// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/modbot/modbot/internal/issue"
	"github.com/modbot/modbot/pkg/cueutil"
	"github.com/modbot/modbot/pkg/platform"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "modbot"
	// EnvPrefix prefixes every environment override (MODBOT_DISCORD_TOKEN).
	EnvPrefix = "MODBOT"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the modbot configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case platform.Windows:
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case platform.Darwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// loadWithOptions performs option-driven config loading without mutating
// package-level state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := newViper()

	resolvedPath := ""

	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'modbot config init' to write a default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		if err := loadFile(v, opts.ConfigFilePath); err != nil {
			return nil, "", err
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}

		// The config directory wins over the working directory.
		for _, candidate := range []string{
			filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt),
			ConfigFileName + "." + ConfigFileExt,
		} {
			if !fileExists(candidate) {
				continue
			}
			if err := loadFile(v, candidate); err != nil {
				return nil, "", err
			}
			resolvedPath = candidate
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if valid, errs := cfg.IsValid(); !valid {
		var details []error
		for _, err := range errs {
			var invalid *InvalidConfigError
			if errors.As(err, &invalid) {
				details = append(details, invalid.FieldErrors...)
			}
		}
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Check values set through MODBOT_* environment variables").
			WithSuggestion("Run 'modbot config show' to inspect the effective configuration").
			Wrap(errors.Join(append(errs, details...)...)).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

// newViper returns a Viper instance seeded with the defaults and bound to the
// MODBOT_ environment.
func newViper() *viper.Viper {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("discord.token", defaults.Discord.Token)
	v.SetDefault("discord.owner_id", defaults.Discord.OwnerID)
	v.SetDefault("discord.guild_id", defaults.Discord.GuildID)
	v.SetDefault("discord.shards.light", defaults.Discord.Shards.Light)
	v.SetDefault("discord.shards.intents", defaults.Discord.Shards.Intents)
	v.SetDefault("discord.shards.total", defaults.Discord.Shards.Total)
	v.SetDefault("modules.directories", defaults.Modules.Directories)
	v.SetDefault("modules.data_dir", defaults.Modules.DataDir)
	v.SetDefault("modules.watch", defaults.Modules.Watch)
	v.SetDefault("modules.workers", defaults.Modules.Workers)
	v.SetDefault("logging.level", string(defaults.Logging.Level))
	v.SetDefault("logging.format", string(defaults.Logging.Format))
	v.SetDefault("status.listen", defaults.Status.Listen)
	v.SetDefault("status.allow_origins", defaults.Status.AllowOrigins)
	v.SetDefault("console.ssh.listen", defaults.Console.SSH.Listen)
	v.SetDefault("console.ssh.host_key", defaults.Console.SSH.HostKey)
	v.SetDefault("console.ssh.authorized_keys", defaults.Console.SSH.AuthorizedKeys)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// ids has no default; binding keeps MODBOT_DISCORD_SHARDS_IDS visible to Unmarshal.
	_ = v.BindEnv("discord.shards.ids")

	return v
}

func loadFile(v *viper.Viper, path string) error {
	if err := loadCUEIntoViper(v, path); err != nil {
		return issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(path).
			WithSuggestion("Check that the file contains valid CUE syntax").
			WithSuggestion("Verify the configuration values match the expected schema").
			WithSuggestion("See 'modbot config --help' for configuration options").
			Wrap(err).
			BuildError()
	}
	return nil
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// Note: This uses manual CUE parsing instead of cueutil.ParseAndDecode because
// the result is merged into Viper's config map rather than decoded to a struct,
// and every field is optional (Concrete(false)).
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	// Merge keeps defaults in place and leaves env overrides on top.
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes a default config file into dir, or into
// ConfigDir when dir is empty. An existing file is left untouched and
// reported with created=false.
func CreateDefaultConfig(dir string) (path string, created bool, err error) {
	cfgDir, err := configDirWithOverride(dir)
	if err != nil {
		return "", false, err
	}

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)

	if _, err := os.Stat(cfgPath); err == nil {
		return cfgPath, false, nil
	}

	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}

	return cfgPath, true, nil
}

// Save writes the configuration into dir, or into ConfigDir when dir is
// empty, replacing any existing file. The token is not written.
func Save(cfg *Config, dir string) error {
	cfgDir, err := configDirWithOverride(dir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)

	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(cfg)), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateCUE generates a CUE representation of the configuration.
// The token is never written; it belongs in MODBOT_DISCORD_TOKEN.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// modbot configuration file\n")
	sb.WriteString("// Set the bot token through the MODBOT_DISCORD_TOKEN environment variable.\n\n")

	sb.WriteString("discord: {\n")
	if cfg.Discord.OwnerID != "" {
		fmt.Fprintf(&sb, "\towner_id: %q\n", cfg.Discord.OwnerID)
	}
	if cfg.Discord.GuildID != "" {
		fmt.Fprintf(&sb, "\tguild_id: %q\n", cfg.Discord.GuildID)
	}
	sb.WriteString("\tshards: {\n")
	fmt.Fprintf(&sb, "\t\tlight: %v\n", cfg.Discord.Shards.Light)
	fmt.Fprintf(&sb, "\t\tintents: %s\n", quoteList(cfg.Discord.Shards.Intents))
	fmt.Fprintf(&sb, "\t\ttotal: %d\n", cfg.Discord.Shards.Total)
	if len(cfg.Discord.Shards.IDs) > 0 {
		ids := make([]string, len(cfg.Discord.Shards.IDs))
		for i, id := range cfg.Discord.Shards.IDs {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(&sb, "\t\tids: [%s]\n", strings.Join(ids, ", "))
	}
	sb.WriteString("\t}\n")
	sb.WriteString("}\n")

	sb.WriteString("\nmodules: {\n")
	fmt.Fprintf(&sb, "\tdirectories: %s\n", quoteList(cfg.Modules.Directories))
	fmt.Fprintf(&sb, "\tdata_dir: %q\n", cfg.Modules.DataDir)
	fmt.Fprintf(&sb, "\twatch: %v\n", cfg.Modules.Watch)
	fmt.Fprintf(&sb, "\tworkers: %d\n", cfg.Modules.Workers)
	sb.WriteString("}\n")

	sb.WriteString("\nlogging: {\n")
	fmt.Fprintf(&sb, "\tlevel: %q\n", cfg.Logging.Level)
	fmt.Fprintf(&sb, "\tformat: %q\n", cfg.Logging.Format)
	sb.WriteString("}\n")

	if cfg.Status.Listen != "" {
		sb.WriteString("\nstatus: {\n")
		fmt.Fprintf(&sb, "\tlisten: %q\n", cfg.Status.Listen)
		if len(cfg.Status.AllowOrigins) > 0 {
			fmt.Fprintf(&sb, "\tallow_origins: %s\n", quoteList(cfg.Status.AllowOrigins))
		}
		sb.WriteString("}\n")
	}

	if ssh := cfg.Console.SSH; ssh.Listen != "" || ssh.HostKey != "" || ssh.AuthorizedKeys != "" {
		sb.WriteString("\nconsole: ssh: {\n")
		fmt.Fprintf(&sb, "\tlisten: %q\n", ssh.Listen)
		if ssh.HostKey != "" {
			fmt.Fprintf(&sb, "\thost_key: %q\n", ssh.HostKey)
		}
		fmt.Fprintf(&sb, "\tauthorized_keys: %q\n", ssh.AuthorizedKeys)
		sb.WriteString("}\n")
	}

	return sb.String()
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
