// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// LogLevelDebug enables debug output.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the default level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn only reports warnings and errors.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError only reports errors.
	LogLevelError LogLevel = "error"

	// LogFormatText is the human readable terminal format.
	LogFormatText LogFormat = "text"
	// LogFormatJSON emits one JSON object per line.
	LogFormatJSON LogFormat = "json"
	// LogFormatLogfmt emits logfmt key=value lines.
	LogFormatLogfmt LogFormat = "logfmt"

	// DefaultWorkers is the default per-module scheduler worker count.
	DefaultWorkers = 8
	// maxWorkers mirrors the upper bound in config_schema.cue.
	maxWorkers = 256
)

var (
	// ErrInvalidLogLevel is returned when a LogLevel value is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat is returned when a LogFormat value is not recognized.
	ErrInvalidLogFormat = errors.New("invalid log format")
	// ErrInvalidSnowflake is returned for Discord ids that are not numeric.
	ErrInvalidSnowflake = errors.New("invalid snowflake")
	// ErrInvalidModulesConfig is the sentinel error wrapped by InvalidModulesConfigError.
	ErrInvalidModulesConfig = errors.New("invalid modules config")
	// ErrInvalidShardsConfig is the sentinel error wrapped by InvalidShardsConfigError.
	ErrInvalidShardsConfig = errors.New("invalid shards config")
	// ErrInvalidConsoleConfig is the sentinel error wrapped by InvalidConsoleConfigError.
	ErrInvalidConsoleConfig = errors.New("invalid console config")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")

	snowflakePattern = regexp.MustCompile(`^[0-9]*$`)
)

type (
	// LogLevel is the minimum level written by the application logger.
	LogLevel string

	// InvalidLogLevelError is returned when a LogLevel value is not recognized.
	// It wraps ErrInvalidLogLevel for errors.Is() compatibility.
	InvalidLogLevelError struct {
		Value LogLevel
	}

	// LogFormat selects the log handler output format.
	LogFormat string

	// InvalidLogFormatError is returned when a LogFormat value is not recognized.
	// It wraps ErrInvalidLogFormat for errors.Is() compatibility.
	InvalidLogFormatError struct {
		Value LogFormat
	}

	// InvalidSnowflakeError names the field that holds a malformed Discord id.
	InvalidSnowflakeError struct {
		Field string
		Value string
	}

	// Config holds the application configuration.
	Config struct {
		Discord DiscordConfig `json:"discord" mapstructure:"discord"`
		Modules ModulesConfig `json:"modules" mapstructure:"modules"`
		Logging LoggingConfig `json:"logging" mapstructure:"logging"`
		Status  StatusConfig  `json:"status" mapstructure:"status"`
		Console ConsoleConfig `json:"console" mapstructure:"console"`
	}

	// DiscordConfig configures the gateway connection. An empty Token runs
	// the bot console-only.
	DiscordConfig struct {
		Token   string       `json:"token" mapstructure:"token"`
		OwnerID string       `json:"owner_id" mapstructure:"owner_id"`
		GuildID string       `json:"guild_id" mapstructure:"guild_id"`
		Shards  ShardsConfig `json:"shards" mapstructure:"shards"`
	}

	// ShardsConfig configures how gateway shards are built.
	ShardsConfig struct {
		Light   bool     `json:"light" mapstructure:"light"`
		Intents []string `json:"intents" mapstructure:"intents"`
		// Total of 0 uses the gateway's recommended shard count.
		Total int   `json:"total" mapstructure:"total"`
		IDs   []int `json:"ids" mapstructure:"ids"`
	}

	// InvalidShardsConfigError wraps the field errors of a ShardsConfig.
	InvalidShardsConfigError struct {
		FieldErrors []error
	}

	// ModulesConfig configures module discovery and the per-module runtime.
	ModulesConfig struct {
		Directories []string `json:"directories" mapstructure:"directories"`
		DataDir     string   `json:"data_dir" mapstructure:"data_dir"`
		Watch       bool     `json:"watch" mapstructure:"watch"`
		Workers     int      `json:"workers" mapstructure:"workers"`
	}

	// InvalidModulesConfigError wraps the field errors of a ModulesConfig.
	InvalidModulesConfigError struct {
		FieldErrors []error
	}

	// LoggingConfig configures the application logger.
	LoggingConfig struct {
		Level  LogLevel  `json:"level" mapstructure:"level"`
		Format LogFormat `json:"format" mapstructure:"format"`
	}

	// StatusConfig configures the HTTP status endpoint.
	StatusConfig struct {
		// Listen is a host:port. Empty disables the endpoint.
		Listen string `json:"listen" mapstructure:"listen"`
		// AllowOrigins enables CORS for browser dashboards.
		AllowOrigins []string `json:"allow_origins" mapstructure:"allow_origins"`
	}

	// ConsoleConfig configures remote access to the operator console.
	ConsoleConfig struct {
		SSH SSHConfig `json:"ssh" mapstructure:"ssh"`
	}

	// SSHConfig configures the SSH operator console.
	SSHConfig struct {
		// Listen is a host:port. Empty disables the SSH console.
		Listen string `json:"listen" mapstructure:"listen"`
		// HostKey is the private host key path, generated when missing.
		// Empty uses ssh_host_ed25519 under modules.data_dir.
		HostKey string `json:"host_key" mapstructure:"host_key"`
		// AuthorizedKeys lists the public keys allowed to log in.
		AuthorizedKeys string `json:"authorized_keys" mapstructure:"authorized_keys"`
	}

	// InvalidConsoleConfigError wraps the field errors of a ConsoleConfig.
	InvalidConsoleConfigError struct {
		FieldErrors []error
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors from all sections.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string { return string(l) }

// IsValid returns whether the LogLevel is one of the defined levels,
// and a list of validation errors if it is not.
func (l LogLevel) IsValid() (bool, []error) {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true, nil
	default:
		return false, []error{&InvalidLogLevelError{Value: l}}
	}
}

// Error implements the error interface for InvalidLogLevelError.
func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q (valid: debug, info, warn, error)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidLogLevelError) Unwrap() error { return ErrInvalidLogLevel }

// String returns the string representation of the LogFormat.
func (f LogFormat) String() string { return string(f) }

// IsValid returns whether the LogFormat is one of the defined formats,
// and a list of validation errors if it is not.
func (f LogFormat) IsValid() (bool, []error) {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatLogfmt:
		return true, nil
	default:
		return false, []error{&InvalidLogFormatError{Value: f}}
	}
}

// Error implements the error interface for InvalidLogFormatError.
func (e *InvalidLogFormatError) Error() string {
	return fmt.Sprintf("invalid log format %q (valid: text, json, logfmt)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidLogFormatError) Unwrap() error { return ErrInvalidLogFormat }

func (e *InvalidSnowflakeError) Error() string {
	return fmt.Sprintf("%s: %q is not a numeric Discord id", e.Field, e.Value)
}

// Unwrap returns ErrInvalidSnowflake for errors.Is() compatibility.
func (e *InvalidSnowflakeError) Unwrap() error { return ErrInvalidSnowflake }

// IsValid checks intents and shard ids. Intent names are resolved by the
// discord package; here they only need to be non-empty.
func (c ShardsConfig) IsValid() (bool, []error) {
	var errs []error
	for i, intent := range c.Intents {
		if strings.TrimSpace(intent) == "" {
			errs = append(errs, fmt.Errorf("shards.intents[%d]: must not be empty", i))
		}
	}
	if c.Total < 0 {
		errs = append(errs, fmt.Errorf("shards.total: must not be negative, got %d", c.Total))
	}
	for i, id := range c.IDs {
		if id < 0 || (c.Total > 0 && id >= c.Total) {
			errs = append(errs, fmt.Errorf("shards.ids[%d]: %d is out of range", i, id))
		}
	}
	if len(errs) > 0 {
		return false, []error{&InvalidShardsConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// Error implements the error interface for InvalidShardsConfigError.
func (e *InvalidShardsConfigError) Error() string {
	return fmt.Sprintf("invalid shards config: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidShardsConfig for errors.Is() compatibility.
func (e *InvalidShardsConfigError) Unwrap() error { return ErrInvalidShardsConfig }

// IsValid checks that module directories are set and the worker count is in range.
func (c ModulesConfig) IsValid() (bool, []error) {
	var errs []error
	for i, dir := range c.Directories {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("modules.directories[%d]: must not be empty", i))
		}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("modules.data_dir: must not be empty"))
	}
	if c.Workers < 1 || c.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("modules.workers: must be between 1 and %d, got %d", maxWorkers, c.Workers))
	}
	if len(errs) > 0 {
		return false, []error{&InvalidModulesConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// Error implements the error interface for InvalidModulesConfigError.
func (e *InvalidModulesConfigError) Error() string {
	return fmt.Sprintf("invalid modules config: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidModulesConfig for errors.Is() compatibility.
func (e *InvalidModulesConfigError) Unwrap() error { return ErrInvalidModulesConfig }

// IsValid requires authorized_keys whenever the SSH console listens.
func (c ConsoleConfig) IsValid() (bool, []error) {
	if c.SSH.Listen != "" && strings.TrimSpace(c.SSH.AuthorizedKeys) == "" {
		return false, []error{&InvalidConsoleConfigError{FieldErrors: []error{
			errors.New("console.ssh.authorized_keys: required when console.ssh.listen is set"),
		}}}
	}
	return true, nil
}

// Error implements the error interface for InvalidConsoleConfigError.
func (e *InvalidConsoleConfigError) Error() string {
	return fmt.Sprintf("invalid console config: %s", errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidConsoleConfig for errors.Is() compatibility.
func (e *InvalidConsoleConfigError) Unwrap() error { return ErrInvalidConsoleConfig }

// IsValid returns whether the Config has valid fields.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if !snowflakePattern.MatchString(c.Discord.OwnerID) {
		errs = append(errs, &InvalidSnowflakeError{Field: "discord.owner_id", Value: c.Discord.OwnerID})
	}
	if !snowflakePattern.MatchString(c.Discord.GuildID) {
		errs = append(errs, &InvalidSnowflakeError{Field: "discord.guild_id", Value: c.Discord.GuildID})
	}
	if valid, fieldErrs := c.Discord.Shards.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Modules.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Logging.Level.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Logging.Format.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Console.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Shards: ShardsConfig{
				Intents: []string{"guilds", "guild_messages"},
			},
		},
		Modules: ModulesConfig{
			Directories: []string{"modules"},
			DataDir:     "data",
			Workers:     DefaultWorkers,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
	}
}
