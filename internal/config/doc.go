// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/modbot/config.cue (or the XDG equivalent on
// Linux, ~/Library/Application Support/modbot/config.cue on macOS, %APPDATA%\modbot\config.cue
// on Windows), falling back to ./config.cue. Every key can be overridden from the
// environment with the MODBOT_ prefix, dots replaced by underscores
// (MODBOT_DISCORD_TOKEN, MODBOT_MODULES_WATCH).
//
// The file is validated against the embedded CUE schema (config_schema.cue) before it
// is merged over the defaults.
package config
