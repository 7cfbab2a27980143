// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"

	"github.com/modbot/modbot/internal/config"
)

// newLogger builds the application logger from the logging section. The
// charm logger is the slog handler so library code keeps using log/slog.
func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) (*slog.Logger, error) {
	if valid, errs := cfg.Level.IsValid(); !valid {
		return nil, errors.Join(errs...)
	}
	if valid, errs := cfg.Format.IsValid(); !valid {
		return nil, errors.Join(errs...)
	}

	level, err := log.ParseLevel(string(cfg.Level))
	if err != nil {
		return nil, err
	}
	if verbose {
		level = log.DebugLevel
	}

	formatter := log.TextFormatter
	switch cfg.Format {
	case config.LogFormatJSON:
		formatter = log.JSONFormatter
	case config.LogFormatLogfmt:
		formatter = log.LogfmtFormatter
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	return slog.New(handler), nil
}
