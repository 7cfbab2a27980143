// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the modbot command line: running the bot, inspecting
// and packing module bundles, and managing the configuration file.
package cmd
