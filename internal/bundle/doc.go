// SPDX-License-Identifier: MPL-2.0

// Package bundle discovers, opens, orders, and packs module bundles.
//
// A bundle is either a zip archive or a directory whose name ends in
// ".modbundle". Its root holds the manifest, Lua scripts, and default config
// files. Discovery scans each root directory without recursing.
package bundle
