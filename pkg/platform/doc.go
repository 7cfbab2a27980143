// SPDX-License-Identifier: MPL-2.0

// Package platform holds the few operating system facts modbot depends on:
// GOOS names and the file names Windows refuses to create. Module names end
// up as data directory and archive names, so bundles that must load
// everywhere avoid the reserved ones.
package platform
