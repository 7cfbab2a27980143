// SPDX-License-Identifier: MPL-2.0

// Package core is the internal module shipped with every bot. It gives the
// operator console and Discord owners control over the module registry:
// listing, enabling, unloading and hot-attaching bundles, and stopping the bot.
package core
