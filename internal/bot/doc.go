// SPDX-License-Identifier: MPL-2.0

// Package bot wires the module manager to Discord, the operator console, the
// bundle watcher and the status endpoint.
//
// Start runs the startup phases in order:
//
//  1. build the manager and add the internal modules
//  2. load bundles from the configured directories
//  3. integration: console commands, slash commands and shard configuration
//  4. enable modules
//  5. connect shards (skipped when no token is configured)
//
// Gateway handlers added by modules run only while their module is enabled.
//
// Shutdown reverses them: modules are unloaded before the shards close.
package bot
