// SPDX-License-Identifier: MPL-2.0

// Package manager is the module registry. It prepares bundles into module
// instances, drives them through the lifecycle in dependency order, and owns
// the sibling set shared by every loading unit.
//
// Control operations (load, enable, unload, attach) are serialized and run on
// the caller's goroutine. Lifecycle hooks must not call back into those
// operations; read-only accessors such as Get, Instances and Peer are safe
// from anywhere.
package manager
