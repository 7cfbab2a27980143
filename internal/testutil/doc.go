// SPDX-License-Identifier: MPL-2.0

// Package testutil holds shared test helpers: fake modules with a hook
// journal, bundle fixtures, and Must* helpers that fail the test instead of
// returning errors.
package testutil
