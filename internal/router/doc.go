// SPDX-License-Identifier: MPL-2.0

// Package router delivers uncaught errors to the module responsible for them.
//
// Every call the host makes into module code carries the owning module's
// name in its context (WithOrigin). Errors reported with an origin are
// delivered to that module directly. Untagged errors fall back to matching
// their origin frames against the exception namespaces each module declares.
package router
