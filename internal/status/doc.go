// SPDX-License-Identifier: MPL-2.0

// Package status serves a read-only HTTP view of the module registry.
//
// Routes:
//
//	GET /healthz         liveness and module counts
//	GET /modules         every loaded module
//	GET /modules/:name   one module, 404 when absent
//
// A Server is single-use: once stopped or failed, create a new instance.
package status
