// SPDX-License-Identifier: MPL-2.0

// Package serverbase holds the lifecycle state machine shared by the
// long-running network servers (status HTTP and SSH console).
//
//	Created -> Starting -> Running -> Stopping -> Stopped
//	              \-> Failed    \-> Failed
//
// Stopped and Failed are terminal; a server is single-use.
package serverbase
