// SPDX-License-Identifier: MPL-2.0

// Package sshserver serves the operator console over SSH using the Wish library.
//
// Only the public keys listed in the authorized_keys file may log in. A
// session started with a command runs that one console line and exits with
// status 1 when it fails. An interactive session gets a line-editing prompt
// when the client requested a pty, and a plain line reader otherwise.
package sshserver
