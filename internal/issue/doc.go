// SPDX-License-Identifier: MPL-2.0

// Package issue carries user-facing error context for the modbot CLI.
//
// ActionableError wraps a cause with the operation, the resource, and hints
// for fixing it. Issue holds longer Markdown guidance for well-known failure
// classes, rendered in the terminal with glamour.
package issue
