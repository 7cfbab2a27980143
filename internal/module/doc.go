// SPDX-License-Identifier: MPL-2.0

// Package module defines what a modbot module implements and what the host
// hands to it.
//
// A module implements Module, usually by embedding Base and overriding the
// hooks it needs. Integration hooks are optional interfaces declared by the
// packages that drive them (for example discord.CommandRegistrar) and are
// detected with type assertions. ExceptionHandler receives uncaught errors
// routed to the module.
package module
