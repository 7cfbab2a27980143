// SPDX-License-Identifier: MPL-2.0

// Package discord connects modules to the Discord gateway.
//
// Modules take part through two optional interfaces processed once at
// startup: CommandRegistrar adds slash commands to a Commands registry and
// ShardConfigurer adds handlers and intents to the ShardBuilder. Commands
// owned by a module only dispatch while its owner is allowed by the gate;
// handler errors and panics are routed to the owner's exception hook.
package discord
