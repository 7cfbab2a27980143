// SPDX-License-Identifier: MPL-2.0

// Package script runs modules written in Lua. A bundle whose entry point is
// "lua:<chunk>" ships <chunk>.lua; the chunk returns a table of lifecycle
// functions (onLoad, onEnable, onDisable, onUnload, onUncaughtException),
// all optional.
//
// Scripts see a "modbot" table:
//
//	modbot.log(msg [, level])   -- level is "debug", "info" (default), "warn" or "error"
//	modbot.every(secs, fn)      -- periodic task, returns its id
//	modbot.after(secs, fn)      -- one-shot task, returns its id
//	modbot.cancel(id)
//	modbot.resource(path)       -- file contents from the bundle
//	modbot.data_dir
//
// require(name) resolves through the module's loading unit: the bundle's
// own scripts, then sibling modules, then host libraries exporting a
// lua.LGFunction loader.
package script
