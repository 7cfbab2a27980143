// SPDX-License-Identifier: MPL-2.0

// Package loader implements isolated loading units for module bundles.
//
// Module code is compiled into the host binary and registered with a Linker,
// either as host-shared libraries or as libraries owned by a named bundle.
// A Unit is the runtime view of one bundle: its linked libraries, the Lua
// scripts shipped in the bundle archive, and its resources. Symbol lookup
// follows a fixed priority:
//
//  1. the unit's own code,
//  2. the own code of every sibling unit in the shared SiblingSet,
//  3. the host libraries.
//
// Own code therefore always shadows same-named symbols of other modules.
package loader
