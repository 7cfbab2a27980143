// SPDX-License-Identifier: MPL-2.0

// Package descriptor parses module bundle manifests into immutable
// Descriptor values.
//
// A manifest is a CUE document named module.cue at the root of a bundle.
// The older module_info.json layout is read through the same parser, since
// JSON is valid CUE.
package descriptor
