// SPDX-License-Identifier: MPL-2.0

// Package cueutil holds the CUE parsing helpers shared by the module manifest
// and the bot configuration loaders.
//
// Every document goes through the same flow: compile the embedded schema,
// compile the user document and unify it with the schema's root definition,
// then validate and decode into a Go struct.
//
//	//go:embed manifest_schema.cue
//	var manifestSchema []byte
//
//	res, err := cueutil.ParseAndDecode[manifest](
//	    manifestSchema,
//	    data,
//	    "#Manifest",
//	    cueutil.WithFilename("module.cue"),
//	)
//
// JSON is valid CUE, so JSON documents can be fed through the same path.
package cueutil
