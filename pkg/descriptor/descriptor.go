// SPDX-License-Identifier: MPL-2.0

package descriptor

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/modbot/modbot/pkg/cueutil"
)

const (
	// ManifestFile is the preferred manifest name inside a bundle.
	ManifestFile = "module.cue"
	// LegacyManifestFile is accepted when ManifestFile is absent.
	LegacyManifestFile = "module_info.json"

	// DefaultAuthor is used when a manifest has no author.
	DefaultAuthor = "Unknown author"
	// DefaultVersion is used when a manifest has no version.
	DefaultVersion = "Unknown version"

	// ScriptPrefix marks entry points that name a Lua chunk instead of a
	// linked symbol.
	ScriptPrefix = "lua:"
)

var (
	//go:embed manifest_schema.cue
	manifestSchema []byte

	// ErrManifestNotFound is returned by Load when a bundle has no manifest.
	ErrManifestNotFound = errors.New("module manifest not found")
	// ErrMissingField is wrapped by ParseError when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

type (
	// Descriptor is the parsed, immutable metadata of one module bundle.
	// Callers must treat the slices as read-only.
	Descriptor struct {
		Name                string
		EntryPoint          string
		Author              string
		Version             string
		HardDependencies    []string
		SoftDependencies    []string
		LoadBefore          []string
		ExceptionNamespaces []string
		Injection           bool
	}

	// ParseError names the manifest and the field that made it unusable.
	ParseError struct {
		File  string
		Field string
		Err   error
	}

	manifest struct {
		Name                string   `json:"name"`
		EntryPoint          string   `json:"entryPoint"`
		Author              string   `json:"author"`
		Version             string   `json:"version"`
		HardDependencies    []string `json:"hardDependencies"`
		SoftDependencies    []string `json:"softDependencies"`
		LoadBefore          []string `json:"loadBefore"`
		ExceptionNamespaces []string `json:"exceptionNamespaces"`
		Injection           bool     `json:"injection"`
	}
)

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %v", e.File, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes a manifest. filename is only used in error messages.
func Parse(data []byte, filename string) (*Descriptor, error) {
	res, err := cueutil.ParseAndDecode[manifest](manifestSchema, data, "#Manifest", cueutil.WithFilename(filename))
	if err != nil {
		return nil, &ParseError{File: filename, Err: err}
	}
	m := res.Value

	switch {
	case strings.TrimSpace(m.Name) == "":
		return nil, &ParseError{File: filename, Field: "name", Err: ErrMissingField}
	case strings.TrimSpace(m.EntryPoint) == "":
		return nil, &ParseError{File: filename, Field: "entryPoint", Err: ErrMissingField}
	}

	d := &Descriptor{
		Name:                m.Name,
		EntryPoint:          m.EntryPoint,
		Author:              orDefault(m.Author, DefaultAuthor),
		Version:             orDefault(m.Version, DefaultVersion),
		HardDependencies:    nonNil(m.HardDependencies),
		SoftDependencies:    nonNil(m.SoftDependencies),
		LoadBefore:          nonNil(m.LoadBefore),
		ExceptionNamespaces: nonNil(m.ExceptionNamespaces),
		Injection:           m.Injection,
	}
	return d, nil
}

// Load reads and parses the manifest at the root of fsys.
func Load(fsys fs.FS) (*Descriptor, error) {
	for _, name := range []string{ManifestFile, LegacyManifestFile} {
		data, err := fs.ReadFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return Parse(data, name)
	}
	return nil, ErrManifestNotFound
}

// Internal builds a descriptor for a module compiled into the host, which
// has no manifest of its own.
func Internal(name, author, version string) *Descriptor {
	return &Descriptor{
		Name:                name,
		Author:              orDefault(author, DefaultAuthor),
		Version:             orDefault(version, DefaultVersion),
		HardDependencies:    []string{},
		SoftDependencies:    []string{},
		LoadBefore:          []string{},
		ExceptionNamespaces: []string{},
	}
}

// IsScript reports whether the entry point names a Lua chunk.
func (d *Descriptor) IsScript() bool {
	return strings.HasPrefix(d.EntryPoint, ScriptPrefix)
}

// Script returns the chunk named by a "lua:" entry point.
func (d *Descriptor) Script() string {
	return strings.TrimPrefix(d.EntryPoint, ScriptPrefix)
}

// DependsOn reports whether other is a hard or soft dependency (case-insensitive).
func (d *Descriptor) DependsOn(other string) bool {
	match := func(s string) bool { return strings.EqualFold(s, other) }
	return slices.ContainsFunc(d.HardDependencies, match) || slices.ContainsFunc(d.SoftDependencies, match)
}

// String returns "name@version".
func (d *Descriptor) String() string {
	return d.Name + "@" + d.Version
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
