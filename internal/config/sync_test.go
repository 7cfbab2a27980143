// SPDX-License-Identifier: MPL-2.0

package config

import (
	"reflect"
	"slices"
	"strings"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// These tests verify Go struct JSON tags match CUE schema field names, so a
// renamed key cannot silently stop decoding.

// extractCUEFields returns the top-level field names of a CUE struct
// definition, mapped to whether the field is optional.
func extractCUEFields(t *testing.T, val cue.Value) map[string]bool {
	t.Helper()

	fields := make(map[string]bool)

	iter, err := val.Fields(cue.Definitions(false), cue.Optional(true))
	if err != nil {
		t.Fatalf("failed to iterate CUE fields: %v", err)
	}

	for iter.Next() {
		sel := iter.Selector()
		if sel.LabelType().IsHidden() || sel.IsDefinition() {
			continue
		}
		fields[strings.TrimSuffix(sel.String(), "?")] = iter.IsOptional()
	}

	return fields
}

// extractGoJSONTags returns the JSON field names of a Go struct, mapped to
// whether the tag carries omitempty.
func extractGoJSONTags(t *testing.T, typ reflect.Type) map[string]bool {
	t.Helper()

	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		t.Fatalf("expected struct type, got %s", typ.Kind())
	}

	fields := make(map[string]bool)

	for i := range typ.NumField() {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		parts := strings.Split(field.Tag.Get("json"), ",")
		name := parts[0]
		if name == "" || name == "-" {
			continue
		}

		fields[name] = slices.Contains(parts[1:], "omitempty")
	}

	return fields
}

func assertFieldsSync(t *testing.T, structName string, cueFields, goFields map[string]bool) {
	t.Helper()

	for field := range cueFields {
		if _, exists := goFields[field]; !exists {
			t.Errorf("[%s] CUE field %q not found in Go struct (missing JSON tag)", structName, field)
		}
	}

	for field := range goFields {
		if _, exists := cueFields[field]; !exists {
			t.Errorf("[%s] Go JSON tag %q not found in CUE schema (missing CUE field)", structName, field)
		}
	}
}

func TestSchemaSync(t *testing.T) {
	t.Parallel()

	schema := cuecontext.New().CompileString(configSchema)
	if schema.Err() != nil {
		t.Fatalf("failed to compile CUE schema: %v", schema.Err())
	}

	tests := []struct {
		def string
		typ reflect.Type
	}{
		{"#Config", reflect.TypeFor[Config]()},
		{"#DiscordConfig", reflect.TypeFor[DiscordConfig]()},
		{"#ShardsConfig", reflect.TypeFor[ShardsConfig]()},
		{"#ModulesConfig", reflect.TypeFor[ModulesConfig]()},
		{"#LoggingConfig", reflect.TypeFor[LoggingConfig]()},
		{"#StatusConfig", reflect.TypeFor[StatusConfig]()},
		{"#ConsoleConfig", reflect.TypeFor[ConsoleConfig]()},
		{"#SSHConfig", reflect.TypeFor[SSHConfig]()},
	}

	for _, tt := range tests {
		t.Run(tt.def, func(t *testing.T) {
			t.Parallel()

			def := schema.LookupPath(cue.ParsePath(tt.def))
			if def.Err() != nil {
				t.Fatalf("failed to lookup CUE definition %s: %v", tt.def, def.Err())
			}

			assertFieldsSync(t, tt.typ.Name(), extractCUEFields(t, def), extractGoJSONTags(t, tt.typ))
		})
	}
}
