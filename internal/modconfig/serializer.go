// SPDX-License-Identifier: MPL-2.0

package modconfig

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type (
	// Serializer converts a config value to and from its file form.
	Serializer interface {
		Marshal(v any) ([]byte, error)
		Unmarshal(data []byte, v any) error
	}

	jsonSerializer struct{}
	yamlSerializer struct{}
	tomlSerializer struct{}
)

var (
	// JSON writes indented JSON.
	JSON Serializer = jsonSerializer{}
	// YAML uses gopkg.in/yaml.v3.
	YAML Serializer = yamlSerializer{}
	// TOML uses pelletier/go-toml/v2.
	TOML Serializer = tomlSerializer{}
)

func (jsonSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (jsonSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (yamlSerializer) Marshal(v any) ([]byte, error) { return yaml.Marshal(v) }

func (yamlSerializer) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

func (tomlSerializer) Marshal(v any) ([]byte, error) { return toml.Marshal(v) }

func (tomlSerializer) Unmarshal(data []byte, v any) error { return toml.Unmarshal(data, v) }

// ForFile picks a serializer from the file extension.
func ForFile(name string) (Serializer, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return JSON, nil
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	default:
		return nil, fmt.Errorf("no serializer for %q (use .json, .yaml or .toml)", name)
	}
}
