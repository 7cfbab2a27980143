// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMustSetenvRestores(t *testing.T) {
	const key = "MODBOT_TESTUTIL_SETENV"
	t.Cleanup(MustUnsetenv(t, key))

	restore := MustSetenv(t, key, "on")
	if got := os.Getenv(key); got != "on" {
		t.Fatalf("%s = %q", key, got)
	}
	restore()
	if _, ok := os.LookupEnv(key); ok {
		t.Errorf("%s still set after restore", key)
	}
}

func TestSetHomeDir(t *testing.T) {
	dir := t.TempDir()
	restore := SetHomeDir(t, dir)
	defer restore()

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	if home != dir {
		t.Errorf("UserHomeDir() = %q, want %q", home, dir)
	}
}

func TestWriteBundle(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := WriteBundle(t, root, "greeter.modbundle", Manifest("Greeter", `version: "1.0.0"`),
		map[string]string{"lua/main.lua": "return {}"})

	data, err := os.ReadFile(filepath.Join(path, "module.cue"))
	if err != nil {
		t.Fatal(err)
	}
	want := "name: \"Greeter\"\nentryPoint: \"greeter.Main\"\nversion: \"1.0.0\"\n"
	if string(data) != want {
		t.Errorf("manifest = %q, want %q", data, want)
	}
	if _, err := os.Stat(filepath.Join(path, "lua", "main.lua")); err != nil {
		t.Errorf("extra file missing: %v", err)
	}
}
