// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// Manifest renders a module.cue manifest with entry point "<lower name>.Main"
// followed by the extra CUE fields.
func Manifest(name string, extra ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %q\nentryPoint: %q\n", name, strings.ToLower(name)+".Main")
	for _, e := range extra {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteBundle writes the bundle directory root/dir with the given manifest
// and extra files (slash-separated paths) and returns its path.
func WriteBundle(t testing.TB, root, dir, manifest string, files map[string]string) string {
	t.Helper()

	path := filepath.Join(root, dir)
	MustWriteFile(t, filepath.Join(path, "module.cue"), manifest)
	for name, content := range files {
		MustWriteFile(t, filepath.Join(path, filepath.FromSlash(name)), content)
	}
	return path
}
