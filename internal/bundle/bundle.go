// SPDX-License-Identifier: MPL-2.0

package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/modbot/modbot/pkg/descriptor"
)

const (
	// DirSuffix marks an unpacked bundle directory.
	DirSuffix = ".modbundle"
	// ArchiveExt is the extension of packed bundles.
	ArchiveExt = ".zip"
)

// ErrNotBundle is returned by Open for paths that are neither archives nor bundle directories.
var ErrNotBundle = errors.New("not a module bundle")

type (
	// Bundle is an opened bundle. Close releases the archive reader.
	Bundle struct {
		Path       string
		FS         fs.FS
		Descriptor *descriptor.Descriptor
		closer     io.Closer
	}

	// Candidate is a path found by Discover, not yet opened.
	Candidate struct {
		Path string
		Root string
	}
)

// Closer returns the resource released when the bundle is discarded, or nil
// for directory bundles.
func (b *Bundle) Closer() io.Closer { return b.closer }

// Close releases the bundle.
func (b *Bundle) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// IsCandidate reports whether a directory entry looks like a bundle.
func IsCandidate(name string, isDir bool) bool {
	if isDir {
		return strings.HasSuffix(name, DirSuffix)
	}
	return strings.EqualFold(filepath.Ext(name), ArchiveExt)
}

// Open opens the bundle at path and parses its manifest.
func Open(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	b := &Bundle{Path: path}
	switch {
	case info.IsDir() && strings.HasSuffix(info.Name(), DirSuffix):
		b.FS = os.DirFS(path)
	case !info.IsDir() && IsCandidate(info.Name(), false):
		zr, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", path, err)
		}
		b.FS = zr
		b.closer = zr
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotBundle, path)
	}

	d, err := descriptor.Load(b.FS)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	b.Descriptor = d
	return b, nil
}

// Discover lists bundle candidates in each root, in root order and then
// directory order. Missing roots are logged and skipped; repeated roots are
// scanned once.
func Discover(roots []string, logger *slog.Logger) ([]Candidate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]bool, len(roots))
	var out []Candidate
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve bundle root %s: %w", root, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		entries, err := os.ReadDir(abs)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("bundle root does not exist", "root", root)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan bundle root %s: %w", root, err)
		}

		for _, e := range entries {
			if IsCandidate(e.Name(), e.IsDir()) {
				out = append(out, Candidate{Path: filepath.Join(abs, e.Name()), Root: abs})
			}
		}
	}
	return out, nil
}
