// SPDX-License-Identifier: MPL-2.0

package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/modbot/modbot/pkg/descriptor"
)

// Pack zips the bundle directory dir into outputPath with the manifest at the
// archive root. An empty outputPath writes "<name>.zip" next to dir.
// It returns the absolute path of the archive.
func Pack(dir, outputPath string) (archivePath string, err error) {
	d, err := descriptor.Load(os.DirFS(dir))
	if err != nil {
		return "", fmt.Errorf("invalid bundle: %w", err)
	}

	if outputPath == "" {
		outputPath = filepath.Join(filepath.Dir(filepath.Clean(dir)), strings.ToLower(d.Name)+ArchiveExt)
	}
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	walkErr := filepath.WalkDir(dir, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})

	closeErr := zw.Close()
	if fErr := f.Close(); closeErr == nil {
		closeErr = fErr
	}
	if walkErr != nil || closeErr != nil {
		_ = os.Remove(abs)
		if walkErr != nil {
			return "", fmt.Errorf("archive bundle: %w", walkErr)
		}
		return "", fmt.Errorf("archive bundle: %w", closeErr)
	}
	return abs, nil
}
