// SPDX-License-Identifier: MPL-2.0

// Package watch attaches module bundles that appear in the bundle roots while
// the bot is running.
//
// Roots are watched non-recursively, matching bundle discovery. A new archive
// or bundle directory is reported once the root has been quiet for the
// debounce period, so a bundle that is still being copied is not opened
// half-written. Unpacked bundle directories are watched too, so a directory
// created before its manifest is retried when the manifest lands.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/modbot/modbot/internal/bundle"
)

// defaultDebounce is the quiet period before a changed bundle is attached.
const defaultDebounce = 500 * time.Millisecond

// defaultIgnores lists name patterns that never trigger an attach: editor
// swap files, partial downloads and hidden files.
var defaultIgnores = []string{
	".*",
	"*.swp",
	"*~",
	"*.part",
	"*.tmp",
}

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Roots are the bundle directories to watch. Missing roots are skipped
		// with a warning.
		Roots []string

		// Known are bundle paths that are already loaded and must not be
		// reported again. Paths are compared after filepath.Abs.
		Known []string

		// Ignore are additional doublestar patterns matched against the
		// bundle's base name.
		Ignore []string

		// Debounce is the quiet period after the last event before OnBundle
		// fires. Zero or negative values fall back to defaultDebounce.
		Debounce time.Duration

		// OnBundle is called once per new bundle path. A non-nil error leaves
		// the path pending so the next event for it retries.
		OnBundle func(ctx context.Context, path string) error

		Logger *slog.Logger
	}

	// Watcher monitors bundle roots. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		ignores  []string
		logger   *slog.Logger
		debounce time.Duration
		roots    map[string]bool
		started  atomic.Bool

		mu    sync.Mutex
		known map[string]bool
	}
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("watch: Run called more than once")

// New creates a Watcher and registers the roots with fsnotify.
func New(cfg Config) (*Watcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	if err := validatePatterns(cfg.Ignore); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		logger:   logger,
		debounce: debounce,
		roots:    make(map[string]bool, len(cfg.Roots)),
		known:    make(map[string]bool, len(cfg.Known)),
	}

	for _, p := range cfg.Known {
		if abs, err := filepath.Abs(p); err == nil {
			w.known[abs] = true
		}
	}

	if err := w.addRoots(); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			logger.Warn("close watcher after init failure", "error", closeErr)
		}
		return nil, err
	}

	return w, nil
}

// Roots returns the absolute roots being watched.
func (w *Watcher) Roots() []string {
	return slices.Sorted(maps.Keys(w.roots))
}

// Run blocks until ctx is cancelled, attaching new bundles as they settle.
// It returns nil on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire drains the pending set. A run that overlaps a slow OnBundle is
	// rescheduled instead of dropped.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		paths := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		for _, p := range paths {
			w.attach(ctx, p)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if closeErr := w.fsw.Close(); closeErr != nil {
			w.logger.Warn("close fsnotify watcher", "error", closeErr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}

			candidate, isDir, ok := w.candidate(evt.Name)
			if !ok {
				continue
			}

			if evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
				if candidate == evt.Name {
					w.forget(candidate)
				}
				continue
			}

			if isDir && evt.Has(fsnotify.Create) && candidate == evt.Name {
				if err := w.fsw.Add(candidate); err != nil {
					w.logger.Warn("cannot watch bundle directory", "path", candidate, "error", err)
				}
			}

			if w.isKnown(candidate) {
				continue
			}

			mu.Lock()
			pending[candidate] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			// isFatalFsnotifyError is platform-specific (see watcher_fatal_*.go).
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) attach(ctx context.Context, path string) {
	if w.isKnown(path) {
		return
	}
	if _, err := os.Stat(path); err != nil {
		// Removed again before it settled.
		return
	}
	if w.cfg.OnBundle == nil {
		w.remember(path)
		return
	}
	if err := w.cfg.OnBundle(ctx, path); err != nil {
		w.logger.Warn("could not attach bundle", "path", path, "error", err)
		return
	}
	w.remember(path)
}

// candidate maps an event path to the bundle it belongs to. Events inside an
// unpacked bundle directory map to the directory.
func (w *Watcher) candidate(name string) (path string, isDir, ok bool) {
	dir, base := filepath.Split(name)
	dir = filepath.Clean(dir)

	if !w.roots[dir] {
		// One level down: a file inside a watched bundle directory.
		if !w.roots[filepath.Dir(dir)] {
			return "", false, false
		}
		name, dir, base = dir, filepath.Dir(dir), filepath.Base(dir)
		if !strings.HasSuffix(base, bundle.DirSuffix) {
			return "", false, false
		}
	}

	if w.isIgnored(base) {
		return "", false, false
	}

	isDir = strings.HasSuffix(base, bundle.DirSuffix)
	if info, err := os.Stat(name); err == nil {
		isDir = info.IsDir()
	}
	if !bundle.IsCandidate(base, isDir) {
		return "", false, false
	}
	return name, isDir, true
}

func (w *Watcher) addRoots() error {
	for _, root := range w.cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("watch: resolve root %s: %w", root, err)
		}
		if w.roots[abs] {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			w.logger.Warn("bundle root cannot be watched", "root", root)
			continue
		}
		if err := w.fsw.Add(abs); err != nil {
			return fmt.Errorf("watch: add root %q: %w", abs, err)
		}
		w.roots[abs] = true
	}
	return nil
}

func (w *Watcher) isKnown(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.known[path]
}

func (w *Watcher) remember(path string) {
	w.mu.Lock()
	w.known[path] = true
	w.mu.Unlock()
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.known, path)
	w.mu.Unlock()
}

// isIgnored reports whether a bundle base name matches an ignore pattern.
func (w *Watcher) isIgnored(base string) bool {
	for _, pat := range w.ignores {
		if matched, matchErr := doublestar.Match(pat, base); matchErr == nil && matched {
			return true
		}
	}
	return false
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

// validatePatterns checks that every pattern is a valid doublestar glob.
func validatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid ignore pattern %q: %w", pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
