// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/modbot/modbot/internal/inject"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/router"
	"github.com/modbot/modbot/internal/scheduler"
)

// DefaultDataRoot is where module data directories are created when no
// root is configured.
const DefaultDataRoot = "data"

type (
	// Manager is the module registry.
	Manager struct {
		linker    *loader.Linker
		siblings  *loader.SiblingSet
		router    *router.Router
		container *inject.Container
		logger    *slog.Logger
		dataRoot  string
		workers   int

		// ops serializes control operations.
		ops sync.Mutex

		mu      sync.RWMutex
		modules []*Instance
		byName  map[string]*Instance
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDataRoot sets the parent of every module data directory.
func WithDataRoot(dir string) Option {
	return func(m *Manager) { m.dataRoot = dir }
}

// WithWorkers sets the worker pool size of every module scheduler.
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// WithContainer sets the shared container used for modules that request
// injection. A fresh container is used by default.
func WithContainer(c *inject.Container) Option {
	return func(m *Manager) { m.container = c }
}

// New creates a Manager resolving entry points through linker.
func New(linker *loader.Linker, opts ...Option) *Manager {
	m := &Manager{
		linker:   linker,
		siblings: loader.NewSiblingSet(),
		logger:   slog.Default(),
		dataRoot: DefaultDataRoot,
		workers:  scheduler.DefaultWorkers,
		byName:   make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.container == nil {
		m.container = inject.New()
	}
	m.router = router.New(m, router.WithLogger(m.logger))
	return m
}

// Router returns the exception router over the registered modules.
func (m *Manager) Router() *router.Router { return m.router }

// Siblings returns the sibling set shared by every loading unit.
func (m *Manager) Siblings() *loader.SiblingSet { return m.siblings }

// Container returns the shared injection container.
func (m *Manager) Container() *inject.Container { return m.container }

// Get returns the registered module with the given name (case-insensitive).
func (m *Manager) Get(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byName[key(name)]
	return inst, ok
}

// Instances returns the registered modules in registration order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.modules)
}

// Peer implements module.Peers.
func (m *Manager) Peer(name string) (module.Module, bool) {
	inst, ok := m.Get(name)
	if !ok {
		return nil, false
	}
	return inst.mod, true
}

// Targets implements router.Source.
func (m *Manager) Targets() []router.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]router.Target, len(m.modules))
	for i, inst := range m.modules {
		out[i] = inst
	}
	return out
}

func (m *Manager) register(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = append(m.modules, inst)
	m.byName[key(inst.Name())] = inst
}

func (m *Manager) deregister(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = slices.DeleteFunc(m.modules, func(other *Instance) bool { return other == inst })
	if m.byName[key(inst.Name())] == inst {
		delete(m.byName, key(inst.Name()))
	}
}

func key(name string) string {
	return strings.ToLower(name)
}
