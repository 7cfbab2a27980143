// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/modbot/modbot/internal/bundle"
	"github.com/modbot/modbot/internal/inject"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/modconfig"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/router"
	"github.com/modbot/modbot/internal/scheduler"
	"github.com/modbot/modbot/internal/script"
	"github.com/modbot/modbot/pkg/descriptor"
)

// Prepare builds the instance for an opened bundle: its loading unit
// (attached to the sibling set right away), data directory, scheduler,
// config store and module value. The instance is NOT_LOADED and must be
// passed to LoadModule. The Manager takes ownership of b; it is closed
// when preparation fails.
func (m *Manager) Prepare(b *bundle.Bundle) (*Instance, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.prepare(b.Descriptor, b.Path, b.FS, b.Closer(), nil)
}

// AddInternal registers a module compiled into the host. It skips discovery
// and entry point resolution and is loaded immediately.
func (m *Manager) AddInternal(ctx context.Context, desc *descriptor.Descriptor, mod module.Module) (*Instance, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	inst, err := m.prepare(desc, SourceInternal, nil, nil, mod)
	if err != nil {
		return nil, err
	}
	if err := m.loadModule(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Load prepares and loads already opened bundles in dependency order.
// Failures are logged and joined; they never stop the batch.
func (m *Manager) Load(ctx context.Context, bundles []*bundle.Bundle) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	descs := make([]*descriptor.Descriptor, len(bundles))
	for i, b := range bundles {
		descs[i] = b.Descriptor
	}
	order, err := bundle.Order(descs)
	if err != nil {
		m.logger.Warn("cannot order bundles, using discovery order", "error", err)
	}

	var errs []error
	for _, i := range order {
		b := bundles[i]
		inst, err := m.prepare(b.Descriptor, b.Path, b.FS, b.Closer(), nil)
		if err != nil {
			m.logger.Error("module preparation failed", "bundle", b.Path, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := m.loadModule(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAll discovers the bundles under roots, opens them and loads them.
func (m *Manager) LoadAll(ctx context.Context, roots []string) error {
	candidates, err := bundle.Discover(roots, m.logger)
	if err != nil {
		return err
	}

	var (
		opened []*bundle.Bundle
		errs   []error
	)
	for _, c := range candidates {
		b, err := bundle.Open(c.Path)
		if err != nil {
			m.logger.Error("cannot open bundle", "bundle", c.Path, "error", err)
			errs = append(errs, &LoadError{Source: c.Path, Err: err})
			continue
		}
		opened = append(opened, b)
	}
	m.logger.Info("bundles discovered", "count", len(opened), "roots", roots)

	errs = append(errs, m.Load(ctx, opened))
	return errors.Join(errs...)
}

func (m *Manager) prepare(desc *descriptor.Descriptor, source string, fsys fs.FS, closer io.Closer, mod module.Module) (*Instance, error) {
	name := desc.Name
	fail := func(err error) (*Instance, error) {
		return nil, &LoadError{Module: name, Source: source, Err: err}
	}

	if _, taken := m.Get(name); taken {
		if closer != nil {
			_ = closer.Close()
		}
		return fail(ErrDuplicateModule)
	}

	unitOpts := []loader.UnitOption{loader.WithCloser(closer)}
	if fsys != nil {
		unitOpts = append(unitOpts, loader.WithFS(fsys))
	}
	unit := loader.NewUnit(name, m.linker, m.siblings, unitOpts...)
	if err := unit.Attach(); err != nil {
		_ = unit.Close()
		if errors.Is(err, loader.ErrDuplicateUnit) {
			return fail(ErrDuplicateModule)
		}
		return fail(err)
	}

	dataDir := filepath.Join(m.dataRoot, name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		_ = unit.Close()
		return fail(fmt.Errorf("create data directory: %w", err))
	}

	inst := &Instance{
		desc:    desc,
		unit:    unit,
		logger:  m.logger.With("module", name),
		dataDir: dataDir,
		source:  source,
		store:   modconfig.NewStore(name, dataDir, fsys),
		sched: scheduler.New(name,
			scheduler.WithLogger(m.logger),
			scheduler.WithWorkers(m.workers),
			scheduler.WithReporter(m.router),
		),
	}
	inst.env = &module.Env{
		Descriptor: desc,
		Logger:     inst.logger,
		Scheduler:  inst.sched,
		Config:     inst.store,
		DataDir:    dataDir,
		Unit:       unit,
		Peers:      m,
	}
	if desc.Injection {
		inst.env.Container = m.scope(inst)
	}

	if mod == nil {
		var err error
		if mod, err = m.construct(inst); err != nil {
			inst.sched.Close()
			_ = unit.Close()
			return fail(err)
		}
	}
	inst.mod = mod
	return inst, nil
}

// scope returns a child of the shared container with the instance's own
// services bound.
func (m *Manager) scope(inst *Instance) *inject.Container {
	c := m.container.Child()
	inject.Provide(c, inst.logger)
	inject.Provide(c, inst.desc)
	inject.Provide(c, inst.sched)
	inject.Provide(c, inst.store)
	inject.Provide(c, inst.unit)
	inject.Provide(c, inst.env)
	inject.Provide[module.Peers](c, m)
	return c
}

func (m *Manager) construct(inst *Instance) (mod module.Module, err error) {
	defer func() {
		if v := recover(); v != nil {
			mod, err = nil, &router.PanicError{Value: v}
		}
	}()

	desc := inst.desc
	if desc.IsScript() {
		return script.New(inst.unit, desc.Script())
	}

	sym, err := inst.unit.Resolve(desc.EntryPoint)
	if err != nil {
		return nil, err
	}
	if _, ok := sym.Value.(*loader.Script); ok {
		return script.New(inst.unit, desc.EntryPoint)
	}

	if desc.Injection {
		out, err := inst.env.Container.Invoke(sym.Value)
		if err != nil {
			return nil, fmt.Errorf("construct %s: %w", desc.EntryPoint, err)
		}
		if len(out) > 0 && out[0].IsValid() {
			if mod, ok := out[0].Interface().(module.Module); ok && mod != nil {
				return mod, nil
			}
		}
		return nil, fmt.Errorf("%w: %s returns no module", ErrInvalidEntryPoint, desc.EntryPoint)
	}

	switch v := sym.Value.(type) {
	case module.Factory:
		mod = v()
	case func() module.Module:
		mod = v()
	case module.Module:
		mod = v
	default:
		return nil, fmt.Errorf("%w: %s is a %T", ErrInvalidEntryPoint, desc.EntryPoint, sym.Value)
	}
	if mod == nil {
		return nil, fmt.Errorf("%w: %s returned nil", ErrInvalidEntryPoint, desc.EntryPoint)
	}
	return mod, nil
}
