// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/modbot/modbot/internal/bundle"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/router"
)

// LoadModule runs OnLoad for a prepared instance. It is only valid from
// NOT_LOADED. On failure the instance ends in FAILED, its unit is detached
// and its scheduler closed, and a *LoadError is returned; on success it is
// LOADED and registered.
func (m *Manager) LoadModule(ctx context.Context, inst *Instance) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.loadModule(ctx, inst)
}

// EnableModule enables the named module and, first, its dependencies.
func (m *Manager) EnableModule(ctx context.Context, name string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return m.enable(ctx, inst, nil)
}

// EnableModules enables every registered module in registration order.
// A module caught in a dependency cycle is unloaded. Afterwards every module
// that did not reach ENABLED is unloaded. The batch never stops early; the
// failures are joined.
func (m *Manager) EnableModules(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	var errs []error
	for _, inst := range m.Instances() {
		if inst.Status() == module.StatusNotLoaded {
			// Unloaded by an earlier iteration.
			continue
		}
		err := m.enable(ctx, inst, nil)
		if err == nil {
			continue
		}
		errs = append(errs, err)

		var cycle *DependencyCycleError
		if errors.As(err, &cycle) && cycle.Contains(inst.Name()) {
			inst.logger.Error("dependency cycle, unloading module", "cycle", strings.Join(cycle.Cycle, " -> "))
			errs = append(errs, m.unload(ctx, inst))
		}
	}

	for _, inst := range m.Instances() {
		if inst.Status() != module.StatusEnabled {
			inst.logger.Warn("module was not enabled, unloading", "status", inst.Status())
			errs = append(errs, m.unload(ctx, inst))
		}
	}
	return errors.Join(errs...)
}

// UnloadModule disables (if needed) and unloads the named module.
func (m *Manager) UnloadModule(ctx context.Context, name string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return m.unload(ctx, inst)
}

// UnloadModules unloads every registered module in reverse registration
// order. Hook failures are joined; the batch never stops early.
func (m *Manager) UnloadModules(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	instances := m.Instances()
	slices.Reverse(instances)

	var errs []error
	for _, inst := range instances {
		errs = append(errs, m.unload(ctx, inst))
	}
	return errors.Join(errs...)
}

// Attach opens the bundle at path, then prepares, loads and enables it. A
// module that cannot be enabled is unloaded again.
func (m *Manager) Attach(ctx context.Context, path string) (*Instance, error) {
	b, err := bundle.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	inst, err := m.prepare(b.Descriptor, b.Path, b.FS, b.Closer(), nil)
	if err != nil {
		return nil, err
	}
	if err := m.loadModule(ctx, inst); err != nil {
		return nil, err
	}
	if err := m.enable(ctx, inst, nil); err != nil {
		if inst.Status() != module.StatusNotLoaded {
			_ = m.unload(ctx, inst)
		}
		return nil, err
	}
	inst.logger.Info("module attached", "bundle", path)
	return inst, nil
}

func (m *Manager) loadModule(ctx context.Context, inst *Instance) error {
	name := inst.Name()
	if err := inst.life.TransitionTo(name, module.StatusLoading); err != nil {
		return &LoadError{Module: name, Source: inst.source, Err: err}
	}

	err := m.call(ctx, inst, func(ctx context.Context) error {
		if inst.unit.Closed() {
			return loader.ErrUnitClosed
		}
		inst.mod.Bind(inst.env)
		return inst.mod.OnLoad(ctx)
	})
	if err != nil {
		_ = inst.life.Fail(name, err)
		inst.sched.Close()
		if cErr := inst.unit.Close(); cErr != nil {
			inst.logger.Warn("cannot release bundle", "error", cErr)
		}
		inst.logger.Error("module failed to load", "error", err)
		return &LoadError{Module: name, Source: inst.source, Err: err}
	}

	m.register(inst)
	if err := inst.life.TransitionTo(name, module.StatusLoaded); err != nil {
		return err
	}
	inst.logger.Info("module loaded", "version", inst.desc.Version, "author", inst.desc.Author)
	return nil
}

// enable walks hard then soft dependencies depth-first. path holds the
// modules currently being enabled, outermost first.
func (m *Manager) enable(ctx context.Context, inst *Instance, path []string) error {
	name := inst.Name()
	if i := slices.IndexFunc(path, func(p string) bool { return strings.EqualFold(p, name) }); i >= 0 {
		return &DependencyCycleError{Cycle: append(slices.Clone(path[i:]), name)}
	}

	switch st := inst.Status(); st {
	case module.StatusEnabled:
		return nil
	case module.StatusLoaded:
	default:
		return &module.TransitionError{Module: name, From: st, To: module.StatusEnabling}
	}

	path = append(path, name)

	for _, depName := range inst.desc.HardDependencies {
		dep, ok := m.Get(depName)
		if !ok {
			inst.logger.Error("hard dependency is not loaded", "dependency", depName)
			return &DependencyError{Module: name, Dependency: depName, Err: ErrDependencyMissing}
		}
		err := m.enable(ctx, dep, path)
		var cycle *DependencyCycleError
		if errors.As(err, &cycle) {
			if cycle.Contains(name) {
				return err
			}
			inst.logger.Error("hard dependency is part of a dependency cycle", "dependency", dep.Name(), "cycle", strings.Join(cycle.Cycle, " -> "))
			return &DependencyError{Module: name, Dependency: dep.Name(), Err: err}
		}
		if err != nil || dep.Status() != module.StatusEnabled {
			inst.logger.Error("hard dependency could not be enabled", "dependency", dep.Name(), "error", err)
			return &DependencyError{Module: name, Dependency: dep.Name(), Err: errors.Join(ErrDependencyNotEnabled, err)}
		}
	}

	for _, depName := range inst.desc.SoftDependencies {
		dep, ok := m.Get(depName)
		if !ok {
			inst.logger.Warn("soft dependency is not loaded", "dependency", depName)
			continue
		}
		if err := m.enable(ctx, dep, path); err != nil {
			inst.logger.Warn("soft dependency could not be enabled", "dependency", dep.Name(), "error", err)
		}
	}

	if err := inst.life.TransitionTo(name, module.StatusEnabling); err != nil {
		return err
	}
	if err := m.call(ctx, inst, inst.mod.OnEnable); err != nil {
		inst.logger.Error("module failed to enable, unloading", "error", err)
		if uErr := m.unload(ctx, inst); uErr != nil {
			err = errors.Join(err, uErr)
		}
		return &EnableError{Module: name, Err: err}
	}
	if err := inst.life.TransitionTo(name, module.StatusEnabled); err != nil {
		return err
	}
	inst.logger.Info("module enabled")
	return nil
}

// unload tears a module down from whatever state it is in. Hook failures
// are logged and returned as *LifecycleHookError; teardown always finishes.
func (m *Manager) unload(ctx context.Context, inst *Instance) error {
	name := inst.Name()

	switch st := inst.Status(); st {
	case module.StatusNotLoaded:
		inst.logger.Warn("module is not loaded")
		return nil

	case module.StatusEnabled:
		if err := inst.life.TransitionTo(name, module.StatusDisabling); err != nil {
			return err
		}
		var hookErr error
		if err := m.call(ctx, inst, inst.mod.OnDisable); err != nil {
			hookErr = &LifecycleHookError{Module: name, Hook: "OnDisable", Err: err}
			inst.logger.Error("disable hook failed", "error", err)
		}
		if n := inst.sched.CancelAll(); n > 0 {
			inst.logger.Debug("cancelled module tasks", "count", n)
		}
		if err := inst.life.TransitionTo(name, module.StatusDisabled); err != nil {
			return errors.Join(hookErr, err)
		}
		inst.logger.Info("module disabled")
		return errors.Join(hookErr, m.unload(ctx, inst))

	case module.StatusLoaded, module.StatusEnabling, module.StatusDisabled:
		if err := inst.life.TransitionTo(name, module.StatusUnloading); err != nil {
			return err
		}
		var hookErr error
		if err := m.call(ctx, inst, inst.mod.OnUnload); err != nil {
			hookErr = &LifecycleHookError{Module: name, Hook: "OnUnload", Err: err}
			inst.logger.Error("unload hook failed", "error", err)
		}
		inst.sched.Close()
		m.deregister(inst)
		if err := inst.unit.Close(); err != nil {
			inst.logger.Warn("cannot release bundle", "error", err)
		}
		if err := inst.life.TransitionTo(name, module.StatusNotLoaded); err != nil {
			return errors.Join(hookErr, err)
		}
		inst.logger.Info("module unloaded")
		return hookErr

	default:
		inst.logger.Warn("module cannot be unloaded in its current state", "status", st)
		return nil
	}
}

// call runs a lifecycle hook with the module's origin on ctx. Panics become
// *router.PanicError.
func (m *Manager) call(ctx context.Context, inst *Instance, hook func(context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &router.PanicError{Value: v}
		}
	}()
	return hook(router.WithOrigin(ctx, inst.Name()))
}
