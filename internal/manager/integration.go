// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"context"
	"errors"
)

// Each runs an integration hook for every registered module implementing T,
// in registration order. hook names the integration point in logs and
// errors. A failing or panicking module is logged and skipped.
func Each[T any](ctx context.Context, m *Manager, hook string, fn func(ctx context.Context, inst *Instance, v T) error) error {
	var errs []error
	for _, inst := range m.Instances() {
		errs = append(errs, Integrate(ctx, m, inst, hook, fn))
	}
	return errors.Join(errs...)
}

// Integrate runs an integration hook for one instance. It is a no-op when
// the module does not implement T. Used for modules attached after startup.
func Integrate[T any](ctx context.Context, m *Manager, inst *Instance, hook string, fn func(ctx context.Context, inst *Instance, v T) error) error {
	v, ok := inst.mod.(T)
	if !ok {
		return nil
	}
	err := m.call(ctx, inst, func(ctx context.Context) error {
		return fn(ctx, inst, v)
	})
	if err != nil {
		inst.logger.Error("integration hook failed", "hook", hook, "error", err)
		return &LifecycleHookError{Module: inst.Name(), Hook: hook, Err: err}
	}
	return nil
}
