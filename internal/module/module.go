// SPDX-License-Identifier: MPL-2.0

package module

import (
	"context"
	"log/slog"

	"github.com/modbot/modbot/internal/inject"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/modconfig"
	"github.com/modbot/modbot/internal/scheduler"
	"github.com/modbot/modbot/pkg/descriptor"
)

type (
	// Module is the unit of behavior managed by the runtime. Hooks run on the
	// manager's control path and are expected to return promptly; long work
	// belongs on the scheduler.
	Module interface {
		// Bind hands the module its environment. It is called once, before OnLoad.
		Bind(env *Env)
		OnLoad(ctx context.Context) error
		OnEnable(ctx context.Context) error
		// OnDisable and OnUnload are best-effort; their errors are logged.
		OnDisable(ctx context.Context) error
		OnUnload(ctx context.Context) error
	}

	// ExceptionHandler is implemented by modules that want uncaught errors
	// raised from their own code or exception namespaces.
	ExceptionHandler interface {
		OnUncaughtException(ctx context.Context, err error) error
	}

	// Factory constructs a module. Linked entry points are Factory values.
	Factory func() Module

	// Peers looks up other registered modules.
	Peers interface {
		Peer(name string) (Module, bool)
	}

	// Env is what the host exposes to one module.
	Env struct {
		Descriptor *descriptor.Descriptor
		Logger     *slog.Logger
		Scheduler  *scheduler.Scheduler
		Config     *modconfig.Store
		DataDir    string
		Unit       *loader.Unit
		Peers      Peers
		// Container is set only for modules whose manifest requests injection.
		Container *inject.Container
	}

	// Base provides no-op hooks and accessors for Env. Embed it by value.
	Base struct {
		env *Env
	}
)

// Resolve looks a symbol up through the module's loading unit.
func (e *Env) Resolve(name string) (loader.Symbol, error) {
	return e.Unit.Resolve(name)
}

// Bind implements Module.
func (b *Base) Bind(env *Env) { b.env = env }

// Env returns the bound environment, or nil before Bind.
func (b *Base) Env() *Env { return b.env }

// Logger returns the module logger, falling back to slog.Default().
func (b *Base) Logger() *slog.Logger {
	if b.env == nil || b.env.Logger == nil {
		return slog.Default()
	}
	return b.env.Logger
}

// Scheduler returns the module's scheduler.
func (b *Base) Scheduler() *scheduler.Scheduler {
	if b.env == nil {
		return nil
	}
	return b.env.Scheduler
}

// Config returns the module's config store.
func (b *Base) Config() *modconfig.Store {
	if b.env == nil {
		return nil
	}
	return b.env.Config
}

// OnLoad implements Module.
func (b *Base) OnLoad(context.Context) error { return nil }

// OnEnable implements Module.
func (b *Base) OnEnable(context.Context) error { return nil }

// OnDisable implements Module.
func (b *Base) OnDisable(context.Context) error { return nil }

// OnUnload implements Module.
func (b *Base) OnUnload(context.Context) error { return nil }
