// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"context"
	"log/slog"

	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/modconfig"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/scheduler"
	"github.com/modbot/modbot/pkg/descriptor"
)

// SourceInternal is the Source of modules added with AddInternal.
const SourceInternal = "internal"

// Instance is one module managed by the Manager: its descriptor, loading
// unit, lifecycle, scheduler and config store. An Instance is single-use;
// once unloaded its unit is closed and it cannot be loaded again.
type Instance struct {
	desc    *descriptor.Descriptor
	mod     module.Module
	unit    *loader.Unit
	sched   *scheduler.Scheduler
	store   *modconfig.Store
	env     *module.Env
	logger  *slog.Logger
	dataDir string
	source  string

	life module.Lifecycle
}

// Name returns the module name.
func (i *Instance) Name() string { return i.desc.Name }

// Descriptor returns the parsed manifest.
func (i *Instance) Descriptor() *descriptor.Descriptor { return i.desc }

// Module returns the module value built from the entry point.
func (i *Instance) Module() module.Module { return i.mod }

// Status returns the current lifecycle status.
func (i *Instance) Status() module.Status { return i.life.Status() }

// LastError returns the error that moved the module to StatusFailed.
func (i *Instance) LastError() error { return i.life.LastError() }

// Unit returns the module's loading unit.
func (i *Instance) Unit() *loader.Unit { return i.unit }

// Scheduler returns the module's scheduler.
func (i *Instance) Scheduler() *scheduler.Scheduler { return i.sched }

// Config returns the module's config store.
func (i *Instance) Config() *modconfig.Store { return i.store }

// DataDir returns the module's data directory.
func (i *Instance) DataDir() string { return i.dataDir }

// Source returns the bundle path, or SourceInternal.
func (i *Instance) Source() string { return i.source }

// Logger returns the module-scoped logger.
func (i *Instance) Logger() *slog.Logger { return i.logger }

// ExceptionNamespaces implements router.Target.
func (i *Instance) ExceptionNamespaces() []string { return i.desc.ExceptionNamespaces }

// DeliverUncaught implements router.Target. Modules without an exception
// hook get the error logged on their behalf.
func (i *Instance) DeliverUncaught(ctx context.Context, err error) error {
	h, ok := i.mod.(module.ExceptionHandler)
	if !ok {
		i.logger.Error("uncaught error", "error", err)
		return nil
	}
	return h.OnUncaughtException(ctx, err)
}
