// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/modbot/modbot/internal/module"
)

// Hook names recorded by FakeModule.
const (
	HookLoad    = "load"
	HookEnable  = "enable"
	HookDisable = "disable"
	HookUnload  = "unload"
)

type (
	// Journal records lifecycle events of several modules in call order.
	// Events are "<module>.<hook>".
	Journal struct {
		mu     sync.Mutex
		events []string
	}

	// FakeModule is a module.Module that records every hook in a Journal.
	// Fail and Panic make the named hook return an error or panic; Hook,
	// when set, runs after recording and its error is returned.
	FakeModule struct {
		module.Base

		ID      string
		Journal *Journal
		Fail    map[string]error
		Panic   map[string]any
		Hook    func(ctx context.Context, m *FakeModule, hook string) error

		mu         sync.Mutex
		uncaught   []error
		uncaughtCh chan error
	}
)

// Record appends an event.
func (j *Journal) Record(mod, hook string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, mod+"."+hook)
}

// Events returns a copy of the recorded events.
func (j *Journal) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.events)
}

// Count returns how many times mod ran hook.
func (j *Journal) Count(mod, hook string) int {
	n := 0
	for _, e := range j.Events() {
		if e == mod+"."+hook {
			n++
		}
	}
	return n
}

// Index returns the position of the first mod.hook event, or -1.
func (j *Journal) Index(mod, hook string) int {
	return slices.Index(j.Events(), mod+"."+hook)
}

// NewFakeModule creates a FakeModule recording into j.
func NewFakeModule(id string, j *Journal) *FakeModule {
	return &FakeModule{
		ID:         id,
		Journal:    j,
		Fail:       map[string]error{},
		Panic:      map[string]any{},
		uncaughtCh: make(chan error, 16),
	}
}

// Factory returns a module.Factory that always yields f.
func (f *FakeModule) Factory() module.Factory {
	return func() module.Module { return f }
}

// OnLoad implements module.Module.
func (f *FakeModule) OnLoad(ctx context.Context) error { return f.run(ctx, HookLoad) }

// OnEnable implements module.Module.
func (f *FakeModule) OnEnable(ctx context.Context) error { return f.run(ctx, HookEnable) }

// OnDisable implements module.Module.
func (f *FakeModule) OnDisable(ctx context.Context) error { return f.run(ctx, HookDisable) }

// OnUnload implements module.Module.
func (f *FakeModule) OnUnload(ctx context.Context) error { return f.run(ctx, HookUnload) }

// OnUncaughtException implements module.ExceptionHandler.
func (f *FakeModule) OnUncaughtException(_ context.Context, err error) error {
	f.mu.Lock()
	f.uncaught = append(f.uncaught, err)
	f.mu.Unlock()
	select {
	case f.uncaughtCh <- err:
	default:
	}
	return nil
}

// Uncaught returns the errors delivered to OnUncaughtException.
func (f *FakeModule) Uncaught() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.uncaught)
}

// UncaughtCh receives every delivered error (buffered, drops when full).
func (f *FakeModule) UncaughtCh() <-chan error { return f.uncaughtCh }

func (f *FakeModule) run(ctx context.Context, hook string) error {
	f.Journal.Record(f.ID, hook)
	if v, ok := f.Panic[hook]; ok {
		panic(v)
	}
	if err, ok := f.Fail[hook]; ok {
		return fmt.Errorf("%s %s: %w", f.ID, hook, err)
	}
	if f.Hook != nil {
		return f.Hook(ctx, f, hook)
	}
	return nil
}
