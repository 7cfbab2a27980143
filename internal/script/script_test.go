// SPDX-License-Identifier: MPL-2.0

package script

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/scheduler"
)

// recorder is exposed to scripts as the host library "test.recorder".
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) loader() lua.LGFunction {
	return func(L *lua.LState) int {
		tbl := L.NewTable()
		L.SetField(tbl, "record", L.NewFunction(func(L *lua.LState) int {
			r.add(L.CheckString(1))
			return 0
		}))
		L.Push(tbl)
		return 1
	}
}

func newScriptModule(t *testing.T, files fstest.MapFS, chunk string) (*Module, *recorder, *scheduler.Scheduler) {
	t.Helper()

	rec := &recorder{}
	linker := loader.NewLinker()
	linker.LinkHost(loader.NewLibrary("test", map[string]any{"recorder": rec.loader()}))
	unit := loader.NewUnit("scripted", linker, loader.NewSiblingSet(), loader.WithFS(files))

	m, err := New(unit, chunk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New("scripted", scheduler.WithLogger(logger))
	t.Cleanup(sched.Close)
	m.Bind(&module.Env{Logger: logger, Scheduler: sched, Unit: unit, DataDir: "/srv/data/scripted"})
	return m, rec, sched
}

const lifecycleChunk = `
local rec = require("test.recorder")
local util = require("lib.util")
rec.record("chunk:" .. util.greet())
return {
  onLoad = function() rec.record("load:" .. modbot.data_dir) end,
  onEnable = function() rec.record("enable") end,
  onDisable = function() rec.record("disable") end,
  onUnload = function() rec.record("unload") end,
  onUncaughtException = function(msg) rec.record("uncaught:" .. msg) end,
}
`

func TestLifecycleHooks(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{
		"main.lua":     {Data: []byte(lifecycleChunk)},
		"lib/util.lua": {Data: []byte(`return { greet = function() return "hi" end }`)},
	}
	m, rec, _ := newScriptModule(t, files, "main")
	ctx := context.Background()

	steps := []func(context.Context) error{m.OnLoad, m.OnEnable, m.OnDisable, m.OnUnload}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			t.Fatalf("hook failed: %v", err)
		}
	}
	// The state is closed; further hooks are no-ops.
	if err := m.OnUncaughtException(ctx, errors.New("late")); err != nil {
		t.Fatalf("hook after unload: %v", err)
	}

	want := []string{"chunk:hi", "load:/srv/data/scripted", "enable", "disable", "unload"}
	if got := rec.snapshot(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestUncaughtExceptionHook(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{"main.lua": {Data: []byte(lifecycleChunk)}, "lib/util.lua": {Data: []byte(`return { greet = function() return "x" end }`)}}
	m, rec, _ := newScriptModule(t, files, "main")
	if err := m.OnLoad(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.OnUncaughtException(context.Background(), errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if got := rec.snapshot(); !slices.Contains(got, "uncaught:boom") {
		t.Errorf("events = %v", got)
	}
}

func TestScheduledCallbacks(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{"main.lua": {Data: []byte(`
local rec = require("test.recorder")
return {
  onEnable = function()
    modbot.after(0, function() rec.record("after") end)
    local id = modbot.every(0.01, function() rec.record("tick") end)
    rec.record(modbot.cancel("missing") and "cancelled" or "unknown")
  end,
}
`)}}
	m, rec, sched := newScriptModule(t, files, "main")
	ctx := context.Background()
	if err := m.OnLoad(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.OnEnable(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := rec.snapshot()
		if slices.Contains(got, "after") && slices.Contains(got, "tick") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.snapshot()
	if !slices.Contains(got, "after") || !slices.Contains(got, "tick") || got[0] != "unknown" {
		t.Fatalf("events = %v", got)
	}

	if n := sched.CancelAll(); n < 1 {
		t.Errorf("CancelAll cancelled %d tasks, want the periodic one", n)
	}
	if err := m.OnUnload(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files fstest.MapFS
		check func(*testing.T, error)
	}{
		{
			name:  "chunk returns no table",
			files: fstest.MapFS{"main.lua": {Data: []byte(`return 42`)}},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrBadChunk) {
					t.Errorf("expected ErrBadChunk, got %v", err)
				}
			},
		},
		{
			name:  "syntax error",
			files: fstest.MapFS{"main.lua": {Data: []byte(`return {`)}},
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected a syntax error")
				}
			},
		},
		{
			name:  "onLoad raises",
			files: fstest.MapFS{"main.lua": {Data: []byte(`return { onLoad = function() error("nope") end }`)}},
			check: func(t *testing.T, err error) {
				var apiErr *lua.ApiError
				if !errors.As(err, &apiErr) {
					t.Errorf("expected *lua.ApiError, got %T %v", err, err)
				}
			},
		},
		{
			name:  "unknown require",
			files: fstest.MapFS{"main.lua": {Data: []byte(`require("nowhere.mod") return {}`)}},
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected require to fail")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _, _ := newScriptModule(t, tt.files, "main")
			tt.check(t, m.OnLoad(context.Background()))
		})
	}
}

func TestNewMissingChunk(t *testing.T) {
	t.Parallel()

	unit := loader.NewUnit("scripted", loader.NewLinker(), loader.NewSiblingSet(), loader.WithFS(fstest.MapFS{}))
	if _, err := New(unit, "main"); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("expected ErrChunkNotFound, got %v", err)
	}
}
