// SPDX-License-Identifier: MPL-2.0

package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/scheduler"
)

var (
	// ErrChunkNotFound is returned by New when the bundle has no such script.
	ErrChunkNotFound = errors.New("script chunk not found")
	// ErrBadChunk is returned when a chunk does not evaluate to a table.
	ErrBadChunk = errors.New("script chunk must return a table")
)

// Hook names looked up in the table returned by the chunk.
const (
	HookLoad     = "onLoad"
	HookEnable   = "onEnable"
	HookDisable  = "onDisable"
	HookUnload   = "onUnload"
	HookUncaught = "onUncaughtException"
)

// Module is a module.Module backed by one Lua state. Hooks and scheduled
// callbacks share the state and are serialized.
type Module struct {
	module.Base

	unit *loader.Unit
	src  *loader.Script

	mu     sync.Mutex
	state  *lua.LState
	hooks  *lua.LTable
	loaded *lua.LTable
	tasks  map[string]*scheduler.Task
}

// New returns the module for chunk, which must be a script in unit's own
// bundle ("main" or "lib.main" for lib/main.lua).
func New(unit *loader.Unit, chunk string) (*Module, error) {
	sym, ok := unit.ResolveOwn(chunk)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, chunk)
	}
	src, ok := sym.Value.(*loader.Script)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a script", ErrChunkNotFound, chunk)
	}
	return &Module{unit: unit, src: src, tasks: make(map[string]*scheduler.Task)}, nil
}

// Chunk returns the path of the entry script inside the bundle.
func (m *Module) Chunk() string { return m.src.Path }

// OnLoad creates the Lua state, runs the chunk and then its onLoad hook.
func (m *Module) OnLoad(ctx context.Context) error {
	m.mu.Lock()
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		open(L)
	}
	m.state = L
	m.loaded = L.NewTable()
	m.registerRequire()
	m.registerAPI()

	hooks, err := m.run(ctx, m.src)
	if err == nil {
		if tbl, ok := hooks.(*lua.LTable); ok {
			m.hooks = tbl
		} else {
			err = fmt.Errorf("%w: %s returned %s", ErrBadChunk, m.src.Path, hooks.Type())
		}
	}
	if err != nil {
		L.Close()
		m.state = nil
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	return m.call(ctx, HookLoad)
}

// OnEnable implements module.Module.
func (m *Module) OnEnable(ctx context.Context) error { return m.call(ctx, HookEnable) }

// OnDisable implements module.Module.
func (m *Module) OnDisable(ctx context.Context) error {
	err := m.call(ctx, HookDisable)
	m.mu.Lock()
	clear(m.tasks)
	m.mu.Unlock()
	return err
}

// OnUnload runs the onUnload hook and closes the Lua state.
func (m *Module) OnUnload(ctx context.Context) error {
	err := m.call(ctx, HookUnload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
	return err
}

// OnUncaughtException implements module.ExceptionHandler.
func (m *Module) OnUncaughtException(ctx context.Context, err error) error {
	return m.call(ctx, HookUncaught, lua.LString(err.Error()))
}

func (m *Module) call(ctx context.Context, hook string, args ...lua.LValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil || m.hooks == nil {
		return nil
	}
	fn, ok := m.hooks.RawGetString(hook).(*lua.LFunction)
	if !ok {
		return nil
	}
	return m.invoke(ctx, fn, args...)
}

// invoke calls fn with the state bound to ctx. m.mu must be held.
func (m *Module) invoke(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) error {
	L := m.state
	L.SetContext(ctx)
	defer L.RemoveContext()
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// run executes a script chunk and returns its single result. m.mu must be held.
func (m *Module) run(ctx context.Context, src *loader.Script) (lua.LValue, error) {
	L := m.state
	fn, err := L.Load(bytes.NewReader(src.Source), src.Path)
	if err != nil {
		return lua.LNil, err
	}
	L.SetContext(ctx)
	defer L.RemoveContext()

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

func (m *Module) registerRequire() {
	L := m.state
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if cached := m.loaded.RawGetString(name); cached != lua.LNil {
			L.Push(cached)
			return 1
		}

		sym, err := m.unit.Resolve(name)
		if err != nil {
			L.RaiseError("module %q not found: %v", name, err)
			return 0
		}

		var value lua.LValue
		switch v := sym.Value.(type) {
		case *loader.Script:
			// Cycles see true instead of recursing.
			m.loaded.RawSetString(name, lua.LTrue)
			fn, err := L.Load(bytes.NewReader(v.Source), v.Path)
			if err != nil {
				m.loaded.RawSetString(name, lua.LNil)
				L.RaiseError("load %s: %v", v.Path, err)
				return 0
			}
			L.Push(fn)
			L.Call(0, 1)
			value = L.Get(-1)
			L.Pop(1)
		case lua.LGFunction:
			L.Push(L.NewFunction(v))
			L.Call(0, 1)
			value = L.Get(-1)
			L.Pop(1)
		default:
			L.RaiseError("%q from %s is not a Lua module", name, sym.Origin)
			return 0
		}

		if value == lua.LNil {
			value = lua.LTrue
		}
		m.loaded.RawSetString(name, value)
		L.Push(value)
		return 1
	}))
}

func (m *Module) registerAPI() {
	L := m.state
	api := L.NewTable()

	L.SetField(api, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		level := slog.LevelInfo
		switch L.OptString(2, "info") {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		m.Logger().Log(ctx, level, msg, "chunk", m.src.Path)
		return 0
	}))

	L.SetField(api, "every", L.NewFunction(func(L *lua.LState) int {
		period := seconds(L.CheckNumber(1))
		fn := L.CheckFunction(2)
		return m.pushTask(L, func(s *scheduler.Scheduler, task scheduler.TaskFunc) (*scheduler.Task, error) {
			return s.ScheduleFixed(task, period, period)
		}, fn)
	}))

	L.SetField(api, "after", L.NewFunction(func(L *lua.LState) int {
		delay := seconds(L.CheckNumber(1))
		fn := L.CheckFunction(2)
		return m.pushTask(L, func(s *scheduler.Scheduler, task scheduler.TaskFunc) (*scheduler.Task, error) {
			return s.ScheduleOnce(task, delay)
		}, fn)
	}))

	L.SetField(api, "cancel", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		t, ok := m.tasks[id]
		if ok {
			delete(m.tasks, id)
			t.Cancel()
		}
		L.Push(lua.LBool(ok))
		return 1
	}))

	L.SetField(api, "resource", L.NewFunction(func(L *lua.LState) int {
		data, err := m.unit.ReadResource(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(data))
		return 1
	}))

	dataDir := ""
	if env := m.Env(); env != nil {
		dataDir = env.DataDir
	}
	L.SetField(api, "data_dir", lua.LString(dataDir))

	L.SetGlobal("modbot", api)
}

// pushTask schedules fn and pushes the task id. It runs with m.mu held,
// from inside a hook or another task.
func (m *Module) pushTask(L *lua.LState, schedule func(*scheduler.Scheduler, scheduler.TaskFunc) (*scheduler.Task, error), fn *lua.LFunction) int {
	s := m.Scheduler()
	if s == nil {
		L.RaiseError("scheduler is not available")
		return 0
	}

	var t *scheduler.Task
	task := func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == nil {
			return nil
		}
		if t != nil && t.Kind() == scheduler.KindOneShot {
			delete(m.tasks, t.ID())
		}
		return m.invoke(ctx, fn)
	}
	t, err := schedule(s, task)
	if err != nil {
		L.RaiseError("schedule task: %v", err)
		return 0
	}
	id := t.ID()
	m.tasks[id] = t
	L.Push(lua.LString(id))
	return 1
}

func seconds(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Second))
}
