// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modbot/modbot/internal/bundle"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/router"
	"github.com/modbot/modbot/internal/scheduler"
	"github.com/modbot/modbot/internal/script"
	"github.com/modbot/modbot/internal/testutil"
	"github.com/modbot/modbot/pkg/descriptor"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	t       *testing.T
	root    string
	linker  *loader.Linker
	journal *testutil.Journal
	logs    *syncBuffer
	m       *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		root:    t.TempDir(),
		linker:  loader.NewLinker(),
		journal: &testutil.Journal{},
		logs:    &syncBuffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.m = New(f.linker, WithLogger(logger), WithDataRoot(t.TempDir()), WithWorkers(2))
	t.Cleanup(func() { _ = f.m.UnloadModules(context.Background()) })
	return f
}

// add writes a bundle directory for name and links "<name>.Main" to a fake module.
func (f *fixture) add(name string, extra ...string) *testutil.FakeModule {
	f.t.Helper()
	mod := testutil.NewFakeModule(name, f.journal)
	f.link(name, mod.Factory())
	f.write(strings.ToLower(name)+bundle.DirSuffix, testutil.Manifest(name, extra...), nil)
	return mod
}

func (f *fixture) link(name string, entry any) {
	f.linker.Link(name, loader.NewLibrary(strings.ToLower(name), map[string]any{"Main": entry}))
}

func (f *fixture) write(dir, manifest string, files map[string]string) string {
	f.t.Helper()
	return testutil.WriteBundle(f.t, f.root, dir, manifest, files)
}

func (f *fixture) loadAll() error {
	return f.m.LoadAll(context.Background(), []string{f.root})
}

func (f *fixture) status(name string) module.Status {
	inst, ok := f.m.Get(name)
	if !ok {
		return module.StatusNotLoaded
	}
	return inst.Status()
}

// prepareAndLoad loads bundle directories in exactly the given order.
func (f *fixture) prepareAndLoad(dirs ...string) {
	f.t.Helper()
	for _, dir := range dirs {
		b, err := bundle.Open(filepath.Join(f.root, dir))
		if err != nil {
			f.t.Fatalf("open %s: %v", dir, err)
		}
		inst, err := f.m.Prepare(b)
		if err != nil {
			f.t.Fatalf("prepare %s: %v", dir, err)
		}
		if err := f.m.LoadModule(context.Background(), inst); err != nil {
			f.t.Fatalf("load %s: %v", dir, err)
		}
	}
}

func TestEnableModulesHardDependencyOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Beta", `hardDependencies: []`)
	f.add("Alpha", `hardDependencies: ["Beta"]`)
	// Alpha is registered first so enabling it must pull Beta in.
	f.prepareAndLoad("alpha.modbundle", "beta.modbundle")

	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatalf("EnableModules: %v", err)
	}

	for _, name := range []string{"Alpha", "Beta"} {
		if st := f.status(name); st != module.StatusEnabled {
			t.Errorf("%s status = %s, want ENABLED", name, st)
		}
	}
	beta, alpha := f.journal.Index("Beta", testutil.HookEnable), f.journal.Index("Alpha", testutil.HookEnable)
	if beta < 0 || alpha < 0 || beta > alpha {
		t.Errorf("Beta must enable before Alpha, events %v", f.journal.Events())
	}
	if f.journal.Count("Beta", testutil.HookEnable) != 1 {
		t.Errorf("Beta enabled %d times", f.journal.Count("Beta", testutil.HookEnable))
	}
}

func TestLoadAllOrdersByDependencies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Alpha", `hardDependencies: ["Beta"]`)
	f.add("Beta")
	f.add("Omega", `loadBefore: ["Alpha"]`)
	if err := f.loadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	var names []string
	for _, inst := range f.m.Instances() {
		names = append(names, inst.Name())
		if inst.Status() != module.StatusLoaded {
			t.Errorf("%s status = %s", inst.Name(), inst.Status())
		}
	}
	if !slices.Equal(names, []string{"Beta", "Omega", "Alpha"}) {
		t.Errorf("registry order = %v", names)
	}
	if !slices.Equal(f.m.Siblings().Names(), names) {
		t.Errorf("sibling units %v out of step with registry %v", f.m.Siblings().Names(), names)
	}
}

func TestEnableModuleMissingHardDependency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alpha := f.add("Alpha", `hardDependencies: ["Gamma"]`)
	f.add("Delta")
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}

	err := f.m.EnableModule(context.Background(), "Alpha")
	var depErr *DependencyError
	if !errors.As(err, &depErr) || depErr.Dependency != "Gamma" || !errors.Is(err, ErrDependencyMissing) {
		t.Fatalf("expected missing Gamma, got %v", err)
	}
	if st := f.status("Alpha"); st != module.StatusLoaded {
		t.Errorf("Alpha status = %s, want LOADED", st)
	}
	if f.journal.Count(alpha.ID, testutil.HookEnable) != 0 {
		t.Error("Alpha OnEnable ran")
	}
	if !strings.Contains(f.logs.String(), "hard dependency is not loaded") {
		t.Error("missing error log for the absent dependency")
	}

	// The full pass completes, enables the independent module and unloads Alpha.
	if err := f.m.EnableModules(context.Background()); !errors.As(err, &depErr) {
		t.Errorf("EnableModules error = %v", err)
	}
	if st := f.status("Delta"); st != module.StatusEnabled {
		t.Errorf("Delta status = %s", st)
	}
	if _, ok := f.m.Get("Alpha"); ok {
		t.Error("Alpha should be unloaded after the pass")
	}
	if f.journal.Count("Alpha", testutil.HookUnload) != 1 {
		t.Error("Alpha OnUnload must run once")
	}
}

func TestEnableModuleMissingSoftDependency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Alpha", `softDependencies: ["Gamma"]`)
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatalf("EnableModules: %v", err)
	}
	if st := f.status("Alpha"); st != module.StatusEnabled {
		t.Errorf("Alpha status = %s", st)
	}
	logs := f.logs.String()
	if !strings.Contains(logs, "soft dependency is not loaded") || !strings.Contains(logs, "level=WARN") {
		t.Errorf("expected a warning, logs:\n%s", logs)
	}
}

func TestEnableFailureUnloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*testutil.FakeModule)
		check func(*testing.T, error)
	}{
		{
			name:  "error",
			setup: func(m *testutil.FakeModule) { m.Fail[testutil.HookEnable] = errors.New("broken") },
		},
		{
			name:  "panic",
			setup: func(m *testutil.FakeModule) { m.Panic[testutil.HookEnable] = "kaboom" },
			check: func(t *testing.T, err error) {
				var pe *router.PanicError
				if !errors.As(err, &pe) {
					t.Errorf("expected *router.PanicError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			alpha := f.add("Alpha")
			tt.setup(alpha)
			if err := f.loadAll(); err != nil {
				t.Fatal(err)
			}
			inst, _ := f.m.Get("Alpha")

			err := f.m.EnableModule(context.Background(), "Alpha")
			var enableErr *EnableError
			if !errors.As(err, &enableErr) {
				t.Fatalf("expected *EnableError, got %v", err)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
			if inst.Status() != module.StatusNotLoaded {
				t.Errorf("status = %s, want NOT_LOADED", inst.Status())
			}
			if n := f.journal.Count("Alpha", testutil.HookUnload); n != 1 {
				t.Errorf("OnUnload ran %d times", n)
			}
			if f.journal.Count("Alpha", testutil.HookDisable) != 0 {
				t.Error("OnDisable must not run for a module that never reached ENABLED")
			}
			if _, ok := f.m.Get("Alpha"); ok || !inst.Unit().Closed() || f.m.Siblings().Contains(inst.Unit()) {
				t.Error("module must be deregistered and its unit detached")
			}
		})
	}
}

func TestUnloadEnabledModule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alpha := f.add("Alpha")
	started := make(chan struct{})
	alpha.Hook = func(_ context.Context, m *testutil.FakeModule, hook string) error {
		if hook != testutil.HookEnable {
			return nil
		}
		s := m.Scheduler()
		if _, err := s.ScheduleFixed(func(context.Context) error { return nil }, time.Hour, time.Hour); err != nil {
			return err
		}
		_, err := s.RunAsync(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		return err
	}
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	inst, _ := f.m.Get("Alpha")
	if inst.Scheduler().Active() != 2 {
		t.Fatalf("active tasks = %d, want 2", inst.Scheduler().Active())
	}

	if err := f.m.UnloadModule(context.Background(), "Alpha"); err != nil {
		t.Fatalf("UnloadModule: %v", err)
	}

	if inst.Status() != module.StatusNotLoaded {
		t.Errorf("status = %s", inst.Status())
	}
	if f.journal.Count("Alpha", testutil.HookDisable) != 1 || f.journal.Count("Alpha", testutil.HookUnload) != 1 {
		t.Errorf("hooks = %v", f.journal.Events())
	}
	if f.journal.Index("Alpha", testutil.HookDisable) > f.journal.Index("Alpha", testutil.HookUnload) {
		t.Error("OnDisable must run before OnUnload")
	}
	if n := inst.Scheduler().Active(); n != 0 {
		t.Errorf("active tasks after unload = %d", n)
	}
	select {
	case <-inst.Scheduler().Done():
	case <-time.After(5 * time.Second):
		t.Error("scheduler workers did not stop")
	}

	// The module has left the registry.
	if err := f.m.UnloadModule(context.Background(), "Alpha"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("second unload = %v", err)
	}
}

func TestUnloadHookErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alpha := f.add("Alpha")
	alpha.Fail[testutil.HookDisable] = errors.New("disable")
	alpha.Panic[testutil.HookUnload] = "unload"
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatal(err)
	}
	inst, _ := f.m.Get("Alpha")

	err := f.m.UnloadModule(context.Background(), "Alpha")
	var hookErr *LifecycleHookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("expected *LifecycleHookError, got %v", err)
	}
	if inst.Status() != module.StatusNotLoaded || !inst.Unit().Closed() {
		t.Errorf("teardown incomplete: status %s", inst.Status())
	}
}

func TestDependencyCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("A", `hardDependencies: ["B"]`)
	f.add("B", `hardDependencies: ["A"]`)
	f.add("C")
	f.prepareAndLoad("a.modbundle", "b.modbundle", "c.modbundle")

	err := f.m.EnableModule(context.Background(), "A")
	var cycle *DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *DependencyCycleError, got %v", err)
	}
	if !slices.Equal(cycle.Cycle, []string{"A", "B", "A"}) {
		t.Errorf("cycle = %v", cycle.Cycle)
	}
	if f.status("A") != module.StatusLoaded || f.status("B") != module.StatusLoaded {
		t.Error("modules in a cycle must keep their state")
	}

	if err := f.m.EnableModules(context.Background()); !errors.As(err, &cycle) {
		t.Errorf("EnableModules error = %v", err)
	}
	for _, name := range []string{"A", "B"} {
		if _, ok := f.m.Get(name); ok {
			t.Errorf("%s should be unloaded", name)
		}
	}
	if f.status("C") != module.StatusEnabled {
		t.Error("independent module must still be enabled")
	}
	if !strings.Contains(f.logs.String(), "dependency cycle") {
		t.Error("cycle must be logged")
	}
}

func TestDependencyOnForeignCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Alpha", `hardDependencies: ["B"]`)
	f.add("B", `hardDependencies: ["C"]`)
	f.add("C", `hardDependencies: ["B"]`)
	f.prepareAndLoad("alpha.modbundle", "b.modbundle", "c.modbundle")

	err := f.m.EnableModule(context.Background(), "Alpha")
	var depErr *DependencyError
	if !errors.As(err, &depErr) || depErr.Module != "Alpha" || depErr.Dependency != "B" {
		t.Fatalf("expected *DependencyError from Alpha on B, got %v", err)
	}
	var cycle *DependencyCycleError
	if !errors.As(err, &cycle) || !slices.Equal(cycle.Cycle, []string{"B", "C", "B"}) {
		t.Fatalf("dependency error should wrap the B -> C -> B cycle, got %v", err)
	}
	if cycle.Contains("Alpha") {
		t.Error("Alpha is not part of the cycle")
	}

	if err := f.m.EnableModules(context.Background()); err == nil {
		t.Fatal("EnableModules() = nil, want the cycle")
	}
	for _, name := range []string{"Alpha", "B", "C"} {
		if _, ok := f.m.Get(name); ok {
			t.Errorf("%s should be unloaded", name)
		}
	}

	for _, line := range strings.Split(f.logs.String(), "\n") {
		if strings.Contains(line, "dependency cycle, unloading module") && strings.Contains(line, "module=Alpha") {
			t.Errorf("Alpha blamed for a cycle it is not part of: %s", line)
		}
	}
	if !strings.Contains(f.logs.String(), "hard dependency is part of a dependency cycle") {
		t.Error("Alpha's log should name the dependency's cycle")
	}
}

func TestSoftDependencyCycleOnlyWarns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("A", `softDependencies: ["B"]`)
	f.add("B", `hardDependencies: ["A"]`)
	f.prepareAndLoad("a.modbundle", "b.modbundle")

	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatalf("EnableModules: %v", err)
	}
	if f.status("A") != module.StatusEnabled || f.status("B") != module.StatusEnabled {
		t.Errorf("A=%s B=%s", f.status("A"), f.status("B"))
	}
}

func TestHardDependencyEnableFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	beta := f.add("Beta")
	beta.Fail[testutil.HookEnable] = errors.New("no")
	f.add("Alpha", `hardDependencies: ["Beta"]`)
	f.prepareAndLoad("alpha.modbundle", "beta.modbundle")

	err := f.m.EnableModule(context.Background(), "Alpha")
	if !errors.Is(err, ErrDependencyNotEnabled) {
		t.Fatalf("expected ErrDependencyNotEnabled, got %v", err)
	}
	if f.status("Alpha") != module.StatusLoaded {
		t.Errorf("Alpha status = %s", f.status("Alpha"))
	}
	if _, ok := f.m.Get("Beta"); ok {
		t.Error("Beta should have been unloaded after its enable failure")
	}
}

func TestDuplicateModuleName(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Beta")
	f.write("zz-copy"+bundle.DirSuffix, testutil.Manifest("beta"), nil)

	err := f.loadAll()
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("expected duplicate LoadError, got %v", err)
	}
	if !strings.HasSuffix(loadErr.Source, "zz-copy.modbundle") {
		t.Errorf("rejected source = %s", loadErr.Source)
	}

	instances := f.m.Instances()
	if len(instances) != 1 || !strings.HasSuffix(instances[0].Source(), "beta.modbundle") {
		t.Fatalf("registry = %v", instances)
	}
	if f.m.Siblings().Len() != 1 {
		t.Errorf("sibling units = %v", f.m.Siblings().Names())
	}
}

func TestLoadFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*fixture)
		want  error
	}{
		{
			name: "onLoad error",
			setup: func(f *fixture) {
				f.add("Alpha").Fail[testutil.HookLoad] = errors.New("no config")
			},
		},
		{
			name: "onLoad panic",
			setup: func(f *fixture) {
				f.add("Alpha").Panic[testutil.HookLoad] = errors.New("nil map")
			},
		},
		{
			name: "unresolvable entry point",
			setup: func(f *fixture) {
				f.write("alpha"+bundle.DirSuffix, testutil.Manifest("Alpha"), nil)
			},
			want: loader.ErrSymbolNotFound,
		},
		{
			name: "entry point is not a constructor",
			setup: func(f *fixture) {
				f.link("Alpha", 42)
				f.write("alpha"+bundle.DirSuffix, testutil.Manifest("Alpha"), nil)
			},
			want: ErrInvalidEntryPoint,
		},
		{
			name: "malformed manifest",
			setup: func(f *fixture) {
				f.write("alpha"+bundle.DirSuffix, `entryPoint: "alpha.Main"`, nil)
			},
			want: descriptor.ErrMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(f)
			f.add("Delta")

			err := f.loadAll()
			var loadErr *LoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("expected *LoadError, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v in %v", tt.want, err)
			}
			if _, ok := f.m.Get("Alpha"); ok {
				t.Error("failed module must not be registered")
			}
			if !slices.Equal(f.m.Siblings().Names(), []string{"Delta"}) {
				t.Errorf("sibling units = %v", f.m.Siblings().Names())
			}
			if f.status("Delta") != module.StatusLoaded {
				t.Error("unrelated module must still load")
			}
		})
	}
}

func TestLoadModuleFailedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Alpha").Fail[testutil.HookLoad] = errors.New("boom")
	b, err := bundle.Open(filepath.Join(f.root, "alpha.modbundle"))
	if err != nil {
		t.Fatal(err)
	}
	inst, err := f.m.Prepare(b)
	if err != nil {
		t.Fatal(err)
	}
	if !f.m.Siblings().Contains(inst.Unit()) {
		t.Fatal("prepared unit must be attached")
	}

	if err := f.m.LoadModule(context.Background(), inst); err == nil {
		t.Fatal("expected load failure")
	}
	if inst.Status() != module.StatusFailed || inst.LastError() == nil {
		t.Errorf("status = %s, last error %v", inst.Status(), inst.LastError())
	}
	if f.m.Siblings().Contains(inst.Unit()) {
		t.Error("failed unit must be detached")
	}
	if err := f.m.LoadModule(context.Background(), inst); !errors.Is(err, module.ErrInvalidTransition) {
		t.Errorf("reloading a failed instance = %v", err)
	}
}

func TestUnloadModulesReverseOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("A")
	f.add("B")
	f.add("C")
	f.prepareAndLoad("a.modbundle", "b.modbundle", "c.modbundle")
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.m.UnloadModules(context.Background()); err != nil {
		t.Fatal(err)
	}

	var unloads []string
	for _, e := range f.journal.Events() {
		if strings.HasSuffix(e, "."+testutil.HookUnload) {
			unloads = append(unloads, e)
		}
	}
	if !slices.Equal(unloads, []string{"C.unload", "B.unload", "A.unload"}) {
		t.Errorf("unload order = %v", unloads)
	}
	if len(f.m.Instances()) != 0 || f.m.Siblings().Len() != 0 {
		t.Error("registry and sibling set must be empty")
	}
}

func TestAttach(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Alpha")
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatal(err)
	}

	late := testutil.NewFakeModule("Late", f.journal)
	f.link("Late", late.Factory())
	path := f.write("late"+bundle.DirSuffix, testutil.Manifest("Late", `hardDependencies: ["Alpha"]`), nil)

	inst, err := f.m.Attach(context.Background(), path)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if inst.Status() != module.StatusEnabled {
		t.Errorf("status = %s", inst.Status())
	}

	if _, err := f.m.Attach(context.Background(), path); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("second attach = %v", err)
	}

	orphan := testutil.NewFakeModule("Orphan", f.journal)
	f.link("Orphan", orphan.Factory())
	path = f.write("orphan"+bundle.DirSuffix, testutil.Manifest("Orphan", `hardDependencies: ["Nobody"]`), nil)
	if _, err := f.m.Attach(context.Background(), path); !errors.Is(err, ErrDependencyMissing) {
		t.Errorf("attach with missing dependency = %v", err)
	}
	if _, ok := f.m.Get("Orphan"); ok {
		t.Error("module that cannot be enabled must not stay attached")
	}
}

func TestSiblingResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Alpha")
	f.linker.Link("Alpha", loader.NewLibrary("alpha.api", map[string]any{"Version": "1"}))
	beta := f.add("Beta")
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}

	sym, err := beta.Env().Resolve("alpha.api.Version")
	if err != nil || sym.Value != "1" || sym.Origin != "Alpha" {
		t.Errorf("Resolve = %+v, %v", sym, err)
	}

	if err := f.m.UnloadModule(context.Background(), "Alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := beta.Env().Resolve("alpha.api.Version"); !errors.Is(err, loader.ErrSymbolNotFound) {
		t.Errorf("detached sibling still resolvable: %v", err)
	}
}

func TestInjection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var got struct {
		desc  *descriptor.Descriptor
		sched *scheduler.Scheduler
	}
	mod := testutil.NewFakeModule("Injected", f.journal)
	f.link("Injected", func(d *descriptor.Descriptor, s *scheduler.Scheduler, _ *slog.Logger) (module.Module, error) {
		got.desc, got.sched = d, s
		return mod, nil
	})
	f.write("injected"+bundle.DirSuffix, testutil.Manifest("Injected", `injection: true`), nil)

	if err := f.loadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	inst, _ := f.m.Get("Injected")
	if got.desc != inst.Descriptor() || got.sched != inst.Scheduler() {
		t.Error("constructor did not receive the module's own services")
	}
	if inst.Module() != module.Module(mod) || mod.Env().Container == nil {
		t.Error("injected module not bound")
	}
}

func TestScriptedModule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("scripted"+bundle.DirSuffix, "name: \"Scripted\"\nentryPoint: \"lua:main\"\n", map[string]string{
		"main.lua": `return { onEnable = function() modbot.log("scripted module enabled") end }`,
	})
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatal(err)
	}
	inst, ok := f.m.Get("scripted")
	if !ok || inst.Status() != module.StatusEnabled {
		t.Fatalf("scripted module not enabled")
	}
	if _, ok := inst.Module().(*script.Module); !ok {
		t.Errorf("module is %T", inst.Module())
	}
	if !strings.Contains(f.logs.String(), "scripted module enabled") {
		t.Error("script log missing")
	}
}

func TestAddInternal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	core := testutil.NewFakeModule("Core", f.journal)
	inst, err := f.m.AddInternal(context.Background(), descriptor.Internal("Core", "modbot", "1.0.0"), core)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status() != module.StatusLoaded || inst.Source() != SourceInternal {
		t.Errorf("status %s source %s", inst.Status(), inst.Source())
	}
	if inst.Unit().FS() != nil || !f.m.Siblings().Contains(inst.Unit()) {
		t.Error("internal module needs an attached unit without a bundle")
	}
	if _, err := os.Stat(inst.DataDir()); err != nil {
		t.Errorf("data directory: %v", err)
	}
	if _, err := f.m.AddInternal(context.Background(), descriptor.Internal("core", "", ""), core); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("duplicate internal = %v", err)
	}
}

func TestTaskErrorsRouteToOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Quiet", `exceptionNamespaces: ["com.acme.quiet"]`)
	noisy := f.add("Noisy", `exceptionNamespaces: ["com.acme.noisy"]`)
	noisy.Hook = func(_ context.Context, m *testutil.FakeModule, hook string) error {
		if hook != testutil.HookEnable {
			return nil
		}
		_, err := m.Scheduler().RunAsync(func(context.Context) error { return errors.New("task failed") })
		return err
	}
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}
	if err := f.m.EnableModules(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-noisy.UncaughtCh():
		if err.Error() != "task failed" {
			t.Errorf("delivered %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task error was not routed")
	}

	owner, err := f.m.Router().Route(context.Background(), router.Uncaught{
		Err:    errors.New("frame match"),
		Frames: []string{"net/http.(*conn).serve", "com.acme.noisy.Handler.Run"},
	})
	if err != nil || owner != "Noisy" {
		t.Errorf("Route = %q, %v", owner, err)
	}
}

type greeter interface{ Greeting() string }

type greeterModule struct{ *testutil.FakeModule }

func (g greeterModule) Greeting() string { return "hello from " + g.ID }

func TestEachIntegration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.add("Plain")
	g := testutil.NewFakeModule("Greeter", f.journal)
	f.link("Greeter", module.Factory(func() module.Module { return greeterModule{g} }))
	f.write("greeter"+bundle.DirSuffix, testutil.Manifest("Greeter"), nil)
	p := testutil.NewFakeModule("Panicky", f.journal)
	f.link("Panicky", module.Factory(func() module.Module { return greeterModule{p} }))
	f.write("panicky"+bundle.DirSuffix, testutil.Manifest("Panicky"), nil)
	if err := f.loadAll(); err != nil {
		t.Fatal(err)
	}

	var got []string
	err := Each(context.Background(), f.m, "greetings", func(ctx context.Context, inst *Instance, v greeter) error {
		if origin, _ := router.OriginFrom(ctx); origin != inst.Name() {
			t.Errorf("origin = %q for %s", origin, inst.Name())
		}
		if inst.Name() == "Panicky" {
			panic("no greeting")
		}
		got = append(got, v.Greeting())
		return nil
	})
	var hookErr *LifecycleHookError
	if !errors.As(err, &hookErr) || hookErr.Module != "Panicky" {
		t.Errorf("Each error = %v", err)
	}
	if !slices.Equal(got, []string{"hello from Greeter"}) {
		t.Errorf("got %v", got)
	}
}
