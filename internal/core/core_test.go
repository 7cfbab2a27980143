// SPDX-License-Identifier: MPL-2.0

package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/modbot/modbot/internal/console"
	"github.com/modbot/modbot/internal/discord"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/manager"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/status"
	"github.com/modbot/modbot/internal/testutil"
	"github.com/modbot/modbot/pkg/descriptor"
)

type harness struct {
	m       *manager.Manager
	core    *Module
	console *console.Console
	out     *bytes.Buffer
	stops   *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{out: &bytes.Buffer{}, stops: &atomic.Int32{}}
	h.m = manager.New(loader.NewLinker(), manager.WithLogger(logger), manager.WithDataRoot(t.TempDir()), manager.WithWorkers(1))
	t.Cleanup(func() { _ = h.m.UnloadModules(context.Background()) })

	h.core = New(h.m, func() { h.stops.Add(1) }, WithVersion("1.0.0"))
	if _, err := h.m.AddInternal(ctx, h.core.Descriptor(), h.core); err != nil {
		t.Fatalf("AddInternal(core): %v", err)
	}
	greeter := testutil.NewFakeModule("Greeter", &testutil.Journal{})
	if _, err := h.m.AddInternal(ctx, descriptor.Internal("Greeter", "", ""), greeter); err != nil {
		t.Fatalf("AddInternal(greeter): %v", err)
	}

	h.console = console.New(console.WithOutput(h.out), console.WithLogger(logger))
	if err := h.core.RegisterConsole(h.console.Scope(Name)); err != nil {
		t.Fatalf("RegisterConsole() = %v", err)
	}
	return h
}

func TestDescriptor(t *testing.T) {
	t.Parallel()

	desc := New(nil, nil, WithVersion("2.3.4")).Descriptor()
	if desc.Name != Name || desc.Version != "2.3.4" {
		t.Errorf("Descriptor() = %s, want %s 2.3.4", desc, Name)
	}
	if len(desc.ExceptionNamespaces) != 1 || !strings.HasSuffix(desc.ExceptionNamespaces[0], "/internal/core") {
		t.Errorf("ExceptionNamespaces = %v", desc.ExceptionNamespaces)
	}
	if got := New(nil, nil).Descriptor().Version; got != descriptor.DefaultVersion {
		t.Errorf("default version = %q, want %q", got, descriptor.DefaultVersion)
	}
}

func TestConsoleModulesListsEveryModule(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.console.Execute(context.Background(), "modules"); err != nil {
		t.Fatalf("Execute(modules) = %v", err)
	}
	out := h.out.String()
	for _, want := range []string{"NAME", "Core", "Greeter", "1.0.0", module.StatusLoaded.String(), manager.SourceInternal} {
		if !strings.Contains(out, want) {
			t.Errorf("modules output missing %q:\n%s", want, out)
		}
	}
}

func TestConsoleModuleEnableAndUnload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if err := h.console.Execute(ctx, "module enable greeter"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	inst, ok := h.m.Get("Greeter")
	if !ok || inst.Status() != module.StatusEnabled {
		t.Fatalf("Greeter status after enable = %v", inst.Status())
	}
	if !strings.Contains(h.out.String(), "greeter enabled") {
		t.Errorf("output = %q", h.out.String())
	}

	if err := h.console.Execute(ctx, "module unload Greeter"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, ok := h.m.Get("Greeter"); ok {
		t.Error("Greeter still registered after unload")
	}
}

func TestConsoleRefusesToUnloadCore(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, name := range []string{"Core", "core", "CORE"} {
		err := h.console.Execute(context.Background(), "module unload "+name)
		if !errors.Is(err, ErrProtected) {
			t.Errorf("unload %s = %v, want ErrProtected", name, err)
		}
	}
	if _, ok := h.m.Get(Name); !ok {
		t.Error("core module was removed")
	}
}

func TestConsoleModuleErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		line string
	}{
		{"enable unknown module", "module enable Nope"},
		{"unload unknown module", "module unload Nope"},
		{"attach missing path", "module attach " + t.TempDir() + "/missing.modbundle"},
		{"enable without name", "module enable"},
	}
	for _, tt := range tests {
		if err := h.console.Execute(ctx, tt.line); err == nil {
			t.Errorf("%s: Execute(%q) = nil, want error", tt.name, tt.line)
		}
	}
}

func TestConsoleStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.console.Execute(context.Background(), "stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := h.stops.Load(); got != 1 {
		t.Errorf("stop called %d times, want 1", got)
	}
}

func TestRegisterCommands(t *testing.T) {
	t.Parallel()

	cmds := discord.NewCommands()
	if err := New(nil, nil).RegisterCommands(cmds.Scope(Name)); err != nil {
		t.Fatalf("RegisterCommands() = %v", err)
	}
	cmd, ok := cmds.Get("modules")
	if !ok {
		t.Fatal("/modules not registered")
	}
	if cmd.Owner != Name {
		t.Errorf("Owner = %q, want %q", cmd.Owner, Name)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	if got := summary(nil); got != "No modules are loaded." {
		t.Errorf("summary(nil) = %q", got)
	}

	got := summary([]status.ModuleInfo{{Name: "Core", Status: "ENABLED", Version: "1.0.0"}})
	if !strings.HasPrefix(got, "```\n") || !strings.HasSuffix(got, "```") || !strings.Contains(got, "Core") {
		t.Errorf("summary() = %q", got)
	}

	many := make([]status.ModuleInfo, 200)
	for i := range many {
		many[i] = status.ModuleInfo{Name: strings.Repeat("m", 20), Status: "ENABLED", Version: "1.0.0"}
	}
	got = summary(many)
	if len(got) > maxReply {
		t.Errorf("len(summary) = %d, want <= %d", len(got), maxReply)
	}
	if !strings.Contains(got, "more") {
		t.Errorf("truncated summary does not say how many were left out")
	}
}

func TestInvoker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		i    *discordgo.InteractionCreate
		want string
	}{
		{"guild member", &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: &discordgo.User{ID: "1"}}}}, "1"},
		{"direct message", &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "2"}}}, "2"},
		{"nobody", &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := invoker(tt.i); got != tt.want {
				t.Errorf("invoker() = %q, want %q", got, tt.want)
			}
		})
	}
}
