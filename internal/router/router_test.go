// SPDX-License-Identifier: MPL-2.0

package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type fakeTarget struct {
	name       string
	namespaces []string
	hookErr    error
	hookPanic  bool
	nsPanic    bool

	mu       sync.Mutex
	received []error
	origins  []string
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) ExceptionNamespaces() []string {
	if f.nsPanic {
		panic("namespaces unavailable")
	}
	return f.namespaces
}

func (f *fakeTarget) DeliverUncaught(ctx context.Context, err error) error {
	f.mu.Lock()
	f.received = append(f.received, err)
	origin, _ := OriginFrom(ctx)
	f.origins = append(f.origins, origin)
	f.mu.Unlock()
	if f.hookPanic {
		panic("hook exploded")
	}
	return f.hookErr
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestRouter(targets ...Target) *Router {
	return New(SourceFunc(func() []Target { return targets }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestRouteByNamespace(t *testing.T) {
	t.Parallel()

	a := &fakeTarget{name: "A", namespaces: []string{"com.acme.a"}}
	b := &fakeTarget{name: "B", namespaces: []string{"com.acme.b"}}
	r := newTestRouter(a, b)

	cause := errors.New("boom")
	got, err := r.Route(context.Background(), Uncaught{
		Err:    cause,
		Frames: []string{"java.lang.Thread.run", "com.acme.b.Handler.onMessage", "com.acme.core.Bus.dispatch"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got != "B" {
		t.Errorf("routed to %q, want B", got)
	}
	if a.count() != 0 {
		t.Error("A received an error whose frames never entered its namespace")
	}
	if b.count() != 1 || !errors.Is(b.received[0], cause) {
		t.Errorf("B received %v", b.received)
	}
	if b.origins[0] != "B" {
		t.Errorf("hook context origin = %q, want B", b.origins[0])
	}
}

func TestRouteFirstMatchWins(t *testing.T) {
	t.Parallel()

	a := &fakeTarget{name: "A", namespaces: []string{"com.acme"}}
	b := &fakeTarget{name: "B", namespaces: []string{"com.acme.b"}}
	r := newTestRouter(a, b)

	got, err := r.Route(context.Background(), Uncaught{Err: errors.New("x"), Frames: []string{"com.acme.b.Run"}})
	if err != nil || got != "A" {
		t.Fatalf("Route = %q, %v; want A", got, err)
	}
	if b.count() != 0 {
		t.Error("search must stop at the first match")
	}
}

func TestRouteByOrigin(t *testing.T) {
	t.Parallel()

	a := &fakeTarget{name: "A", namespaces: []string{"com.acme.a"}}
	b := &fakeTarget{name: "B"}
	r := newTestRouter(a, b)

	t.Run("explicit origin beats frames", func(t *testing.T) {
		got, err := r.Route(context.Background(), Uncaught{
			Err:    errors.New("x"),
			Origin: "b",
			Frames: []string{"com.acme.a.Run"},
		})
		if err != nil || got != "B" {
			t.Fatalf("Route = %q, %v; want B", got, err)
		}
	})

	t.Run("origin from context", func(t *testing.T) {
		ctx := WithOrigin(context.Background(), "A")
		got, err := r.Route(ctx, Uncaught{Err: errors.New("x")})
		if err != nil || got != "A" {
			t.Fatalf("Route = %q, %v; want A", got, err)
		}
	})

	t.Run("unknown origin falls back to frames", func(t *testing.T) {
		got, err := r.Route(context.Background(), Uncaught{
			Err:    errors.New("x"),
			Origin: "Gone",
			Frames: []string{"com.acme.a.Run"},
		})
		if err != nil || got != "A" {
			t.Fatalf("Route = %q, %v; want A", got, err)
		}
	})
}

func TestRouteUnrouted(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeTarget{name: "A", namespaces: []string{"com.acme.a"}})
	_, err := r.Route(context.Background(), Uncaught{Err: errors.New("x"), Frames: []string{"org.other.Run"}})
	if !errors.Is(err, ErrUnrouted) {
		t.Errorf("expected ErrUnrouted, got %v", err)
	}

	if got, err := r.Route(context.Background(), Uncaught{}); got != "" || err != nil {
		t.Errorf("nil error should be ignored, got %q, %v", got, err)
	}
}

func TestRouteHookFailuresAreContained(t *testing.T) {
	t.Parallel()

	t.Run("hook returns error", func(t *testing.T) {
		t.Parallel()

		a := &fakeTarget{name: "A", namespaces: []string{"com.acme.a"}, hookErr: errors.New("hook failed")}
		got, err := newTestRouter(a).Route(context.Background(), Uncaught{Err: errors.New("x"), Frames: []string{"com.acme.a.Run"}})
		if err != nil || got != "A" {
			t.Errorf("Route = %q, %v", got, err)
		}
	})

	t.Run("hook panics", func(t *testing.T) {
		t.Parallel()

		a := &fakeTarget{name: "A", namespaces: []string{"com.acme.a"}, hookPanic: true}
		got, err := newTestRouter(a).Route(context.Background(), Uncaught{Err: errors.New("x"), Frames: []string{"com.acme.a.Run"}})
		if err != nil || got != "A" {
			t.Errorf("Route = %q, %v", got, err)
		}
		if a.count() != 1 {
			t.Errorf("hook invoked %d times, want 1", a.count())
		}
	})

	t.Run("matching failure skips only that module", func(t *testing.T) {
		t.Parallel()

		broken := &fakeTarget{name: "Broken", nsPanic: true}
		b := &fakeTarget{name: "B", namespaces: []string{"com.acme.b"}}
		got, err := newTestRouter(broken, b).Route(context.Background(), Uncaught{Err: errors.New("x"), Frames: []string{"com.acme.b.Run"}})
		if err != nil || got != "B" {
			t.Errorf("Route = %q, %v; want B", got, err)
		}
	})
}

func TestMatchNamespace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		frame, ns string
		want      bool
	}{
		{"com.acme.b.Handler.run", "com.acme.b", true},
		{"com.acme.b", "com.acme.b", true},
		{"com.acme.bravo.Run", "com.acme.b", false},
		{"com.acme.bravo.Run", "com.acme.", true},
		{"github.com/acme/beta.(*Main).OnEnable", "github.com/acme/beta", true},
		{"github.com/acme/beta/internal.run", "github.com/acme/beta", true},
		{"github.com/acme/betamax.run", "github.com/acme/beta", false},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := MatchNamespace(tt.frame, tt.ns); got != tt.want {
			t.Errorf("MatchNamespace(%q, %q) = %v, want %v", tt.frame, tt.ns, got, tt.want)
		}
	}
}

func panicky() {
	panic(errors.New("deep failure"))
}

func TestFromPanicCapturesPanickingFrames(t *testing.T) {
	t.Parallel()

	var u Uncaught
	func() {
		defer func() {
			if v := recover(); v != nil {
				u = FromPanic(WithOrigin(context.Background(), "Alpha"), v)
			}
		}()
		panicky()
	}()

	if u.Origin != "Alpha" {
		t.Errorf("origin = %q, want Alpha", u.Origin)
	}
	var pe *PanicError
	if !errors.As(u.Err, &pe) {
		t.Fatalf("expected *PanicError, got %T", u.Err)
	}
	if errors.Unwrap(u.Err) == nil || !strings.Contains(u.Err.Error(), "deep failure") {
		t.Errorf("panic value not preserved: %v", u.Err)
	}

	found := false
	for _, f := range u.Frames {
		if strings.HasSuffix(f, "router.panicky") {
			found = true
		}
		if strings.HasPrefix(f, "runtime.") {
			t.Errorf("runtime frame leaked: %s", f)
		}
	}
	if !found {
		t.Errorf("panicking function missing from frames: %v", u.Frames)
	}
}
