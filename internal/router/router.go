// SPDX-License-Identifier: MPL-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnrouted is returned by Route when no module claims the error.
var ErrUnrouted = errors.New("no module handles this error")

type (
	// Target is a loaded module as seen by the router.
	Target interface {
		Name() string
		ExceptionNamespaces() []string
		DeliverUncaught(ctx context.Context, err error) error
	}

	// Source lists the currently loaded modules in iteration order.
	Source interface {
		Targets() []Target
	}

	// SourceFunc adapts a function to Source.
	SourceFunc func() []Target

	// Router delivers uncaught errors to module hooks.
	Router struct {
		source Source
		logger *slog.Logger
	}

	// Option configures a Router.
	Option func(*Router)
)

// Targets implements Source.
func (f SourceFunc) Targets() []Target { return f() }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router over source.
func New(source Source, opts ...Option) *Router {
	r := &Router{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route delivers u to exactly one module and returns its name.
//
// A tagged origin (u.Origin, or the tag on ctx) is an exact lookup. Otherwise
// the first (module, frame, namespace) match in iteration order wins. Errors
// and panics raised by the hook are logged and never returned.
func (r *Router) Route(ctx context.Context, u Uncaught) (string, error) {
	if u.Err == nil {
		return "", nil
	}
	if u.Origin == "" {
		u.Origin, _ = OriginFrom(ctx)
	}

	targets := r.source.Targets()

	if u.Origin != "" {
		for _, t := range targets {
			if strings.EqualFold(t.Name(), u.Origin) {
				r.deliver(ctx, t, u)
				return t.Name(), nil
			}
		}
	}

	for _, t := range targets {
		ok, err := r.matches(t, u.Frames)
		if err != nil {
			r.logger.Error("exception routing failed for module", "module", safeName(t), "error", err)
			continue
		}
		if ok {
			r.deliver(ctx, t, u)
			return t.Name(), nil
		}
	}

	r.logger.Error("uncaught error", "origin", u.Origin, "error", u.Err)
	return "", ErrUnrouted
}

func (r *Router) matches(t Target, frames []string) (ok bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()

	namespaces := t.ExceptionNamespaces()
	for _, frame := range frames {
		for _, ns := range namespaces {
			if MatchNamespace(frame, ns) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Router) deliver(ctx context.Context, t Target, u Uncaught) {
	name := t.Name()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("exception hook panicked", "module", name, "panic", fmt.Sprint(v), "cause", u.Err)
		}
	}()

	if err := t.DeliverUncaught(WithOrigin(ctx, name), u.Err); err != nil {
		r.logger.Error("exception hook failed", "module", name, "error", err, "cause", u.Err)
	}
}

func safeName(t Target) (name string) {
	defer func() {
		if recover() != nil {
			name = "<unknown>"
		}
	}()
	return t.Name()
}
