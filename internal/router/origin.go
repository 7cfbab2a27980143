// SPDX-License-Identifier: MPL-2.0

package router

import (
	"context"
	"fmt"
	"runtime"
	"strings"
)

type originKey struct{}

type (
	// Uncaught is an error that escaped module code.
	Uncaught struct {
		Err error
		// Origin is the owning module name when the call was tagged.
		Origin string
		// Frames are fully qualified function names, innermost first.
		Frames []string
	}

	// PanicError wraps a value recovered from a panic.
	PanicError struct {
		Value any
	}
)

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// WithOrigin tags ctx with the module that owns the code about to run.
func WithOrigin(ctx context.Context, module string) context.Context {
	return context.WithValue(ctx, originKey{}, module)
}

// OriginFrom returns the module tag carried by ctx.
func OriginFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	name, ok := ctx.Value(originKey{}).(string)
	return name, ok && name != ""
}

// CaptureFrames returns the function names on the calling goroutine's stack.
// skip is the number of additional frames to drop above the caller.
func CaptureFrames(skip int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	out := make([]string, 0, n)
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, f.Function)
		}
		if !more {
			break
		}
	}
	return out
}

// FromPanic builds an Uncaught from a recovered value. It must be called
// from the deferred function that recovered, so the panicking frames are
// still on the stack.
func FromPanic(ctx context.Context, v any) Uncaught {
	origin, _ := OriginFrom(ctx)
	return Uncaught{
		Err:    &PanicError{Value: v},
		Origin: origin,
		Frames: CaptureFrames(1),
	}
}

// FromError builds an Uncaught for an error returned by module code.
func FromError(ctx context.Context, err error) Uncaught {
	origin, _ := OriginFrom(ctx)
	return Uncaught{Err: err, Origin: origin, Frames: CaptureFrames(1)}
}

// MatchNamespace reports whether frame lies inside namespace. The prefix
// must end at a package or member boundary, so "com.acme.a" does not match
// "com.acme.ab.Run".
func MatchNamespace(frame, namespace string) bool {
	if namespace == "" || !strings.HasPrefix(frame, namespace) {
		return false
	}
	if len(frame) == len(namespace) {
		return true
	}
	switch namespace[len(namespace)-1] {
	case '.', '/':
		return true
	}
	switch frame[len(namespace)] {
	case '.', '/':
		return true
	}
	return false
}
