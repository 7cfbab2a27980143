// SPDX-License-Identifier: MPL-2.0

// Package inject is the small type-keyed container that modules flagged with
// "injection: true" are constructed through.
package inject

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrMissing is returned when no value is bound for a requested type.
	ErrMissing = errors.New("no value bound for type")
	// ErrNotFunc is returned by Invoke for non-function constructors.
	ErrNotFunc = errors.New("constructor is not a function")
)

// Container binds values by type. Child containers fall back to their parent.
type Container struct {
	parent *Container

	mu     sync.RWMutex
	values map[reflect.Type]reflect.Value
}

// New creates an empty root container.
func New() *Container {
	return &Container{values: make(map[reflect.Type]reflect.Value)}
}

// Child creates a scope whose bindings shadow c.
func (c *Container) Child() *Container {
	child := New()
	child.parent = c
	return child
}

// Provide binds v under its static type T, which may be an interface.
func Provide[T any](c *Container, v T) {
	c.bind(reflect.TypeFor[T](), reflect.ValueOf(&v).Elem())
}

// Resolve returns the value bound for T.
func Resolve[T any](c *Container) (T, error) {
	var zero T
	v, err := c.lookup(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	return v.Interface().(T), nil
}

// Invoke calls fn with every parameter resolved by type. When the last
// result of fn is an error and it is non-nil, Invoke returns it.
func (c *Container) Invoke(fn any) ([]reflect.Value, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotFunc, fn)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic constructors are not supported", ErrNotFunc)
	}

	args := make([]reflect.Value, ft.NumIn())
	for i := range args {
		v, err := c.lookup(ft.In(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}

	out := fv.Call(args)
	if n := len(out); n > 0 && ft.Out(n-1) == reflect.TypeFor[error]() {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Container) bind(t reflect.Type, v reflect.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[t] = v
}

func (c *Container) lookup(t reflect.Type) (reflect.Value, error) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.values[t]
		cur.mu.RUnlock()
		if ok {
			return v, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: %s", ErrMissing, t)
}
