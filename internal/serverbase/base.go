// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Base is the state machine embedded by a server: atomic state reads,
// mutex-protected failure details, and a WaitGroup for background goroutines.
type Base struct {
	name string

	state     atomic.Int32
	mu        sync.Mutex
	lastErr   error
	wg        sync.WaitGroup
	startedCh chan struct{}
	errCh     chan error
}

// New creates a Base in StateCreated. name appears in InvalidStateError.
func New(name string) *Base {
	b := &Base{
		name:      name,
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 1),
	}
	b.state.Store(int32(StateCreated))
	return b
}

// State returns the current lifecycle state.
func (b *Base) State() State { return State(b.state.Load()) }

// IsRunning is State() == StateRunning.
func (b *Base) IsRunning() bool { return b.State() == StateRunning }

// Err returns a channel that receives a fatal error after Start succeeded.
func (b *Base) Err() <-chan error { return b.errCh }

// LastError returns the error that failed the server, or nil.
func (b *Base) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Started is closed once the server reaches StateRunning.
func (b *Base) Started() <-chan struct{} { return b.startedCh }

// TransitionToStarting moves Created to Starting. A cancelled ctx fails the
// server.
func (b *Base) TransitionToStarting(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		b.TransitionToFailed(fmt.Errorf("context cancelled before start: %w", err))
		return b.LastError()
	}
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return &InvalidStateError{Server: b.name, Op: "start", Value: b.State()}
	}
	return nil
}

// TransitionToRunning moves Starting to Running and closes Started.
func (b *Base) TransitionToRunning() {
	if b.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(b.startedCh)
	}
}

// TransitionToFailed records err and moves to Failed.
func (b *Base) TransitionToFailed(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()

	b.state.Store(int32(StateFailed))

	select {
	case b.errCh <- err:
	default:
	}
}

// TransitionToStopping reports whether the caller should perform the
// shutdown. A server that never started goes straight to Stopped.
func (b *Base) TransitionToStopping() bool {
	for {
		cur := b.State()
		switch cur {
		case StateCreated:
			if b.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if b.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
				return true
			}
		default:
			return false
		}
	}
}

// TransitionToStopped marks the shutdown complete.
func (b *Base) TransitionToStopped() {
	b.state.Store(int32(StateStopped))
}

// Go runs fn in a goroutine tracked by Wait.
func (b *Base) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go returned.
func (b *Base) Wait() { b.wg.Wait() }
