// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background worker tasks.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

// Go executes fn in a new go routine.  It is fn's responsibility to monitor
// HaltCh and return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all go routines started under the Worker to terminate, and
// waits till they have returned.  Halt may be called more than once.
func (w *Worker) Halt() {
	w.Signal()
	w.Wait()
}

// Signal closes the halt channel without waiting, for use from inside one of
// the Worker's own go routines.
func (w *Worker) Signal() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// IsHalted returns true iff Halt or Signal has been called.
func (w *Worker) IsHalted() bool {
	select {
	case <-w.HaltCh():
		return true
	default:
		return false
	}
}

// WithHalt returns a context derived from ctx that is canceled when the
// Worker is halted.
func (w *Worker) WithHalt(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelFn := context.WithCancel(ctx)
	haltCh := w.HaltCh()
	go func() {
		select {
		case <-haltCh:
			cancelFn()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelFn
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
