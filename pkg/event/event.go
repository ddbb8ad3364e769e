// Package event provides the lifetime extension primitive of worker events.
//
// A handler registers the asynchronous work an event depends on with WaitUntil.
// The host calls Wait, which joins all registered work and returns the first error,
// and must keep the worker alive until it returns.
package event

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type ExtendableEvent struct {
	ctx   context.Context
	group errgroup.Group
	mutex sync.Mutex
	count int
}

// New creates an event whose work runs with the given context.
// The context is not cancelled when one of the tasks fails: started work runs to completion.
func New(ctx context.Context) *ExtendableEvent {
	return &ExtendableEvent{ctx: ctx}
}

// Context returns the context the event's work runs with.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil starts fn and extends the event's lifetime until it returns.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.mutex.Lock()
	e.count++
	e.mutex.Unlock()
	e.group.Go(func() error {
		return fn(e.ctx)
	})
}

// Pending returns the number of tasks registered with WaitUntil.
func (e *ExtendableEvent) Pending() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.count
}

// Wait blocks until all registered work is done and returns the first error.
func (e *ExtendableEvent) Wait() error {
	return e.group.Wait()
}
