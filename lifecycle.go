package swcache

import (
	"context"
	"fmt"

	"github.com/always-cache/swcache/pkg/event"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "activated"
	StateRedundant  State = "redundant"
)

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	w.state = state
	w.mutex.Unlock()
	w.log.Debug().Str("state", string(state)).Msg("Worker state changed")
	if state == StateActive || state == StateRedundant {
		w.settledOnce.Do(func() { close(w.settled) })
	}
}

// transition moves the worker from one state to the next, failing if it is not in the expected state.
func (w *Worker) transition(from, to State) error {
	w.mutex.Lock()
	if w.state != from {
		state := w.state
		w.mutex.Unlock()
		return fmt.Errorf("worker is %s, expected %s", state, from)
	}
	w.mutex.Unlock()
	w.setState(to)
	return nil
}

// waitSettled blocks until the worker is active or redundant.
func (w *Worker) waitSettled(ctx context.Context) error {
	select {
	case <-w.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SkipWaiting asks for activation as soon as installation completes,
// even if an older version still controls pages.
func (w *Worker) SkipWaiting() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.skipWaiting = true
}

func (w *Worker) skipsWaiting() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.skipWaiting
}

// Install runs the install event. A failed install leaves the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	if err := w.DispatchInstall(ctx).Wait(); err != nil {
		w.log.Error().Err(err).Msg("Install failed")
		w.setState(StateRedundant)
		return err
	}
	w.setState(StateInstalled)
	return nil
}

// Activate runs the activate event.
// The worker is active afterwards even if the event failed, the error is reported nonetheless.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	err := w.DispatchActivate(ctx).Wait()
	if err != nil {
		w.log.Error().Err(err).Msg("Activate failed")
	}
	w.setState(StateActive)
	return err
}

func (w *Worker) onInstall(ev *event.ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		if err := w.Precache(ctx, w.settings.PrecacheName, w.settings.PrecacheURLs); err != nil {
			return err
		}
		w.SkipWaiting()
		return nil
	})
}

func (w *Worker) onActivate(ev *event.ExtendableEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		w.PurgeStale(ctx, w.settings.Namespaces())
		return w.Claim()
	})
}

// Claim makes the worker the controller of every page of its registration.
func (w *Worker) Claim() error {
	w.mutex.Lock()
	reg := w.registration
	state := w.state
	w.mutex.Unlock()
	if state != StateActivating && state != StateActive {
		return fmt.Errorf("worker is %s, cannot claim clients", state)
	}
	if reg == nil {
		return fmt.Errorf("worker is not registered")
	}
	reg.claim(w)
	return nil
}
