// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

// Package worker provides the cooperative start/stop state machine
// shared by the background components: stopped → running →
// stop_requested → stopped. Cancellation is cooperative only; the loop
// observes it at defined suspension points.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a runner.
type State string

const (
	StateStopped       State = "stopped"
	StateRunning       State = "running"
	StateStopRequested State = "stop_requested"
)

// waitGranularity is how often a waiting loop re-checks the stop flag.
const waitGranularity = time.Second

// Runner owns one background loop.
type Runner struct {
	name string

	mu            sync.Mutex
	running       bool
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewRunner creates a stopped Runner identified by name in logs.
func NewRunner(name string) *Runner {
	return &Runner{name: name}
}

// Start launches loop on a background goroutine. It is a no-op
// returning false if the runner is already running.
func (r *Runner) Start(loop func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.running = true
	r.stopRequested = false
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	slog.Info("starting component", "component", r.name)

	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.stopRequested = false
			r.cancel = nil
			r.mu.Unlock()
			close(done)
			slog.Info("component stopped", "component", r.name)
		}()
		loop(ctx)
	}()

	return true
}

// Stop requests a stop and blocks until the loop has exited. Calling
// Stop on a stopped runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.stopRequested = true
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	slog.Info("stop requested", "component", r.name)
	if cancel != nil {
		cancel()
	}
	<-done
}

// RequestStop signals the loop to stop without waiting for it. This is
// the panic-stop path: it may be called from inside the loop itself.
func (r *Runner) RequestStop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.stopRequested = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stopping reports whether a stop has been requested.
func (r *Runner) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.running && r.stopRequested:
		return StateStopRequested
	case r.running:
		return StateRunning
	default:
		return StateStopped
	}
}

// Wait sleeps for d in one-second increments, returning early with
// false as soon as a stop is requested or ctx is cancelled.
func (r *Runner) Wait(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if r.Stopping() || ctx.Err() != nil {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := waitGranularity
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}
