// Package taskstate tracks the lifecycle of a download run.
package taskstate

import (
	"context"
	"errors"
	"sync"
)

type Status int

const (
	Created Status = iota
	Running
	Completed
	Canceled
	Faulted
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

func (s Status) IsTerminal() bool {
	return s == Completed || s == Canceled || s == Faulted
}

// State moves Created -> Running -> Completed | Canceled | Faulted. Errors
// may be recorded at any time; recording one makes the state Faulted.
type State struct {
	mu     sync.Mutex
	status Status
	errs   []error
	done   chan struct{}
}

func New() *State {
	return &State{done: make(chan struct{})}
}

func (s *State) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Created {
		s.status = Running
	}
}

// Complete fails once any error has been recorded or the run already ended.
func (s *State) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 || s.status.IsTerminal() {
		return false
	}
	s.finish(Completed)
	return true
}

// Cancel fails on a faulted or finished run and records nothing.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return false
	}
	s.finish(Canceled)
	return true
}

// SetException appends err and marks the run Faulted, even after a
// cancellation.
func (s *State) SetException(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	s.finish(Faulted)
}

// finish requires mu.
func (s *State) finish(status Status) {
	s.status = status
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err joins every recorded error, nil when none.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

func (s *State) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Done is closed on the first terminal transition.
func (s *State) Done() <-chan struct{} {
	return s.done
}

func (s *State) Wait(ctx context.Context) (Status, error) {
	select {
	case <-s.done:
		return s.Status(), s.Err()
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}
