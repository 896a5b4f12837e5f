// Package pause provides a cooperative pause gate shared by chunk loops.
package pause

import (
	"context"
	"sync"
)

// TokenSource owns the gate. Pause closes it, Resume opens it and wakes
// every waiter at once.
type TokenSource struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func NewTokenSource() *TokenSource {
	return &TokenSource{}
}

// Pause is idempotent; repeated calls keep a single paused state.
func (s *TokenSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

// Resume fully un-pauses regardless of how many Pause calls preceded it.
func (s *TokenSource) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
	s.resumeCh = nil
}

func (s *TokenSource) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *TokenSource) Token() Token {
	return Token{src: s}
}

// wait returns the channel to block on, or nil when not paused.
func (s *TokenSource) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return nil
	}
	return s.resumeCh
}

// Token is the read side of a TokenSource. The zero Token never pauses.
type Token struct {
	src *TokenSource
}

func (t Token) IsPaused() bool {
	return t.src != nil && t.src.IsPaused()
}

// WaitWhilePaused returns immediately when the gate is open. Otherwise it
// blocks until Resume or until ctx is done, in which case ctx's error is
// returned.
func (t Token) WaitWhilePaused(ctx context.Context) error {
	if t.src == nil {
		return nil
	}
	for {
		ch := t.src.wait()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
			// a Pause may have landed between close and wake-up; recheck
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
