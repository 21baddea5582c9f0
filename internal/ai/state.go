// Package ai owns the AI request lifecycle: a process-wide single-slot
// state machine, the execution worker that builds memory context, calls
// the provider with one transient retry, optionally asks for action
// proposals, and persists the response rows.
package ai

import (
	"errors"
	"sync"
	"time"

	"github.com/toutatis-dev/huddle/pkg/models"
)

// ErrBusy refuses a new request while one is still active.
var ErrBusy = errors.New("an AI request is already running")

// Snapshot is a copy of the active request's state.
type Snapshot struct {
	RequestID  string
	StartedAt  time.Time
	Provider   string
	Model      string
	Scope      string
	Room       string
	RetryCount int
	Preview    string
	Cancelled  bool
}

// closedChan is handed out when no request is active, so watchers never
// block on a request that has already been cleared.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// State is the single AI request slot. At most one request is active
// per process; Begin reserves the slot and Clear releases it.
type State struct {
	mu        sync.Mutex
	cur       *Snapshot
	cancelCh  chan struct{}
	cancelled bool
}

// NewState returns an idle request slot.
func NewState() *State {
	return &State{}
}

// Begin reserves the slot and returns a fresh request id, or ErrBusy
// when a request is already active.
func (s *State) Begin(provider, model, room, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return "", ErrBusy
	}
	id := models.NewRequestID()
	s.cur = &Snapshot{
		RequestID: id,
		StartedAt: time.Now(),
		Provider:  provider,
		Model:     model,
		Scope:     scope,
		Room:      room,
	}
	s.cancelCh = make(chan struct{})
	s.cancelled = false
	return id, nil
}

// Cancel flags the active request for cancellation. The worker observes
// the flag at its next suspension point. Returns false when idle or
// already cancelled.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cancelled {
		return false
	}
	s.cancelled = true
	s.cur.Cancelled = true
	close(s.cancelCh)
	return true
}

// Clear releases the slot if requestID matches the active request.
// A stale id is a no-op so a finished worker can never release a slot
// that a newer request reserved.
func (s *State) Clear(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.RequestID != requestID {
		return false
	}
	s.cur = nil
	s.cancelCh = nil
	s.cancelled = false
	return true
}

// Status returns a copy of the active request state, and whether one is
// active at all.
func (s *State) Status() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Snapshot{}, false
	}
	return *s.cur, true
}

// SetPreview updates the live spinner text for the active request.
func (s *State) SetPreview(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Preview = text
	}
}

// IncRetry bumps the retry counter on the active request.
func (s *State) IncRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.RetryCount++
	}
}

// Watch returns a channel closed when the request identified by
// requestID is cancelled. For any other id, an already-closed channel
// comes back so stale workers stop immediately.
func (s *State) Watch(requestID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.RequestID != requestID {
		return closedChan
	}
	return s.cancelCh
}
