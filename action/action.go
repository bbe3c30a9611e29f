// Package action implements the Action store: the single in-process object
// holding the currently active deployment's identifier and lifecycle state,
// protected by a mutex and a condition variable (spec.md §4.3).
//
// The mutex+condvar shape is grounded on the teacher's cmn.DynSemaphore
// (cmn/sync.go), the one place in the retrieval pack that pairs a
// sync.Mutex with a sync.Cond for "wait until some field changes" — here
// generalized from "wait for a free slot" to "wait until the state leaves
// cancel-requested".
package action

import (
	"sync"

	"github.com/rauc/rauc-hawkbit-updater/hberr"
)

// State is one of the Action lifecycle states (spec.md §3).
type State int

const (
	StateNone State = iota
	StateProcessing
	StateDownloading
	StateInstalling
	StateCancelRequested
	StateCanceled
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateProcessing:
		return "processing"
	case StateDownloading:
		return "downloading"
	case StateInstalling:
		return "installing"
	case StateCancelRequested:
		return "cancel-requested"
	case StateCanceled:
		return "canceled"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Store is the fixed, process-wide Action object. Every mutation holds mu.
type Store struct {
	mu    sync.Mutex
	cond  *sync.Cond
	id    string
	state State
}

// New returns a fresh Store in StateNone with no active id.
func New() *Store {
	s := &Store{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Lock and Unlock let callers span several Action reads/writes atomically,
// matching the deployment and cancel processors' "called under the action
// mutex" contract (spec.md §4.4, §4.6).
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Snapshot returns the current id and state under a momentary lock.
func (s *Store) Snapshot() (id string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.state
}

// State returns the current state under a momentary lock.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the current id under a momentary lock.
func (s *Store) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// The Locked family below assumes the caller already holds the mutex (via
// Lock/Unlock), matching the "under lock" steps of spec.md §4.4–§4.6.

func (s *Store) StateLocked() State { return s.state }
func (s *Store) IDLocked() string   { return s.id }

// SetIDLocked changes the active id. Spec.md §3: "id changes only while
// holding mutex."
func (s *Store) SetIDLocked(id string) { s.id = id }

// ClearIDLocked clears the active id, used when returning to StateNone.
func (s *Store) ClearIDLocked() { s.id = "" }

// AdvanceLocked sets a new state and wakes any goroutine blocked in
// WaitWhileLocked (the cancel processor, waiting for state to leave
// cancel-requested; or an observer waiting for the download-to-install
// transition per spec.md §4.5 step 8).
func (s *Store) AdvanceLocked(newState State) {
	s.state = newState
	s.cond.Broadcast()
}

// SignalLocked wakes waiters without changing the state.
func (s *Store) SignalLocked() { s.cond.Broadcast() }

// WaitWhileLocked blocks until the state is no longer want, releasing the
// mutex while parked the way sync.Cond.Wait always does. Must be called
// with the mutex held; returns with the mutex held again.
func (s *Store) WaitWhileLocked(want State) {
	for s.state == want {
		s.cond.Wait()
	}
}

// BeginProcessingLocked implements the de-duplication rule of spec.md §4.4
// step 1 and §4.3's begin_processing helper: a new deployment may only be
// accepted when state == none. Any state >= processing is refused with
// AlreadyInProgress, which callers must not report to the server.
func (s *Store) BeginProcessingLocked() error {
	if s.state != StateNone {
		return hberr.AlreadyInProgress()
	}
	s.state = StateProcessing
	return nil
}
