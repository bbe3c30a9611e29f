package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rauc/rauc-hawkbit-updater/hberr"
)

func TestBeginProcessingLockedFromNone(t *testing.T) {
	s := New()
	s.Lock()
	defer s.Unlock()
	require.NoError(t, s.BeginProcessingLocked())
	assert.Equal(t, StateProcessing, s.StateLocked())
}

func TestBeginProcessingLockedRefusesWhenActive(t *testing.T) {
	s := New()
	s.Lock()
	require.NoError(t, s.BeginProcessingLocked())
	err := s.BeginProcessingLocked()
	s.Unlock()

	require.Error(t, err)
	assert.True(t, err.(*hberr.Error).Kind == hberr.KindAlreadyInProgress)
}

func TestWaitWhileLockedUnblocksOnAdvance(t *testing.T) {
	s := New()
	s.Lock()
	s.AdvanceLocked(StateCancelRequested)
	s.Unlock()

	done := make(chan struct{})
	go func() {
		s.Lock()
		s.WaitWhileLocked(StateCancelRequested)
		s.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitWhileLocked returned before state changed")
	case <-time.After(20 * time.Millisecond):
	}

	s.Lock()
	s.AdvanceLocked(StateCanceled)
	s.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitWhileLocked never observed the state change")
	}
}

func TestSetAndClearID(t *testing.T) {
	s := New()
	s.Lock()
	s.SetIDLocked("42")
	assert.Equal(t, "42", s.IDLocked())
	s.ClearIDLocked()
	assert.Equal(t, "", s.IDLocked())
	s.Unlock()
}

func TestSnapshot(t *testing.T) {
	s := New()
	s.Lock()
	s.SetIDLocked("7")
	s.AdvanceLocked(StateDownloading)
	s.Unlock()

	id, state := s.Snapshot()
	assert.Equal(t, "7", id)
	assert.Equal(t, StateDownloading, state)
}
