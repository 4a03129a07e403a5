package session

import (
	"errors"
	"testing"
	"time"

	"github.com/drewano/dodai-sub000/pkg/core/events"
	"github.com/stretchr/testify/require"
)

func TestRegistryOpenGetRemove(t *testing.T) {
	reg := NewRegistry(nil)
	sess, err := reg.Open(NewPipe("s1"))
	require.NoError(t, err)
	require.Equal(t, "s1", sess.ID)
	require.False(t, sess.StartedAt.IsZero())

	got, ok := reg.Get(" s1 ")
	require.True(t, ok)
	require.Same(t, sess, got)
	require.Equal(t, 1, reg.Len())

	require.True(t, reg.Remove("s1"))
	require.False(t, reg.Remove("s1"))
	require.Zero(t, reg.Len())
	require.False(t, sess.Cancelled())
}

func TestRegistryRejectsInvalidChannels(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Open(nil)
	require.ErrorIs(t, err, ErrNoChannel)

	_, err = reg.Open(NewPipe("  "))
	require.Error(t, err)

	_, err = reg.Open(NewPipe("dup"))
	require.NoError(t, err)
	_, err = reg.Open(NewPipe("dup"))
	require.ErrorIs(t, err, ErrDuplicateSession)
}

func TestRegistryDropsDisconnectedChannel(t *testing.T) {
	reg := NewRegistry(nil)
	pipe := NewPipe("gone")
	sess, err := reg.Open(pipe)
	require.NoError(t, err)

	pipe.Disconnect()
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, sess.Cancelled())
	require.ErrorIs(t, pipe.Send(events.Event{Type: events.StreamChunk}), ErrChannelClosed)
}

func TestRegistryReopenAfterRemove(t *testing.T) {
	reg := NewRegistry(nil)
	first := NewPipe("again")
	_, err := reg.Open(first)
	require.NoError(t, err)
	require.True(t, reg.Remove("again"))

	second, err := reg.Open(NewPipe("again"))
	require.NoError(t, err)

	// a late disconnect of the first channel must not evict the new session
	first.Disconnect()
	time.Sleep(20 * time.Millisecond)
	got, ok := reg.Get("again")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestRegistryReleaseClosesOnlyItsOwnEntry(t *testing.T) {
	reg := NewRegistry(nil)
	first := NewPipe("r")
	stale, err := reg.Open(first)
	require.NoError(t, err)
	require.True(t, reg.Release(stale))
	require.Zero(t, reg.Len())
	require.False(t, stale.Cancelled())
	<-first.Closed()

	fresh, err := reg.Open(NewPipe("r"))
	require.NoError(t, err)
	require.False(t, reg.Release(stale))
	got, ok := reg.Get("r")
	require.True(t, ok)
	require.Same(t, fresh, got)
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry(nil)
	a, b := NewPipe("b"), NewPipe("a")
	_, err := reg.Open(a)
	require.NoError(t, err)
	_, err = reg.Open(b)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, reg.IDs())

	reg.CloseAll()
	require.Zero(t, reg.Len())
	for _, p := range []*Pipe{a, b} {
		select {
		case <-p.Closed():
		default:
			t.Fatalf("pipe %s not closed", p.ID())
		}
	}
}

func TestNilRegistry(t *testing.T) {
	var reg *Registry
	_, err := reg.Open(NewPipe("x"))
	require.Error(t, err)
	_, ok := reg.Get("x")
	require.False(t, ok)
	require.Zero(t, reg.Len())
	require.Nil(t, reg.IDs())
	reg.CloseAll()
}

func TestPipeRecordsAndSignals(t *testing.T) {
	pipe := NewPipe("p")
	changed := pipe.Changed()
	require.NoError(t, pipe.Send(events.Event{Type: events.StreamStart}))
	select {
	case <-changed:
	default:
		t.Fatal("Changed not signalled")
	}
	require.Len(t, pipe.Events(), 1)

	require.NoError(t, pipe.Close())
	require.NoError(t, pipe.Close())
	err := pipe.Send(events.Event{Type: events.StreamChunk})
	require.True(t, errors.Is(err, ErrChannelClosed))
}

func TestRegistryAcquireClaimsOnce(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Acquire("missing")
	require.ErrorIs(t, err, ErrUnknownSession)

	sess, err := reg.Open(NewPipe("s1"))
	require.NoError(t, err)
	claimed, err := reg.Acquire(" s1 ")
	require.NoError(t, err)
	require.Same(t, sess, claimed)

	_, err = reg.Acquire("s1")
	require.ErrorIs(t, err, ErrSessionBusy)

	require.True(t, reg.Release(claimed))
	_, err = reg.Acquire("s1")
	require.ErrorIs(t, err, ErrUnknownSession)
}
