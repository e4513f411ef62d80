package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/state"
)

func TestHostLeaveChordLifecycle(t *testing.T) {
	h := newEventsHarness(t, "127.0.0.1:19342")
	ctx := context.Background()

	require.NoError(t, h.r.HostChord(ctx, "home"))

	snap, ok := h.sd.Chord("home")
	require.True(t, ok)
	require.NotEmpty(t, snap.ListenAddr)
	require.Equal(t, snap.ListenAddr, snap.AdvertAddr)

	// Hosting advertises the base itself, so its own id resolves.
	selfRel, err := h.sd.SelfRelation()
	require.NoError(t, err)
	addr, err := h.r.GetAdvertOf(ctx, selfRel.Id)
	require.NoError(t, err)
	require.Equal(t, snap.AdvertAddr, string(addr))

	// A second membership takes a different port.
	require.NoError(t, h.r.HostChord(ctx, "work"))
	work, ok := h.sd.Chord("work")
	require.True(t, ok)
	require.NotEqual(t, snap.ListenAddr, work.ListenAddr)

	require.NoError(t, h.r.LeaveChord("home"))
	_, ok = h.sd.Chord("home")
	require.False(t, ok)
	h.r.mu.Lock()
	_, live := h.r.chords["home"]
	h.r.mu.Unlock()
	require.False(t, live)

	require.NoError(t, h.r.LeaveChord("work"))
}

func TestRestoreChordsRepublishesAdverts(t *testing.T) {
	h := newEventsHarness(t, "127.0.0.1:19343")
	ctx := context.Background()

	h.sd.SetChord("home", state.ChordSnapshot{
		ListenAddr: "0.0.0.0:1945",
		AdvertAddr: "203.0.113.7:1945",
	})

	h.r.RestoreChords(ctx)

	h.r.mu.Lock()
	_, live := h.r.chords["home"]
	h.r.mu.Unlock()
	require.True(t, live)

	selfRel, err := h.sd.SelfRelation()
	require.NoError(t, err)
	addr, err := h.r.GetAdvertOf(ctx, selfRel.Id)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7:1945", string(addr))

	require.NoError(t, h.r.LeaveChord("home"))
}

func TestRecordPeerAddrsPersistsSnapshot(t *testing.T) {
	h := newEventsHarness(t, "127.0.0.1:19344")

	h.sd.SetChord("home", state.ChordSnapshot{ListenAddr: "0.0.0.0:1946"})
	h.r.RecordPeerAddrs("home", []string{"198.51.100.9:1932"})

	snap, ok := h.sd.Chord("home")
	require.True(t, ok)
	require.Equal(t, []string{"198.51.100.9:1932"}, snap.RecentPeerAddrs)

	// Unknown chords are ignored.
	h.r.RecordPeerAddrs("nope", []string{"x"})
	_, ok = h.sd.Chord("nope")
	require.False(t, ok)
}
