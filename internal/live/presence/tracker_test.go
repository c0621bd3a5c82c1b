// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/liveworkout/internal/live/transport"
)

func setupTransport(t *testing.T) *transport.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := transport.NewWithClient(client)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func hasUser(tr *Tracker, id string) func() bool {
	return func() bool {
		for _, u := range tr.OnlineUsers() {
			if u.UserID == id {
				return true
			}
		}
		return false
	}
}

func TestTrackersSeeEachOther(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	alice := NewTracker(tr)
	require.NoError(t, alice.Start(ctx, transport.PresenceMeta{UserID: "alice", Username: "Alice"}))
	defer func() { _ = alice.Close(ctx) }()

	bob := NewTracker(tr)
	require.NoError(t, bob.Start(ctx, transport.PresenceMeta{UserID: "bob", Username: "Bob"}))
	defer func() { _ = bob.Close(ctx) }()

	waitFor(t, hasUser(alice, "bob"), "alice never saw bob")
	// Roster replay covers the user who was already online before bob joined.
	waitFor(t, hasUser(bob, "alice"), "bob never saw alice")
}

func TestAnnouncePropagatesWorkingOut(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	alice := NewTracker(tr)
	require.NoError(t, alice.Start(ctx, transport.PresenceMeta{UserID: "alice"}))
	defer func() { _ = alice.Close(ctx) }()
	bob := NewTracker(tr)
	require.NoError(t, bob.Start(ctx, transport.PresenceMeta{UserID: "bob"}))
	defer func() { _ = bob.Close(ctx) }()
	waitFor(t, hasUser(alice, "bob"), "alice never saw bob")

	require.NoError(t, bob.Announce(ctx, transport.PresenceMeta{
		UserID:        "bob",
		WorkingOut:    true,
		LiveSessionID: "sess-1",
	}))

	waitFor(t, func() bool {
		for _, u := range alice.OnlineUsers() {
			if u.UserID == "bob" && u.WorkingOut && u.LiveSessionID == "sess-1" {
				return true
			}
		}
		return false
	}, "workingOut flip never reached alice")
}

func TestCloseAnnouncesLeave(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	alice := NewTracker(tr)
	require.NoError(t, alice.Start(ctx, transport.PresenceMeta{UserID: "alice"}))
	defer func() { _ = alice.Close(ctx) }()
	bob := NewTracker(tr)
	require.NoError(t, bob.Start(ctx, transport.PresenceMeta{UserID: "bob"}))
	waitFor(t, hasUser(alice, "bob"), "alice never saw bob")

	require.NoError(t, bob.Close(ctx))
	waitFor(t, func() bool { return !hasUser(alice, "bob")() }, "bob still listed after close")
}

func TestSweepEvictsSilentPeer(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	alice := NewTracker(tr)
	alice.timeout = 50 * time.Millisecond
	require.NoError(t, alice.Start(ctx, transport.PresenceMeta{UserID: "alice"}))
	defer func() { _ = alice.Close(ctx) }()

	// A peer that announced once and then went silent.
	alice.handleEvent(transport.Event{
		Kind: transport.EventPresenceJoin,
		Peer: transport.PresenceMeta{UserID: "ghost"},
	})
	require.True(t, hasUser(alice, "ghost")())

	time.Sleep(80 * time.Millisecond)
	alice.sweep()

	assert.False(t, hasUser(alice, "ghost")())
	// The local user never self-evicts.
	assert.True(t, hasUser(alice, "alice")())
}

func TestSubscribeSnapshots(t *testing.T) {
	tr := setupTransport(t)
	ctx := context.Background()

	alice := NewTracker(tr)
	require.NoError(t, alice.Start(ctx, transport.PresenceMeta{UserID: "alice"}))
	defer func() { _ = alice.Close(ctx) }()

	got := make(chan []Info, 16)
	unsub := alice.Subscribe(func(users []Info) { got <- users })

	bob := NewTracker(tr)
	require.NoError(t, bob.Start(ctx, transport.PresenceMeta{UserID: "bob"}))
	defer func() { _ = bob.Close(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-got:
			if len(snap) == 2 {
				assert.Equal(t, "alice", snap[0].UserID)
				assert.Equal(t, "bob", snap[1].UserID)
				unsub()
				return
			}
		case <-deadline:
			t.Fatal("subscriber never received the two-user snapshot")
		}
	}
}
