// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/transport"
)

// managerWithEviction builds a manager whose scan loop evicts quickly while
// the store-side staleness rule still sees genuinely old heartbeats.
func (f *fixture) managerWithEviction(t *testing.T, userID string, evictAfter time.Duration) *Manager {
	t.Helper()
	m := New(Config{
		SelfID:          userID,
		Username:        userID,
		Store:           f.store,
		Notifications:   f.store,
		Transport:       f.tr,
		HeartbeatEvery:  50 * time.Millisecond,
		ScanEvery:       60 * time.Millisecond,
		EvictAfter:      evictAfter,
		BroadcastMinGap: 10 * time.Millisecond,
	})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestStaleHeartbeatEvictsLocallyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.managerWithEviction(t, "alice", 100*time.Millisecond)
	events := collectEvents(alice)

	sess, err := alice.CreateSession(ctx, nil, nil, model.SyncSoft)
	require.NoError(t, err)

	// Bob joins durably but his client is dead: one heartbeat, 60s old.
	_, err = f.store.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	require.NoError(t, f.store.WriteHeartbeat(ctx, sess.SessionID, "bob", time.Now().Add(-time.Minute)))

	eventually(t, func() bool {
		return hasEvent(events(), model.EventParticipantLeft, "bob")
	}, "stale bob never evicted")

	// Durable membership is untouched by local eviction.
	row, err := f.store.GetSession(ctx, "alice", sess.SessionID)
	require.NoError(t, err)
	assert.Contains(t, row.ParticipantIDs, "bob")

	// Repeated scans produce exactly one participant_left.
	time.Sleep(200 * time.Millisecond)
	count := 0
	for _, ev := range events() {
		if ev.Kind == model.EventParticipantLeft && ev.UserID == "bob" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLeaderTakeoverAfterLeaderGoesStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.managerWithEviction(t, "alice", 100*time.Millisecond)
	events := collectEvents(alice)

	sess, err := alice.CreateSession(ctx, nil, nil, model.SyncSoft)
	require.NoError(t, err)
	_, err = f.store.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	_, err = f.store.SetLeader(ctx, "alice", sess.SessionID, "bob")
	require.NoError(t, err)
	require.NoError(t, f.store.WriteHeartbeat(ctx, sess.SessionID, "bob", time.Now().Add(-time.Minute)))

	eventually(t, func() bool {
		snap := alice.Snapshot()
		return snap.IsLeader && snap.LeaderID == "alice"
	}, "alice never seized leadership from the stale leader")
	assert.True(t, hasEvent(events(), model.EventLeaderChanged, "alice"))
}

func TestOutboxCoalescesStateBursts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	topic, err := f.tr.JoinTopic(ctx, "sess-out", transport.PresenceMeta{UserID: "alice"})
	require.NoError(t, err)
	defer func() { _ = topic.Leave(ctx) }()
	peer, err := f.tr.JoinTopic(ctx, "sess-out", transport.PresenceMeta{UserID: "bob"})
	require.NoError(t, err)
	defer func() { _ = peer.Leave(ctx) }()

	out := newOutbox(topic, 50*time.Millisecond)
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go out.run(pumpCtx)

	const burst = 20
	for i := 1; i <= burst; i++ {
		out.setState(&model.LiveUserState{Username: "alice", SetsCompleted: i})
	}

	// The burst collapses to far fewer broadcasts, and the freshest value
	// is the one that survives.
	var got []int
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-peer.Events():
			if ev.Kind != transport.EventBroadcast || ev.Broadcast.Kind != model.BroadcastState {
				continue
			}
			var st model.LiveUserState
			require.NoError(t, json.Unmarshal(ev.Broadcast.Payload, &st))
			got = append(got, st.SetsCompleted)
			if st.SetsCompleted == burst {
				require.Less(t, len(got), burst/2, "burst was not coalesced")
				return
			}
		case <-deadline:
			t.Fatalf("latest state never arrived, got %v", got)
		}
	}
}

func TestOutboxNeverDropsMustSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	topic, err := f.tr.JoinTopic(ctx, "sess-must", transport.PresenceMeta{UserID: "alice"})
	require.NoError(t, err)
	defer func() { _ = topic.Leave(ctx) }()
	peer, err := f.tr.JoinTopic(ctx, "sess-must", transport.PresenceMeta{UserID: "bob"})
	require.NoError(t, err)
	defer func() { _ = peer.Leave(ctx) }()

	out := newOutbox(topic, 50*time.Millisecond)
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go out.run(pumpCtx)

	const n = 12 // past the pending cap
	for i := 0; i < n; i++ {
		require.NoError(t, out.send(model.BroadcastReaction, model.Reaction{
			Type:       model.ReactionFire,
			FromUserID: "alice",
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	received := 0
	deadline := time.After(3 * time.Second)
	for received < n {
		select {
		case ev := <-peer.Events():
			if ev.Kind == transport.EventBroadcast && ev.Broadcast.Kind == model.BroadcastReaction {
				received++
			}
		case <-deadline:
			t.Fatalf("only %d of %d reactions delivered", received, n)
		}
	}
}
