// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/liveworkout/internal/live/model"
)

type capturePublisher struct {
	changes []*model.Session
}

func (p *capturePublisher) PublishSessionChange(_ context.Context, sess *model.Session) error {
	p.changes = append(p.changes, sess)
	return nil
}

func newTestStore(t *testing.T) (*SqliteStore, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "live.db"), pub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, pub
}

func mustCreate(t *testing.T, s *SqliteStore, host string) *model.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), CreateParams{
		HostID:      host,
		RoutineData: []model.RoutineExercise{{Name: "Squat", Sets: 3}},
		SyncMode:    model.SyncSoft,
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSessionDefaults(t *testing.T) {
	s, pub := newTestStore(t)
	sess := mustCreate(t, s, "alice")

	assert.Equal(t, "alice", sess.HostID)
	assert.Equal(t, "alice", sess.LeaderID)
	assert.Equal(t, []string{"alice"}, sess.ParticipantIDs)
	assert.Equal(t, model.StatusPending, sess.Status)
	assert.True(t, model.ValidInviteCode(sess.InviteCode))
	assert.NotEmpty(t, sess.SessionID)
	require.Len(t, pub.changes, 1, "creation must hit the change feed")
}

func TestFindByInviteCodeCaseInsensitive(t *testing.T) {
	s, _ := newTestStore(t)
	sess := mustCreate(t, s, "alice")

	lower := "  " + stringsLower(sess.InviteCode) + " "
	found, err := s.FindByInviteCode(context.Background(), lower)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, found.SessionID)
}

func stringsLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestFindByInviteCodeTerminalFails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	_, err := s.RemoveParticipant(ctx, "alice", sess.SessionID, "alice")
	require.NoError(t, err)

	_, err = s.FindByInviteCode(ctx, sess.InviteCode)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddParticipantActivatesPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	got, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.False(t, got.StartedAt.IsZero())
	assert.ElementsMatch(t, []string{"alice", "bob"}, got.ParticipantIDs)
}

func TestAddParticipantIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	_, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	got, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	assert.Len(t, got.ParticipantIDs, 2)
}

func TestAddParticipantCap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "user00")

	for i := 1; i < model.MaxParticipants; i++ {
		uid := fmt.Sprintf("user%02d", i)
		_, err := s.AddParticipant(ctx, uid, sess.SessionID, uid)
		require.NoError(t, err, "participant %d must fit", i+1)
	}

	_, err := s.AddParticipant(ctx, "user10", sess.SessionID, "user10")
	assert.ErrorIs(t, err, ErrFull)

	// A current member re-adding itself at cap stays a no-op.
	got, err := s.AddParticipant(ctx, "user05", sess.SessionID, "user05")
	require.NoError(t, err)
	assert.Len(t, got.ParticipantIDs, model.MaxParticipants)
}

func TestAddParticipantForbiddenForThirdParty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	// Mallory cannot push Bob in; the leader can.
	_, err := s.AddParticipant(ctx, "mallory", sess.SessionID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.AddParticipant(ctx, "alice", sess.SessionID, "bob")
	assert.NoError(t, err)
}

func TestRemoveParticipantNonMemberNoop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	got, err := s.RemoveParticipant(ctx, "alice", sess.SessionID, "ghost")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.ParticipantIDs)
}

func TestRemoveLeaderReassignsSmallest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "carol")
	_, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	_, err = s.AddParticipant(ctx, "dave", sess.SessionID, "dave")
	require.NoError(t, err)

	got, err := s.RemoveParticipant(ctx, "carol", sess.SessionID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.LeaderID, "smallest remaining userId becomes leader")
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestRemoveLastParticipantCancels(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	got, err := s.RemoveParticipant(ctx, "alice", sess.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.False(t, got.EndedAt.IsZero())

	// Terminal rows accept no further writes.
	_, err = s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestSetLeader(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")
	_, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)

	// Non-member target rejected.
	_, err = s.SetLeader(ctx, "alice", sess.SessionID, "ghost")
	assert.ErrorIs(t, err, ErrNotMember)

	// Only the leader transfers.
	_, err = s.SetLeader(ctx, "bob", sess.SessionID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := s.SetLeader(ctx, "alice", sess.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.LeaderID)

	// Transferring twice is equivalent to once, also when the repeat
	// comes from the former leader after the role already moved.
	got, err = s.SetLeader(ctx, "alice", sess.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.LeaderID)
	got, err = s.SetLeader(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.LeaderID)

	// A stranger cannot ride the no-op path to read the row.
	_, err = s.SetLeader(ctx, "mallory", sess.SessionID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSetLeaderTakeoverAfterStaleHeartbeat(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")
	_, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)

	// Fresh leader heartbeat: takeover denied.
	require.NoError(t, s.WriteHeartbeat(ctx, sess.SessionID, "alice", time.Now()))
	_, err = s.SetLeader(ctx, "bob", sess.SessionID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	// Stale leader heartbeat: any member may seize leadership for itself.
	require.NoError(t, s.WriteHeartbeat(ctx, sess.SessionID, "alice", time.Now().Add(-time.Minute)))
	got, err := s.SetLeader(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.LeaderID)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	// pending -> completed is not a legal edge.
	_, err := s.UpdateStatus(ctx, "alice", sess.SessionID, model.StatusCompleted)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := s.UpdateStatus(ctx, "alice", sess.SessionID, model.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	got, err = s.UpdateStatus(ctx, "alice", sess.SessionID, model.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	// Terminal is forever.
	_, err = s.UpdateStatus(ctx, "alice", sess.SessionID, model.StatusActive)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestUpdateStatusForbiddenForNonLeader(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")
	_, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, "bob", sess.SessionID, model.StatusCompleted)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetSessionRowLevelAuth(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")

	_, err := s.GetSession(ctx, "mallory", sess.SessionID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := s.GetSession(ctx, "alice", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)

	_, err = s.GetSession(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteHeartbeatMerges(t *testing.T) {
	s, pub := newTestStore(t)
	ctx := context.Background()
	sess := mustCreate(t, s, "alice")
	_, err := s.AddParticipant(ctx, "bob", sess.SessionID, "bob")
	require.NoError(t, err)
	feedLen := len(pub.changes)

	now := time.Now()
	require.NoError(t, s.WriteHeartbeat(ctx, sess.SessionID, "alice", now))
	require.NoError(t, s.WriteHeartbeat(ctx, sess.SessionID, "bob", now))

	got, err := s.GetSession(ctx, "alice", sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, got.ParticipantHeartbeats, 2)
	assert.Equal(t, now.UnixMilli(), got.ParticipantHeartbeats["alice"])

	// Heartbeats stay off the change feed.
	assert.Len(t, pub.changes, feedLen)

	err = s.WriteHeartbeat(ctx, sess.SessionID, "ghost", now)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestNotificationsFlow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := &model.Notification{
		UserID: "bob",
		Type:   model.NotifyLiveInvite,
		Title:  "Live workout",
		Body:   "alice invited you",
		Data:   map[string]string{model.DataSessionID: "s1", "hostName": "alice"},
	}
	require.NoError(t, s.CreateNotification(ctx, n))
	require.NotEmpty(t, n.ID)

	unread, err := s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "s1", unread[0].Data[model.DataSessionID])

	require.NoError(t, s.MarkRead(ctx, n.ID))
	unread, err = s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, unread)
}
