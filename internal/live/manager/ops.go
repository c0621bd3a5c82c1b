// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/metrics"
	"github.com/fitsync/liveworkout/internal/telemetry"
)

// tracerName labels manager-originated spans.
const tracerName = "liveworkout.manager"

// DataRequesterID is the data-bag key carrying a join requester's user id.
const DataRequesterID = "requesterId"

// CreateSession persists a new session with the local user as host and sole
// participant, joins its topic and fans out live_invite notifications.
func (m *Manager) CreateSession(ctx context.Context, friendIDs []string, routine []model.RoutineExercise, mode model.SyncMode) (*model.Session, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "live.session.create")
	defer span.End()

	if err := m.beginConnecting(""); err != nil {
		return nil, err
	}

	sess, err := m.cfg.Store.CreateSession(ctx, store.CreateParams{
		HostID:      m.cfg.SelfID,
		RoutineData: routine,
		SyncMode:    mode,
	})
	if err != nil {
		m.abortConnecting()
		return nil, err
	}

	if err := m.attach(ctx, sess); err != nil {
		m.abortConnecting()
		return nil, err
	}
	span.SetAttributes(telemetry.SessionAttributes(sess.SessionID, m.cfg.SelfID)...)

	for _, friendID := range friendIDs {
		if err := m.notify(ctx, friendID, model.NotifyLiveInvite,
			"Live workout invite",
			fmt.Sprintf("%s invited you to train together", m.cfg.Username),
			map[string]string{model.DataSessionID: sess.SessionID},
		); err != nil {
			m.logger.Warn().Err(err).
				Str(log.FieldSessionID, sess.SessionID).
				Str(log.FieldUserID, friendID).
				Msg("invite notification failed")
		}
	}
	return sess, nil
}

// AcceptInvite adds the local user to the session and attaches to it.
func (m *Manager) AcceptInvite(ctx context.Context, sessionID string) (*model.Session, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "live.session.accept")
	defer span.End()
	span.SetAttributes(telemetry.SessionAttributes(sessionID, m.cfg.SelfID)...)

	if err := m.beginConnecting(sessionID); err != nil {
		return nil, err
	}

	sess, err := m.cfg.Store.AddParticipant(ctx, m.cfg.SelfID, sessionID, m.cfg.SelfID)
	if err != nil {
		m.abortConnecting()
		return nil, fmt.Errorf("accept invite for session %s: %w", sessionID, err)
	}
	if err := m.attach(ctx, sess); err != nil {
		m.abortConnecting()
		return nil, err
	}
	return sess, nil
}

// JoinByInviteCode redeems a code and runs the accept path. Codes are
// normalised and validated before the privileged lookup.
func (m *Manager) JoinByInviteCode(ctx context.Context, code string) (*model.Session, error) {
	code = model.NormalizeInviteCode(code)
	if !model.ValidInviteCode(code) {
		return nil, ErrInvalidCode
	}
	sess, err := m.cfg.Store.FindByInviteCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("redeem invite code: %w", err)
	}
	return m.AcceptInvite(ctx, sess.SessionID)
}

// RequestJoin asks the session's leader for admission via a join_request
// notification. The leader answers with AcceptJoinRequest or
// DeclineJoinRequest.
func (m *Manager) RequestJoin(ctx context.Context, code string) error {
	code = model.NormalizeInviteCode(code)
	if !model.ValidInviteCode(code) {
		return ErrInvalidCode
	}
	sess, err := m.cfg.Store.FindByInviteCode(ctx, code)
	if err != nil {
		return fmt.Errorf("resolve join request code: %w", err)
	}
	return m.notify(ctx, sess.LeaderID, model.NotifyJoinRequest,
		"Join request",
		fmt.Sprintf("%s wants to join your live workout", m.cfg.Username),
		map[string]string{
			model.DataSessionID: sess.SessionID,
			DataRequesterID:     m.cfg.SelfID,
		},
	)
}

// AcceptJoinRequest admits a requester (leader only) and echoes a
// live_accepted notification so the requester's client auto-joins.
func (m *Manager) AcceptJoinRequest(ctx context.Context, requesterID string) error {
	r, err := m.connected()
	if err != nil {
		return err
	}
	if _, err := m.cfg.Store.AddParticipant(ctx, m.cfg.SelfID, r.sessionID, requesterID); err != nil {
		return fmt.Errorf("admit %s to session %s: %w", requesterID, r.sessionID, err)
	}
	return m.notify(ctx, requesterID, model.NotifyLiveAccepted,
		"Request accepted",
		"You are in, joining the live workout",
		map[string]string{model.DataSessionID: r.sessionID},
	)
}

// DeclineJoinRequest answers a join request negatively without any session
// mutation.
func (m *Manager) DeclineJoinRequest(ctx context.Context, requesterID, sessionID string) error {
	return m.notify(ctx, requesterID, model.NotifyJoinDeclined,
		"Request declined",
		"The leader declined your join request",
		map[string]string{model.DataSessionID: sessionID},
	)
}

// Reconnect re-attaches to a session recorded before an app kill. Returns
// (nil, nil) when the session has ended so the UI can say so instead of
// erroring.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) (*model.Session, error) {
	if err := m.beginConnecting(sessionID); err != nil {
		return nil, err
	}

	sess, err := m.cfg.Store.GetSession(ctx, m.cfg.SelfID, sessionID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrForbidden) {
		m.abortConnecting()
		return nil, nil
	}
	if err != nil {
		m.abortConnecting()
		return nil, fmt.Errorf("reconnect to session %s: %w", sessionID, err)
	}
	if sess.Status.IsTerminal() || !sess.HasParticipant(m.cfg.SelfID) {
		m.abortConnecting()
		if m.cfg.ClientState != nil {
			_ = m.cfg.ClientState.DetachLiveSession()
		}
		return nil, nil
	}

	if err := m.attach(ctx, sess); err != nil {
		m.abortConnecting()
		return nil, err
	}
	return sess, nil
}

// Leave removes the local user from the session and tears down all
// session-scoped machinery synchronously.
func (m *Manager) Leave(ctx context.Context) error {
	r, err := m.connected()
	if err != nil {
		return err
	}

	m.mu.Lock()
	r.leaving = true
	m.mu.Unlock()

	if _, err := m.cfg.Store.RemoveParticipant(ctx, m.cfg.SelfID, r.sessionID, m.cfg.SelfID); err != nil {
		m.mu.Lock()
		r.leaving = false
		m.mu.Unlock()
		return fmt.Errorf("leave session %s: %w", r.sessionID, err)
	}
	m.detach(ctx, r, "left")
	return nil
}

// KickParticipant removes a participant (leader only) and announces the kick
// on the topic so the target clears immediately. The change feed covers the
// case where the broadcast is lost.
func (m *Manager) KickParticipant(ctx context.Context, userID string) error {
	r, err := m.requireLeader()
	if err != nil {
		return err
	}

	if _, err := m.cfg.Store.RemoveParticipant(ctx, m.cfg.SelfID, r.sessionID, userID); err != nil {
		return fmt.Errorf("kick %s from session %s: %w", userID, r.sessionID, err)
	}

	m.mu.Lock()
	r.pendingKicks[userID] = true
	m.mu.Unlock()

	if err := r.out.send(model.BroadcastKick, model.KickPayload{TargetUserID: userID}); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("kick broadcast failed")
	}
	m.logger.Info().Str(log.FieldSessionID, r.sessionID).
		Str(log.FieldUserID, userID).Msg("participant kicked")
	return nil
}

// StartSession moves a pending session to active before anyone accepted
// (leader only). Accepting an invite activates the session implicitly.
func (m *Manager) StartSession(ctx context.Context) error {
	r, err := m.requireLeader()
	if err != nil {
		return err
	}
	if _, err := m.cfg.Store.UpdateStatus(ctx, m.cfg.SelfID, r.sessionID, model.StatusActive); err != nil {
		return fmt.Errorf("start session %s: %w", r.sessionID, err)
	}
	return nil
}

// TransferLeadership hands the leader role to another participant.
func (m *Manager) TransferLeadership(ctx context.Context, userID string) error {
	r, err := m.requireLeader()
	if err != nil {
		return err
	}
	if _, err := m.cfg.Store.SetLeader(ctx, m.cfg.SelfID, r.sessionID, userID); err != nil {
		return fmt.Errorf("transfer leadership of session %s: %w", r.sessionID, err)
	}
	return nil
}

// InviteToExistingSession fans out invites for the attached session (leader
// only).
func (m *Manager) InviteToExistingSession(ctx context.Context, friendIDs []string) error {
	r, err := m.requireLeader()
	if err != nil {
		return err
	}
	var firstErr error
	for _, friendID := range friendIDs {
		if err := m.notify(ctx, friendID, model.NotifyLiveInvite,
			"Live workout invite",
			fmt.Sprintf("%s invited you to train together", m.cfg.Username),
			map[string]string{model.DataSessionID: r.sessionID},
		); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendReaction broadcasts a reaction. Targeted reactions are rate limited to
// one per second on the sender side; filtering happens at the receiver.
func (m *Manager) SendReaction(ctx context.Context, typ model.ReactionType, targetUserID string) error {
	if !typ.Valid() {
		return fmt.Errorf("manager: unknown reaction %q", typ)
	}
	r, err := m.connected()
	if err != nil {
		return err
	}
	if targetUserID != "" && !r.targeted.Allow() {
		return ErrRateLimited
	}

	reaction := model.Reaction{
		Type:         typ,
		FromUserID:   m.cfg.SelfID,
		TargetUserID: targetUserID,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.out.send(model.BroadcastReaction, reaction); err != nil {
		return err
	}
	metrics.ReactionsTotal.WithLabelValues(string(typ)).Inc()
	return nil
}

// UpdateLocalState records the freshest local workout state for broadcast.
// Updates are coalesced to at most one broadcast per gap interval.
func (m *Manager) UpdateLocalState(st *model.LiveUserState) error {
	r, err := m.connected()
	if err != nil {
		return err
	}
	snapshot := st.Clone()
	m.mu.Lock()
	r.localState = snapshot
	r.states[m.cfg.SelfID] = snapshot
	m.publishLocked()
	m.mu.Unlock()
	r.out.setState(snapshot)
	return nil
}

// CompleteSet routes a finished set through the sync coordinator.
func (m *Manager) CompleteSet(ctx context.Context, exerciseIdx, setIdx, restSeconds int) error {
	r, err := m.connected()
	if err != nil {
		return err
	}
	return r.coord.CompleteSet(ctx, exerciseIdx, setIdx, restSeconds)
}

// AdvanceExercise announces the move to the next exercise and resets any
// pending sync barrier.
func (m *Manager) AdvanceExercise(ctx context.Context, exerciseIdx int) error {
	r, err := m.connected()
	if err != nil {
		return err
	}
	return r.coord.AdvanceExercise(ctx, exerciseIdx)
}

// Close detaches from any attached session without removing the durable
// membership, so the user can reconnect. Used on sign-out and shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()
	if r != nil {
		m.detach(ctx, r, "closed")
	}
}

func (m *Manager) notify(ctx context.Context, userID string, typ model.NotificationType, title, body string, data map[string]string) error {
	return m.cfg.Notifications.CreateNotification(ctx, &model.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// beginConnecting claims the single session slot.
func (m *Manager) beginConnecting(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle.State != HandleNone {
		return ErrSessionActive
	}
	m.handle = Handle{State: HandleConnecting, SessionID: sessionID}
	return nil
}

func (m *Manager) abortConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle.State == HandleConnecting {
		m.handle = Handle{State: HandleNone}
	}
}

// connected returns the attached runtime or ErrNoSession.
func (m *Manager) connected() (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil || m.handle.State != HandleConnected {
		return nil, ErrNoSession
	}
	return m.run, nil
}

// requireLeader returns the runtime iff the local user currently leads.
func (m *Manager) requireLeader() (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil || m.handle.State != HandleConnected {
		return nil, ErrNoSession
	}
	if m.run.sess == nil || m.run.sess.LeaderID != m.cfg.SelfID {
		return nil, ErrNotLeader
	}
	return m.run, nil
}
