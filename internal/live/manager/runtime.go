// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/syncer"
	"github.com/fitsync/liveworkout/internal/live/transport"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/metrics"
)

// runtime is the per-session machinery: topic subscription, change feed,
// heartbeat loops, sync coordinator and outbound pump. Mutable fields are
// guarded by the owning Manager's mutex.
type runtime struct {
	sessionID   string
	topic       *transport.Topic
	changes     <-chan *model.Session
	stopChanges func()
	coord       *syncer.Coordinator
	out         *outbox
	targeted    *rate.Limiter
	cancel      context.CancelFunc
	done        chan struct{}
	detachOnce  sync.Once

	// guarded by Manager.mu
	sess           *model.Session
	states         map[string]*model.LiveUserState
	finished       map[string]bool
	connStatus     transport.ConnStatus
	awaitingFinish bool
	localState     *model.LiveUserState
	pendingKicks   map[string]bool
	evictedLocal   map[string]bool
	leaving        bool
}

// attach joins the session topic, subscribes the change feed and starts the
// runtime loops. Callers hold no lock.
func (m *Manager) attach(ctx context.Context, sess *model.Session) error {
	meta := transport.PresenceMeta{
		UserID:        m.cfg.SelfID,
		Username:      m.cfg.Username,
		WorkingOut:    true,
		LiveSessionID: sess.SessionID,
	}
	topic, err := m.cfg.Transport.JoinTopic(ctx, sess.SessionID, meta)
	if err != nil {
		return err
	}
	changes, stopChanges, err := m.cfg.Transport.SubscribeChanges(ctx, sess.SessionID)
	if err != nil {
		_ = topic.Leave(ctx)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &runtime{
		sessionID:    sess.SessionID,
		topic:        topic,
		changes:      changes,
		stopChanges:  stopChanges,
		out:          newOutbox(topic, m.cfg.BroadcastMinGap),
		targeted:     rate.NewLimiter(rate.Every(time.Second), 1),
		cancel:       cancel,
		done:         make(chan struct{}),
		sess:         sess,
		states:       map[string]*model.LiveUserState{},
		finished:     map[string]bool{},
		connStatus:   transport.StatusConnected,
		pendingKicks: map[string]bool{},
		evictedLocal: map[string]bool{},
	}
	r.coord = syncer.New(sess.SessionID, m.cfg.SelfID,
		func(ctx context.Context, ev model.SyncEvent) error {
			return r.out.send(model.BroadcastSync, ev)
		},
		func(seconds int) {
			if m.cfg.Callbacks.StartRest != nil {
				m.cfg.Callbacks.StartRest(seconds)
			}
		},
	)
	r.coord.Update(sess.SyncMode, sess.ParticipantIDs)

	m.mu.Lock()
	m.run = r
	m.handle = Handle{State: HandleConnected, SessionID: sess.SessionID}
	m.publishLocked()
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	if m.cfg.ClientState != nil {
		if err := m.cfg.ClientState.AttachLiveSession(sess.SessionID); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, sess.SessionID).
				Msg("reconnect record write failed")
		}
	}
	if m.cfg.Tracker != nil {
		_ = m.cfg.Tracker.Announce(ctx, meta)
	}

	go r.out.run(loopCtx)
	go m.loop(loopCtx, r)

	m.logger.Info().Str(log.FieldSessionID, sess.SessionID).
		Str(log.FieldLeaderID, sess.LeaderID).
		Int("participants", len(sess.ParticipantIDs)).
		Msg("session attached")
	return nil
}

// loop is the single mutation point for runtime state.
func (m *Manager) loop(ctx context.Context, r *runtime) {
	defer close(r.done)

	heartbeat := time.NewTicker(m.cfg.HeartbeatEvery)
	defer heartbeat.Stop()
	scan := time.NewTicker(m.cfg.ScanEvery)
	defer scan.Stop()

	// First heartbeat goes out immediately so peers see us before the
	// first tick.
	m.writeHeartbeat(ctx, r)

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			m.writeHeartbeat(ctx, r)
		case <-scan.C:
			m.scanHeartbeats(ctx, r)
		case row, ok := <-r.changes:
			if !ok {
				return
			}
			if m.applyRow(ctx, r, row) {
				return
			}
		case ev, ok := <-r.topic.Events():
			if !ok {
				return
			}
			if m.handleTopicEvent(ctx, r, ev) {
				return
			}
		}
	}
}

func (m *Manager) writeHeartbeat(ctx context.Context, r *runtime) {
	hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.cfg.Store.WriteHeartbeat(hbCtx, r.sessionID, m.cfg.SelfID, time.Now().UTC()); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("heartbeat write failed")
	}
}

// scanHeartbeats polls the row and evicts locally any participant whose
// heartbeat is older than the eviction window. Durable membership is never
// touched here; a returning peer simply reappears.
func (m *Manager) scanHeartbeats(ctx context.Context, r *runtime) {
	scanCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sess, err := m.cfg.Store.GetSession(scanCtx, m.cfg.SelfID, r.sessionID)
	if err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("heartbeat scan failed")
		return
	}

	cutoff := time.Now().Add(-m.cfg.EvictAfter)
	var evicted []string
	for _, id := range sess.ParticipantIDs {
		if id == m.cfg.SelfID {
			continue
		}
		hb, ok := sess.ParticipantHeartbeats[id]
		if ok && time.UnixMilli(hb).After(cutoff) {
			continue
		}
		if !ok {
			// Never heartbeated; grant the join window before evicting.
			continue
		}
		evicted = append(evicted, id)
	}
	if len(evicted) == 0 {
		return
	}

	m.mu.Lock()
	leaderGone := false
	fresh := evicted[:0]
	for _, id := range evicted {
		if r.evictedLocal[id] {
			continue
		}
		fresh = append(fresh, id)
		r.evictedLocal[id] = true
		delete(r.states, id)
		delete(r.finished, id)
		metrics.HeartbeatEvictionsTotal.Inc()
		m.logger.Info().Str(log.FieldSessionID, r.sessionID).
			Str(log.FieldUserID, id).Msg("participant evicted on stale heartbeat")
		m.emitEventLocked(model.SessionEvent{Kind: model.EventParticipantLeft, UserID: id})
		if id == sess.LeaderID {
			leaderGone = true
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	for _, id := range fresh {
		r.coord.ParticipantLeft(ctx, id)
	}
	m.reevaluateFinish(ctx, r)

	if leaderGone {
		m.electLeader(ctx, r, sess, fresh)
	}
}

// electLeader runs the takeover rule: the lexicographically smallest live
// member seizes leadership. The store rejects the write unless the recorded
// leader's heartbeat really is stale, so races converge on last-write-wins.
func (m *Manager) electLeader(ctx context.Context, r *runtime, sess *model.Session, evicted []string) {
	remaining := make([]string, 0, len(sess.ParticipantIDs))
	for _, id := range sess.ParticipantIDs {
		if !slices.Contains(evicted, id) {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 || slices.Min(remaining) != m.cfg.SelfID {
		return
	}

	if _, err := m.cfg.Store.SetLeader(ctx, m.cfg.SelfID, r.sessionID, m.cfg.SelfID); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("leader takeover rejected")
		return
	}
	metrics.LeaderTakeoversTotal.Inc()
	m.logger.Info().Str(log.FieldSessionID, r.sessionID).Msg("leadership seized after leader went stale")
}

// applyRow ingests one committed row change. Returns true when the runtime
// detached and the loop must exit.
func (m *Manager) applyRow(ctx context.Context, r *runtime, row *model.Session) bool {
	m.mu.Lock()
	old := r.sess
	r.sess = row

	// Self no longer a member: either our own leave (quiet) or a kick.
	if !row.HasParticipant(m.cfg.SelfID) && old.HasParticipant(m.cfg.SelfID) {
		if r.leaving {
			m.mu.Unlock()
			return false
		}
		m.resetInviteDedupeLocked(row.SessionID)
		m.emitEventLocked(model.SessionEvent{Kind: model.EventKicked, UserID: m.cfg.SelfID})
		m.mu.Unlock()
		m.logger.Info().Str(log.FieldSessionID, row.SessionID).Msg("kicked from session")
		go m.detach(context.Background(), r, "kicked")
		return true
	}

	for _, id := range row.ParticipantIDs {
		if id != m.cfg.SelfID && !old.HasParticipant(id) {
			m.emitEventLocked(model.SessionEvent{Kind: model.EventParticipantJoined, UserID: id})
		}
	}
	var left []string
	for _, id := range old.ParticipantIDs {
		if id != m.cfg.SelfID && !row.HasParticipant(id) {
			left = append(left, id)
			delete(r.states, id)
			delete(r.finished, id)
			kind := model.EventParticipantLeft
			if r.pendingKicks[id] {
				kind = model.EventParticipantKicked
				delete(r.pendingKicks, id)
			}
			m.emitEventLocked(model.SessionEvent{Kind: kind, UserID: id})
		}
	}

	if row.LeaderID != old.LeaderID {
		m.emitEventLocked(model.SessionEvent{Kind: model.EventLeaderChanged, UserID: row.LeaderID})
		m.logger.Info().Str(log.FieldSessionID, row.SessionID).
			Str(log.FieldLeaderID, row.LeaderID).Msg("leader changed")
	}

	terminal := row.Status.IsTerminal()
	m.publishLocked()
	m.mu.Unlock()

	r.coord.Update(row.SyncMode, row.ParticipantIDs)
	for _, id := range left {
		r.coord.ParticipantLeft(ctx, id)
	}
	if len(left) > 0 {
		m.reevaluateFinish(ctx, r)
	}

	if terminal {
		m.logger.Info().Str(log.FieldSessionID, row.SessionID).
			Str(log.FieldStatus, string(row.Status)).Msg("session reached terminal status")
		go m.detach(context.Background(), r, string(row.Status))
		return true
	}
	return false
}

// handleTopicEvent ingests one topic event. Returns true when the runtime
// detached and the loop must exit.
func (m *Manager) handleTopicEvent(ctx context.Context, r *runtime, ev transport.Event) bool {
	switch ev.Kind {
	case transport.EventStatus:
		m.mu.Lock()
		prev := r.connStatus
		r.connStatus = ev.Status
		m.publishLocked()
		m.mu.Unlock()
		if ev.Status == transport.StatusConnected && prev == transport.StatusReconnecting {
			// Resubscribed after a gap: rebuild the barrier position and
			// reintroduce ourselves.
			m.mu.Lock()
			states := make(map[string]*model.LiveUserState, len(r.states))
			for id, st := range r.states {
				states[id] = st
			}
			local := r.localState
			m.mu.Unlock()
			r.coord.Reinit(states)
			if local != nil {
				r.out.setState(local)
			}
		}
	case transport.EventPresenceJoin, transport.EventPresenceSync:
		// A (re)appearing peer needs our full state; rebroadcast it.
		m.mu.Lock()
		if ev.Kind == transport.EventPresenceJoin {
			m.markReturnedLocked(r, ev.Peer.UserID)
		}
		local := r.localState
		m.mu.Unlock()
		if local != nil {
			r.out.setState(local)
		}
	case transport.EventPresenceLeave:
		// Membership is governed by heartbeats and the change feed; a
		// presence drop alone is not an exit.
	case transport.EventBroadcast:
		return m.handleBroadcast(ctx, r, ev.Broadcast)
	}
	return false
}

func (m *Manager) handleBroadcast(ctx context.Context, r *runtime, env *transport.Envelope) bool {
	switch env.Kind {
	case model.BroadcastState:
		var st model.LiveUserState
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("undecodable state broadcast")
			return false
		}
		m.mu.Lock()
		m.markReturnedLocked(r, env.SenderID)
		r.states[env.SenderID] = &st
		m.publishLocked()
		m.mu.Unlock()
	case model.BroadcastReaction:
		var reaction model.Reaction
		if err := json.Unmarshal(env.Payload, &reaction); err != nil {
			return false
		}
		// Receiver-side target filter.
		if reaction.TargetUserID != "" && reaction.TargetUserID != m.cfg.SelfID {
			return false
		}
		if m.cfg.Callbacks.OnReaction != nil {
			m.cfg.Callbacks.OnReaction(reaction)
		}
	case model.BroadcastSync:
		var sev model.SyncEvent
		if err := json.Unmarshal(env.Payload, &sev); err != nil {
			return false
		}
		r.coord.HandleEvent(ctx, sev)
	case model.BroadcastKick:
		var kick model.KickPayload
		if err := json.Unmarshal(env.Payload, &kick); err != nil {
			return false
		}
		if kick.TargetUserID == m.cfg.SelfID {
			m.mu.Lock()
			m.resetInviteDedupeLocked(r.sessionID)
			m.emitEventLocked(model.SessionEvent{Kind: model.EventKicked, UserID: m.cfg.SelfID})
			m.mu.Unlock()
			m.logger.Info().Str(log.FieldSessionID, r.sessionID).Msg("kicked from session")
			go m.detach(context.Background(), r, "kicked")
			return true
		}
		m.mu.Lock()
		r.pendingKicks[kick.TargetUserID] = true
		m.mu.Unlock()
	case model.BroadcastFinished:
		var fin model.FinishedPayload
		if err := json.Unmarshal(env.Payload, &fin); err != nil {
			return false
		}
		m.mu.Lock()
		r.finished[fin.UserID] = true
		m.emitEventLocked(model.SessionEvent{Kind: model.EventParticipantFinished, UserID: fin.UserID})
		m.publishLocked()
		m.mu.Unlock()
		m.reevaluateFinish(ctx, r)
	}
	return false
}

// markReturnedLocked clears a local heartbeat eviction when the peer shows
// life again, surfacing the reappearance as a join.
func (m *Manager) markReturnedLocked(r *runtime, userID string) {
	if !r.evictedLocal[userID] {
		return
	}
	delete(r.evictedLocal, userID)
	m.emitEventLocked(model.SessionEvent{Kind: model.EventParticipantJoined, UserID: userID})
}

// detach tears the runtime down: loops first, then transport, then local
// state. Safe to call from outside the run loop only. A user-initiated
// Leave/Close can race the loop's own detach (kick, terminal row), so the
// teardown runs exactly once; later callers block until it finished.
func (m *Manager) detach(ctx context.Context, r *runtime, reason string) {
	r.detachOnce.Do(func() { m.teardown(ctx, r, reason) })
}

func (m *Manager) teardown(ctx context.Context, r *runtime, reason string) {
	r.cancel()
	<-r.done
	r.coord.Close()
	r.out.close()
	r.stopChanges()

	leaveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.topic.Leave(leaveCtx); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("topic leave failed")
	}

	m.mu.Lock()
	if m.run == r {
		m.run = nil
		m.handle = Handle{State: HandleNone}
		m.publishLocked()
	}
	m.mu.Unlock()

	metrics.ActiveSessions.Dec()
	if m.cfg.ClientState != nil {
		if err := m.cfg.ClientState.DetachLiveSession(); err != nil {
			m.logger.Warn().Err(err).Msg("reconnect record clear failed")
		}
	}
	if m.cfg.Tracker != nil {
		_ = m.cfg.Tracker.Announce(ctx, transport.PresenceMeta{
			UserID:   m.cfg.SelfID,
			Username: m.cfg.Username,
		})
	}

	m.logger.Info().Str(log.FieldSessionID, r.sessionID).
		Str("reason", reason).Msg("session detached")
}
