// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/log"
)

// Summary aggregates every participant's last broadcast exercise summary at
// the moment the local user finished. It is computed in memory; durable
// workout records live in the workout store, not here.
type Summary struct {
	SessionID    string                             `json:"sessionId"`
	Participants map[string][]model.ExerciseSummary `json:"participants"`
}

// Finish runs the completion handshake after the local workout was written
// durably elsewhere. It marks the local user finished and broadcasts that;
// when every live participant has finished the session completes. Otherwise
// the manager enters a waiting state that re-evaluates on later finish and
// leave events.
//
// The returned summary is valid either way.
func (m *Manager) Finish(ctx context.Context) (allDone bool, summary *Summary, err error) {
	r, err := m.connected()
	if err != nil {
		return false, nil, err
	}

	m.mu.Lock()
	r.finished[m.cfg.SelfID] = true
	summary = m.summaryLocked(r)
	done := m.allFinishedLocked(r)
	r.awaitingFinish = !done
	m.publishLocked()
	m.mu.Unlock()

	if sendErr := r.out.send(model.BroadcastFinished, model.FinishedPayload{UserID: m.cfg.SelfID}); sendErr != nil {
		m.logger.Warn().Err(sendErr).Str(log.FieldSessionID, r.sessionID).Msg("finish broadcast failed")
	}

	if done {
		m.completeSession(ctx, r)
		return true, summary, nil
	}
	m.logger.Info().Str(log.FieldSessionID, r.sessionID).Msg("finished, waiting for remaining participants")
	return false, summary, nil
}

// ForceEnd abandons the wait: the local user leaves the session without
// completing it, so the others continue. The summary reflects last-known
// peer states.
func (m *Manager) ForceEnd(ctx context.Context) (*Summary, error) {
	r, err := m.connected()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	summary := m.summaryLocked(r)
	r.leaving = true
	m.mu.Unlock()

	if _, err := m.cfg.Store.RemoveParticipant(ctx, m.cfg.SelfID, r.sessionID, m.cfg.SelfID); err != nil {
		m.mu.Lock()
		r.leaving = false
		m.mu.Unlock()
		return nil, fmt.Errorf("force end session %s: %w", r.sessionID, err)
	}
	m.detach(ctx, r, "force_end")
	return summary, nil
}

// reevaluateFinish re-checks the all-finished condition after a finish or
// leave event. Only a waiting local user drives the completion write.
func (m *Manager) reevaluateFinish(ctx context.Context, r *runtime) {
	m.mu.Lock()
	if !r.awaitingFinish || !m.allFinishedLocked(r) {
		m.mu.Unlock()
		return
	}
	r.awaitingFinish = false
	m.publishLocked()
	m.mu.Unlock()

	m.completeSession(ctx, r)
}

// completeSession advances the row to completed. The leader writes; everyone
// else relies on observing the leader's write, falling back to writing
// themselves if they hold the role by the time this runs.
func (m *Manager) completeSession(ctx context.Context, r *runtime) {
	m.mu.Lock()
	isLeader := r.sess != nil && r.sess.LeaderID == m.cfg.SelfID
	m.mu.Unlock()
	if !isLeader {
		return
	}

	if _, err := m.cfg.Store.UpdateStatus(ctx, m.cfg.SelfID, r.sessionID, model.StatusCompleted); err != nil {
		// Another participant may have completed it first.
		if errors.Is(err, store.ErrTerminal) {
			return
		}
		m.logger.Warn().Err(err).Str(log.FieldSessionID, r.sessionID).Msg("session completion write failed")
		return
	}
	if m.cfg.ClientState != nil {
		if err := m.cfg.ClientState.Clear(); err != nil {
			m.logger.Warn().Err(err).Msg("active workout record clear failed")
		}
	}
	m.logger.Info().Str(log.FieldSessionID, r.sessionID).Msg("session completed")
}

// allFinishedLocked reports whether every locally live participant has
// finished. Locally evicted peers and leavers do not block completion.
func (m *Manager) allFinishedLocked(r *runtime) bool {
	if !r.finished[m.cfg.SelfID] {
		return false
	}
	for id := range r.states {
		if id == m.cfg.SelfID {
			continue
		}
		if !r.finished[id] {
			return false
		}
	}
	return true
}

func (m *Manager) summaryLocked(r *runtime) *Summary {
	s := &Summary{
		SessionID:    r.sessionID,
		Participants: make(map[string][]model.ExerciseSummary, len(r.states)),
	}
	for id, st := range r.states {
		if st == nil || len(st.ExerciseSummary) == 0 {
			continue
		}
		dup := st.Clone()
		s.Participants[id] = dup.ExerciseSummary
	}
	return s
}
