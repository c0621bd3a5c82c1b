// SPDX-License-Identifier: MIT

// Package model holds the domain types shared by the live workout session
// subsystem: the durable session record, the ephemeral per-user live state,
// and the event envelopes exchanged on a session topic.
package model

import (
	"slices"
	"time"
)

// SessionStatus is the durable lifecycle status of a live session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal returns true if the status is final. A terminal session never
// transitions again and its invite code is no longer redeemable.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// SyncMode selects how set completion is coordinated across participants.
type SyncMode string

const (
	// SyncStrict gates rest start on every participant completing the
	// current set. Only valid for exactly two participants.
	SyncStrict SyncMode = "strict"
	// SyncSoft broadcasts progress for observability only.
	SyncSoft SyncMode = "soft"
)

// MaxParticipants is the hard cap on session membership.
const MaxParticipants = 10

// RoutineExercise is one planned exercise in the session routine.
type RoutineExercise struct {
	Name string `json:"name"`
	Sets int    `json:"sets"`
}

// Session is the store-owned source of truth for a live workout session.
// Membership, leadership, status and the invite code mutate only through
// store writes that every peer observes via the change feed.
type Session struct {
	SessionID             string            `json:"sessionId"`
	HostID                string            `json:"hostId"`
	LeaderID              string            `json:"leaderId"`
	ParticipantIDs        []string          `json:"participantIds"`
	Status                SessionStatus     `json:"status"`
	InviteCode            string            `json:"inviteCode"`
	RoutineData           []RoutineExercise `json:"routineData,omitempty"`
	SyncMode              SyncMode          `json:"syncMode,omitempty"`
	ParticipantHeartbeats map[string]int64  `json:"participantHeartbeats,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	StartedAt             time.Time         `json:"startedAt,omitzero"`
	EndedAt               time.Time         `json:"endedAt,omitzero"`
}

// HasParticipant reports membership.
func (s *Session) HasParticipant(userID string) bool {
	return slices.Contains(s.ParticipantIDs, userID)
}

// IsFull reports whether the session is at the participant cap.
func (s *Session) IsFull() bool {
	return len(s.ParticipantIDs) >= MaxParticipants
}

// CanView implements the row-level read rule: only the host, the leader and
// current participants may read the session row.
func (s *Session) CanView(userID string) bool {
	return userID == s.HostID || userID == s.LeaderID || s.HasParticipant(userID)
}

// EffectiveSyncMode returns the sync mode actually in force. Strict sync is
// only honoured for exactly two participants; larger groups degrade to soft.
func (s *Session) EffectiveSyncMode() SyncMode {
	if s.SyncMode == SyncStrict && len(s.ParticipantIDs) == 2 {
		return SyncStrict
	}
	return SyncSoft
}

// Clone returns a deep copy. Snapshots handed to subscribers must never
// alias the store's slices or maps.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	dup.ParticipantIDs = slices.Clone(s.ParticipantIDs)
	dup.RoutineData = slices.Clone(s.RoutineData)
	if s.ParticipantHeartbeats != nil {
		dup.ParticipantHeartbeats = make(map[string]int64, len(s.ParticipantHeartbeats))
		for k, v := range s.ParticipantHeartbeats {
			dup.ParticipantHeartbeats[k] = v
		}
	}
	return &dup
}
