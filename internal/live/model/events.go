// SPDX-License-Identifier: MIT

package model

import "time"

// BroadcastKind discriminates broadcast payloads on a session topic.
// The wire format is JSON; payload shapes are versioned by key presence.
type BroadcastKind string

const (
	BroadcastState    BroadcastKind = "state"
	BroadcastReaction BroadcastKind = "reaction"
	BroadcastSync     BroadcastKind = "sync"
	BroadcastKick     BroadcastKind = "kick"
	BroadcastFinished BroadcastKind = "finished"
)

// ReactionType enumerates the supported lightweight reactions.
type ReactionType string

const (
	ReactionFire  ReactionType = "fire"
	ReactionSkull ReactionType = "skull"
	ReactionEyes  ReactionType = "eyes"
	ReactionHurry ReactionType = "hurry"
)

// Valid reports whether t is a known reaction.
func (t ReactionType) Valid() bool {
	switch t {
	case ReactionFire, ReactionSkull, ReactionEyes, ReactionHurry:
		return true
	}
	return false
}

// Reaction is an ephemeral nudge between participants. Targeting is a
// receiver-side filter: if TargetUserID is empty every peer renders it,
// otherwise only the target does.
type Reaction struct {
	Type         ReactionType `json:"type"`
	FromUserID   string       `json:"fromUserId"`
	TargetUserID string       `json:"targetUserId,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// SyncKind discriminates sync coordinator events.
type SyncKind string

const (
	SyncSetCompleted     SyncKind = "set_completed"
	SyncRestStart        SyncKind = "sync_rest_start"
	SyncExerciseAdvanced SyncKind = "exercise_advanced"
)

// SyncEvent carries set-level coordination between participants. Only the
// fields relevant to the Kind are populated.
type SyncEvent struct {
	Kind        SyncKind  `json:"kind"`
	UserID      string    `json:"userId"`
	ExerciseIdx int       `json:"exerciseIdx,omitempty"`
	SetIdx      int       `json:"setIdx,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	Duration    int       `json:"duration,omitempty"` // rest seconds
}

// KickPayload is the targeted kick broadcast.
type KickPayload struct {
	TargetUserID string `json:"targetUserId"`
}

// FinishedPayload announces that a participant finished their workout.
type FinishedPayload struct {
	UserID string `json:"userId"`
}

// SessionEventKind enumerates in-process events derived from the topic and
// the change feed, surfaced to UI subscribers.
type SessionEventKind string

const (
	EventParticipantJoined   SessionEventKind = "participant_joined"
	EventParticipantLeft     SessionEventKind = "participant_left"
	EventParticipantFinished SessionEventKind = "participant_finished"
	EventParticipantKicked   SessionEventKind = "participant_kicked"
	EventKicked              SessionEventKind = "kicked" // the local user was kicked
	EventLeaderChanged       SessionEventKind = "leader_changed"
)

// SessionEvent is delivered to manager subscribers. UserID is the user the
// event pertains to (the new leader for EventLeaderChanged).
type SessionEvent struct {
	Kind   SessionEventKind `json:"kind"`
	UserID string           `json:"userId"`
}
