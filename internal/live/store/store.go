// SPDX-License-Identifier: MIT

// Package store persists live workout sessions and notifications. It is the
// single linearisation point for durable state: membership, leadership,
// status and invite codes mutate only here, and every committed change is
// republished so peers can follow the row over the change feed.
package store

import (
	"context"
	"time"

	"github.com/fitsync/liveworkout/internal/live/model"
)

// ChangePublisher receives a snapshot of every committed session row change,
// in commit order. The transport implements this to feed subscribers.
type ChangePublisher interface {
	PublishSessionChange(ctx context.Context, session *model.Session) error
}

// CreateParams carries the inputs for a new session.
type CreateParams struct {
	HostID      string
	RoutineData []model.RoutineExercise
	SyncMode    model.SyncMode
}

// SessionStore is the durable contract for session rows.
//
// Row-level authorisation: reads require the caller to be the host, the
// leader or a participant. FindByInviteCode is the one privileged read that
// escapes this, strictly for code redemption, and only returns non-terminal
// rows. Writes are restricted to the leader except for self-add on accept,
// self-removal on leave and self-heartbeats.
type SessionStore interface {
	CreateSession(ctx context.Context, p CreateParams) (*model.Session, error)
	GetSession(ctx context.Context, callerID, sessionID string) (*model.Session, error)
	FindByInviteCode(ctx context.Context, code string) (*model.Session, error)
	UpdateStatus(ctx context.Context, callerID, sessionID string, status model.SessionStatus) (*model.Session, error)
	AddParticipant(ctx context.Context, callerID, sessionID, userID string) (*model.Session, error)
	RemoveParticipant(ctx context.Context, callerID, sessionID, userID string) (*model.Session, error)
	SetLeader(ctx context.Context, callerID, sessionID, userID string) (*model.Session, error)
	WriteHeartbeat(ctx context.Context, sessionID, userID string, ts time.Time) error
	Close() error
}

// NotificationStore is the durable contract for the sender→receiver
// notification envelopes used by invite and join flows.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	MarkRead(ctx context.Context, id string) error
	ListUnread(ctx context.Context, userID string) ([]*model.Notification, error)
}
