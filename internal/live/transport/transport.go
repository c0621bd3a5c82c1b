// SPDX-License-Identifier: MIT

// Package transport provides the authenticated channel primitive for live
// sessions: per-session topics with presence join/leave/sync, broadcast
// fan-out with self-echo suppression, and an ordered change feed for
// committed store rows.
//
// Delivery is best effort. Consumers must tolerate duplicates and drops:
// presence is authoritative for who is connected right now, the change feed
// for committed state.
package transport

import (
	"encoding/json"

	"github.com/fitsync/liveworkout/internal/live/model"
)

// ConnStatus is the surfaced connection state of a topic subscription.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusDisconnected ConnStatus = "disconnected"
)

// EventKind discriminates events emitted by a topic handle.
type EventKind string

const (
	EventPresenceSync  EventKind = "presence_sync"
	EventPresenceJoin  EventKind = "presence_join"
	EventPresenceLeave EventKind = "presence_leave"
	EventBroadcast     EventKind = "broadcast"
	EventStatus        EventKind = "status"
)

// PresenceMeta is the app-defined blob a participant announces on join.
type PresenceMeta struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	WorkingOut    bool   `json:"workingOut"`
	LiveSessionID string `json:"liveSessionId,omitempty"`
}

// Envelope is the wire frame for a broadcast. Payload shape is selected by
// Kind; senders are identified so subscribers can suppress their own echo.
type Envelope struct {
	Kind     model.BroadcastKind `json:"kind"`
	SenderID string              `json:"senderId"`
	Payload  json.RawMessage     `json:"payload"`
}

// Event is a single occurrence on a joined topic.
type Event struct {
	Kind EventKind
	// Roster is set for EventPresenceSync: the full set of members present
	// at (re)subscribe time.
	Roster []PresenceMeta
	// Peer is set for EventPresenceJoin and EventPresenceLeave.
	Peer PresenceMeta
	// Broadcast is set for EventBroadcast.
	Broadcast *Envelope
	// Status is set for EventStatus.
	Status ConnStatus
}

// frame is the raw pub/sub message exchanged on a topic channel.
type frame struct {
	Type     EventKind     `json:"type"`
	Peer     *PresenceMeta `json:"peer,omitempty"`
	Envelope *Envelope     `json:"envelope,omitempty"`
}
