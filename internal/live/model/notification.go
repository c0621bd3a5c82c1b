// SPDX-License-Identifier: MIT

package model

import "time"

// NotificationType enumerates durable notification envelopes used by the
// invite and join flows.
type NotificationType string

const (
	NotifyLiveInvite   NotificationType = "live_invite"
	NotifyLiveAccepted NotificationType = "live_accepted"
	NotifyJoinRequest  NotificationType = "join_request"
	NotifyJoinDeclined NotificationType = "join_declined"
)

// Notification is a durable sender→receiver envelope with a small data bag
// (session id, host name, and similar keys).
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"` // receiver
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"createdAt"`
}

// DataSessionID is the conventional data-bag key carrying the session id.
const DataSessionID = "sessionId"
