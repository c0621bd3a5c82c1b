// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on spans across the service.
const (
	SessionIDKey    = "live.session_id"
	UserIDKey       = "live.user_id"
	LeaderIDKey     = "live.leader_id"
	StatusKey       = "live.status"
	SyncModeKey     = "live.sync_mode"
	ParticipantsKey = "live.participants"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes builds the span attributes for a session-scoped
// operation.
func SessionAttributes(sessionID, userID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(UserIDKey, userID),
	}
}

// ErrorAttributes marks a span as failed with a typed cause.
func ErrorAttributes(errType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errType),
	}
}
