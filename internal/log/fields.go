// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID  = "session_id"
	FieldUserID     = "user_id"
	FieldLeaderID   = "leader_id"
	FieldHostID     = "host_id"
	FieldRequestID  = "request_id"
	FieldInviteCode = "invite_code"

	// Transport fields
	FieldTopic  = "topic"
	FieldEvent  = "event"
	FieldStatus = "status"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldComponent = "component"
)
