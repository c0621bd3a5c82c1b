// SPDX-License-Identifier: MIT

// Package lifecycle defines the legal transitions of a live session: the
// durable status column and the client-local phase derived from it. Store
// writes are the linearisation point; local state follows the change feed.
package lifecycle

import (
	"github.com/fitsync/liveworkout/internal/live/model"
)

// Phase is the client-local view of the session lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCreating   Phase = "creating"
	PhasePending    Phase = "pending"
	PhaseActive     Phase = "active"
	PhaseCompleting Phase = "completing"
	PhaseTerminal   Phase = "terminal"
)

// DerivePhase maps the durable status and the local finish flag onto the
// phase of an attached session. Creating and Idle are purely local and
// never derive from a store row.
func DerivePhase(status model.SessionStatus, awaitingFinish bool) Phase {
	switch status {
	case model.StatusPending:
		return PhasePending
	case model.StatusActive:
		if awaitingFinish {
			return PhaseCompleting
		}
		return PhaseActive
	default:
		return PhaseTerminal
	}
}

// statusTable enumerates the legal durable status edges. Terminal statuses
// have no outgoing edges; that invariant is what makes "terminal is forever"
// checkable at the store boundary.
var statusTable = map[model.SessionStatus][]model.SessionStatus{
	model.StatusPending: {model.StatusActive, model.StatusCancelled},
	model.StatusActive:  {model.StatusCompleted, model.StatusCancelled},
}

// StatusTransitionAllowed reports whether the durable status may move from
// one value to another. Self-transitions are idempotent no-ops.
func StatusTransitionAllowed(from, to model.SessionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range statusTable[from] {
		if next == to {
			return true
		}
	}
	return false
}
