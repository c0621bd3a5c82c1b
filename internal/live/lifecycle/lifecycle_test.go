// SPDX-License-Identifier: MIT

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fitsync/liveworkout/internal/live/model"
)

func TestStatusTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to model.SessionStatus
		want     bool
	}{
		{model.StatusPending, model.StatusActive, true},
		{model.StatusPending, model.StatusCancelled, true},
		{model.StatusPending, model.StatusCompleted, false},
		{model.StatusActive, model.StatusCompleted, true},
		{model.StatusActive, model.StatusCancelled, true},
		{model.StatusActive, model.StatusPending, false},
		{model.StatusCompleted, model.StatusActive, false},
		{model.StatusCompleted, model.StatusCancelled, false},
		{model.StatusCancelled, model.StatusActive, false},
		// idempotent self-writes
		{model.StatusActive, model.StatusActive, true},
		{model.StatusCompleted, model.StatusCompleted, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusTransitionAllowed(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, terminal := range []model.SessionStatus{model.StatusCompleted, model.StatusCancelled} {
		for _, to := range []model.SessionStatus{
			model.StatusPending, model.StatusActive, model.StatusCompleted, model.StatusCancelled,
		} {
			if terminal == to {
				continue
			}
			assert.False(t, StatusTransitionAllowed(terminal, to),
				"terminal %s must not transition to %s", terminal, to)
		}
	}
}

func TestDerivePhase(t *testing.T) {
	assert.Equal(t, PhasePending, DerivePhase(model.StatusPending, false))
	assert.Equal(t, PhaseActive, DerivePhase(model.StatusActive, false))
	assert.Equal(t, PhaseCompleting, DerivePhase(model.StatusActive, true))
	assert.Equal(t, PhaseTerminal, DerivePhase(model.StatusCompleted, false))
	assert.Equal(t, PhaseTerminal, DerivePhase(model.StatusCancelled, true))
}
