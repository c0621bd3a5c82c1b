// SPDX-License-Identifier: MIT

package clientstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/liveworkout/internal/live/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "active_workout.json"))
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	s := newStore(t)
	rec, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	want := &Record{
		Exercises:          []model.RoutineExercise{{Name: "Squat", Sets: 3}},
		StartTimestamp:     time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		RestDuration:       180,
		StartedFromRoutine: true,
		LiveSessionID:      "sess-1",
	}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAttachDetachLiveSession(t *testing.T) {
	s := newStore(t)

	// Attach with no prior record creates a minimal one.
	require.NoError(t, s.AttachLiveSession("sess-2"))
	rec, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sess-2", rec.LiveSessionID)
	assert.False(t, rec.StartTimestamp.IsZero())

	require.NoError(t, s.DetachLiveSession())
	rec, err = s.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.LiveSessionID)
}

func TestClearIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(&Record{RestDuration: 90}))
	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())

	rec, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}
