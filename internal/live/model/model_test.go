// SPDX-License-Identifier: MIT

package model

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatusTerminal(t *testing.T) {
	cases := []struct {
		status   SessionStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusActive, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.terminal, tc.status.IsTerminal(), "status %s", tc.status)
	}
}

func TestEffectiveSyncMode(t *testing.T) {
	s := &Session{SyncMode: SyncStrict, ParticipantIDs: []string{"alice", "bob"}}
	assert.Equal(t, SyncStrict, s.EffectiveSyncMode())

	// Groups of 3+ are forced soft regardless of the requested mode.
	s.ParticipantIDs = append(s.ParticipantIDs, "charlie")
	assert.Equal(t, SyncSoft, s.EffectiveSyncMode())

	solo := &Session{SyncMode: SyncStrict, ParticipantIDs: []string{"alice"}}
	assert.Equal(t, SyncSoft, solo.EffectiveSyncMode())
}

func TestSessionCanView(t *testing.T) {
	s := &Session{
		HostID:         "alice",
		LeaderID:       "bob",
		ParticipantIDs: []string{"alice", "bob", "charlie"},
	}
	assert.True(t, s.CanView("alice"))
	assert.True(t, s.CanView("bob"))
	assert.True(t, s.CanView("charlie"))
	assert.False(t, s.CanView("mallory"))
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{
		SessionID:             "s1",
		ParticipantIDs:        []string{"alice"},
		ParticipantHeartbeats: map[string]int64{"alice": 100},
		RoutineData:           []RoutineExercise{{Name: "Squat", Sets: 3}},
	}
	dup := s.Clone()
	require.NotNil(t, dup)

	dup.ParticipantIDs[0] = "bob"
	dup.ParticipantHeartbeats["alice"] = 200
	dup.RoutineData[0].Sets = 5

	assert.Equal(t, "alice", s.ParticipantIDs[0])
	assert.Equal(t, int64(100), s.ParticipantHeartbeats["alice"])
	assert.Equal(t, 3, s.RoutineData[0].Sets)
}

func TestLiveUserStateCloneIsDeep(t *testing.T) {
	st := &LiveUserState{
		Username: "alice",
		Status:   WorkoutLifting,
		ExerciseSummary: []ExerciseSummary{
			{Name: "Squat", TotalSets: 3, Sets: []SetEntry{{Kg: 100, Reps: 5, Completed: true}}},
		},
	}
	dup := st.Clone()
	dup.ExerciseSummary[0].Sets[0].Kg = 120

	if diff := cmp.Diff(100.0, st.ExerciseSummary[0].Sets[0].Kg); diff != "" {
		t.Errorf("clone aliased sets slice (-want +got):\n%s", diff)
	}
}

func TestGenerateInviteCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := GenerateInviteCode()
		require.Len(t, code, InviteCodeLength)
		require.True(t, ValidInviteCode(code), "generated code %q not valid", code)
		seen[code] = true
	}
	// 100 draws from 36^6 should essentially never collide completely.
	assert.Greater(t, len(seen), 90)
}

func TestGenerateInviteCodeUniform(t *testing.T) {
	// A modulo reduction over 256 values would over-represent the first
	// 256%36 = 4 alphabet characters by a factor of 8/7. Counting them over
	// many draws separates the two regimes by several sigma either way.
	const codes = 6000
	count := 0
	for i := 0; i < codes; i++ {
		for _, c := range GenerateInviteCode() {
			if strings.ContainsRune(inviteAlphabet[:4], c) {
				count++
			}
		}
	}
	// Uniform mean: 6*codes*4/36 = 4000, sd ~56. Biased mean: ~4500.
	assert.Less(t, count, 4250, "first alphabet characters over-represented")
	assert.Greater(t, count, 3750)
}

func TestNormalizeInviteCode(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeInviteCode("  abc123 "))
	assert.True(t, ValidInviteCode(NormalizeInviteCode("abc123")))
	assert.False(t, ValidInviteCode("abc12"))      // short
	assert.False(t, ValidInviteCode("ABC12!"))     // bad char
	assert.False(t, ValidInviteCode("abc1234567")) // long
}

func TestReactionTypeValid(t *testing.T) {
	for _, r := range []ReactionType{ReactionFire, ReactionSkull, ReactionEyes, ReactionHurry} {
		assert.True(t, r.Valid())
	}
	assert.False(t, ReactionType("wave").Valid())
}
