// SPDX-License-Identifier: MIT

package model

// WorkoutStatus is what a participant is doing right now.
type WorkoutStatus string

const (
	WorkoutLifting WorkoutStatus = "lifting"
	WorkoutResting WorkoutStatus = "resting"
	WorkoutPaused  WorkoutStatus = "paused"
)

// SetEntry is one performed set inside an exercise summary.
type SetEntry struct {
	Kg        float64 `json:"kg"`
	Reps      int     `json:"reps"`
	Completed bool    `json:"completed"`
}

// ExerciseSummary aggregates a participant's progress in one exercise.
type ExerciseSummary struct {
	Name          string     `json:"name"`
	CompletedSets int        `json:"completedSets"`
	TotalSets     int        `json:"totalSets"`
	Sets          []SetEntry `json:"sets"`
}

// LiveUserState is the ephemeral per-participant workout state. It is owned
// by the originating client, broadcast on the session topic and never stored
// durably. Peers overwrite their copy wholesale on every receipt, so
// rebroadcasting an identical state is observably a no-op.
type LiveUserState struct {
	Username            string            `json:"username"`
	Status              WorkoutStatus     `json:"status"`
	CurrentExercise     string            `json:"currentExercise,omitempty"`
	CurrentSetIndex     int               `json:"currentSetIndex"`
	TotalSetsInExercise int               `json:"totalSetsInExercise"`
	CurrentSetWeight    float64           `json:"currentSetWeight"`
	CurrentSetReps      int               `json:"currentSetReps"`
	LastSetWeight       float64           `json:"lastSetWeight"`
	LastSetReps         int               `json:"lastSetReps"`
	RestTimeRemaining   int               `json:"restTimeRemaining,omitempty"`
	TotalVolume         float64           `json:"totalVolume"`
	SetsCompleted       int               `json:"setsCompleted"`
	ExerciseCount       int               `json:"exerciseCount"`
	WorkoutDuration     int               `json:"workoutDuration"`
	ExerciseSummary     []ExerciseSummary `json:"exerciseSummary,omitempty"`
}

// Clone returns a deep copy safe to publish as a snapshot.
func (s *LiveUserState) Clone() *LiveUserState {
	if s == nil {
		return nil
	}
	dup := *s
	if s.ExerciseSummary != nil {
		dup.ExerciseSummary = make([]ExerciseSummary, len(s.ExerciseSummary))
		for i, ex := range s.ExerciseSummary {
			dup.ExerciseSummary[i] = ex
			dup.ExerciseSummary[i].Sets = append([]SetEntry(nil), ex.Sets...)
		}
	}
	return &dup
}
