// SPDX-License-Identifier: MIT

// Package syncer gates set completion across participants. In strict mode
// (exactly two participants) a completed set suspends the local rest timer
// until the partner reports the same set, with a timeout fallback so a
// vanished partner can never wedge a workout. With three or more
// participants the coordinator degrades to soft mode: completions are
// broadcast for observability and rest starts immediately.
//
// Coordinator state is ephemeral. Nothing here is persisted; after a full
// disconnect the barrier is rebuilt from ambient peer broadcasts.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/metrics"
)

// barrierTimeout is how long a waiting participant holds out for the rest of
// the group before starting rest anyway.
const barrierTimeout = 60 * time.Second

// Emitter publishes a sync event on the session topic.
type Emitter func(ctx context.Context, ev model.SyncEvent) error

// RestStarter begins the local rest countdown.
type RestStarter func(seconds int)

type barrierKey struct {
	exerciseIdx int
	setIdx      int
}

// Coordinator is a per-session satellite owned by the session manager. All
// methods are safe for concurrent use.
type Coordinator struct {
	selfID    string
	emit      Emitter
	startRest RestStarter
	logger    zerolog.Logger
	timeout   time.Duration

	mu          sync.Mutex
	mode        model.SyncMode
	members     map[string]struct{}
	reports     map[barrierKey]map[string]struct{}
	current     barrierKey
	waiting     bool
	restSeconds int
	gen         int
	timer       *time.Timer
}

// New creates a coordinator for the local user. Mode and membership are set
// via Update before the first completion.
func New(sessionID, selfID string, emit Emitter, startRest RestStarter) *Coordinator {
	return &Coordinator{
		selfID:    selfID,
		emit:      emit,
		startRest: startRest,
		logger:    log.WithComponent("syncer").With().Str(log.FieldSessionID, sessionID).Logger(),
		timeout:   barrierTimeout,
		mode:      model.SyncSoft,
		members:   map[string]struct{}{},
		reports:   map[barrierKey]map[string]struct{}{},
	}
}

// Update applies the requested mode against current membership. Strict only
// holds at exactly two participants; any other size forces soft.
func (c *Coordinator) Update(requested model.SyncMode, participantIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		c.members[id] = struct{}{}
	}

	mode := model.SyncSoft
	if requested == model.SyncStrict && len(participantIDs) == 2 {
		mode = model.SyncStrict
	}
	if mode != c.mode {
		c.logger.Info().
			Str("mode", string(mode)).
			Int("participants", len(participantIDs)).
			Msg("sync mode changed")
		c.mode = mode
		if mode == model.SyncSoft && c.waiting {
			// Nobody is gating anymore; release the held rest.
			c.releaseLocked(context.Background(), c.restSeconds, false)
		}
	}
}

// Mode returns the effective mode.
func (c *Coordinator) Mode() model.SyncMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Waiting reports whether the local user is held at the barrier.
func (c *Coordinator) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// CompleteSet is called when the local user finishes a set. It broadcasts
// the completion and either starts rest immediately (soft, or strict with
// the barrier already satisfied) or suspends it until the partner reports.
func (c *Coordinator) CompleteSet(ctx context.Context, exerciseIdx, setIdx, restSeconds int) error {
	ev := model.SyncEvent{
		Kind:        model.SyncSetCompleted,
		UserID:      c.selfID,
		ExerciseIdx: exerciseIdx,
		SetIdx:      setIdx,
	}
	if err := c.emit(ctx, ev); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == model.SyncSoft {
		c.startRest(restSeconds)
		return nil
	}

	key := barrierKey{exerciseIdx, setIdx}
	c.current = key
	c.restSeconds = restSeconds
	c.markLocked(key, c.selfID)

	if c.barrierDoneLocked(key) {
		// The partner already reported; our completion closes the barrier,
		// so we announce the synchronised rest.
		c.releaseLocked(ctx, restSeconds, true)
		return nil
	}

	c.waiting = true
	c.armTimerLocked(ctx)
	return nil
}

// AdvanceExercise is called when the local user moves to the next exercise.
// Any pending barrier is abandoned.
func (c *Coordinator) AdvanceExercise(ctx context.Context, exerciseIdx int) error {
	ev := model.SyncEvent{
		Kind:        model.SyncExerciseAdvanced,
		UserID:      c.selfID,
		ExerciseIdx: exerciseIdx,
	}
	if err := c.emit(ctx, ev); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(barrierKey{exerciseIdx, 0})
	return nil
}

// HandleEvent ingests a peer sync event from the session topic.
func (c *Coordinator) HandleEvent(ctx context.Context, ev model.SyncEvent) {
	if ev.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case model.SyncSetCompleted:
		if c.mode != model.SyncStrict {
			return
		}
		c.markLocked(barrierKey{ev.ExerciseIdx, ev.SetIdx}, ev.UserID)
		// The partner completing last announces sync_rest_start; a waiting
		// participant keeps the timeout armed in case that frame is lost.
	case model.SyncRestStart:
		if !c.waiting {
			return
		}
		c.startRest(ev.Duration)
		c.resetLocked(c.current)
	case model.SyncExerciseAdvanced:
		c.resetLocked(barrierKey{ev.ExerciseIdx, 0})
	}
}

// ParticipantLeft drops a user from the barrier set. A leaver counts as
// done, so a pending barrier may close here.
func (c *Coordinator) ParticipantLeft(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.members, userID)
	if c.waiting && c.barrierDoneLocked(c.current) {
		c.releaseLocked(ctx, c.restSeconds, true)
	}
}

// Reinit rebuilds barrier position from the latest peer states after a
// reconnect. The coordinator adopts the furthest observed progress and
// clears every pending report.
func (c *Coordinator) Reinit(states map[string]*model.LiveUserState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := barrierKey{}
	for _, st := range states {
		if st == nil {
			continue
		}
		exerciseIdx := completedExercises(st)
		if exerciseIdx > pos.exerciseIdx ||
			(exerciseIdx == pos.exerciseIdx && st.CurrentSetIndex > pos.setIdx) {
			pos = barrierKey{exerciseIdx, st.CurrentSetIndex}
		}
	}
	c.resetLocked(pos)
}

// Close abandons any pending barrier without starting rest.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting = false
	c.gen++
	c.stopTimerLocked()
	c.reports = map[barrierKey]map[string]struct{}{}
}

func (c *Coordinator) markLocked(key barrierKey, userID string) {
	set, ok := c.reports[key]
	if !ok {
		set = map[string]struct{}{}
		c.reports[key] = set
	}
	set[userID] = struct{}{}
}

func (c *Coordinator) barrierDoneLocked(key barrierKey) bool {
	set := c.reports[key]
	for id := range c.members {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// releaseLocked starts the local rest and optionally announces it.
func (c *Coordinator) releaseLocked(ctx context.Context, restSeconds int, announce bool) {
	if announce {
		ev := model.SyncEvent{
			Kind:      model.SyncRestStart,
			UserID:    c.selfID,
			StartedAt: time.Now().UTC(),
			Duration:  restSeconds,
		}
		if err := c.emit(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Msg("rest start announce failed")
		}
	}
	c.startRest(restSeconds)
	c.resetLocked(c.current)
}

func (c *Coordinator) resetLocked(next barrierKey) {
	c.waiting = false
	c.gen++
	c.stopTimerLocked()
	c.reports = map[barrierKey]map[string]struct{}{}
	c.current = next
}

func (c *Coordinator) armTimerLocked(ctx context.Context) {
	c.stopTimerLocked()
	gen := c.gen
	c.timer = time.AfterFunc(c.timeout, func() {
		c.onTimeout(ctx, gen)
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) onTimeout(ctx context.Context, gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.waiting {
		return
	}
	metrics.SyncBarrierTimeoutsTotal.Inc()
	c.logger.Warn().
		Int("exerciseIdx", c.current.exerciseIdx).
		Int("setIdx", c.current.setIdx).
		Dur("timeout", c.timeout).
		Msg("sync barrier timed out, starting rest")
	c.releaseLocked(ctx, c.restSeconds, true)
}

// completedExercises derives how many exercises a participant has fully
// finished from their broadcast summary.
func completedExercises(st *model.LiveUserState) int {
	n := 0
	for _, ex := range st.ExerciseSummary {
		if ex.TotalSets > 0 && ex.CompletedSets >= ex.TotalSets {
			n++
		}
	}
	return n
}
