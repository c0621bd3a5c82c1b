// SPDX-License-Identifier: MIT

// Package manager coordinates one user's participation in a live workout
// session: membership flows, heartbeat liveness, leader duties, state
// broadcasting, the sync barrier and the finish protocol. One Manager exists
// per signed-in user and at most one session is attached at a time.
//
// Durable truth lives in the store and arrives over the change feed;
// ephemeral peer state arrives over the session topic. The manager merges
// both into immutable snapshots for UI subscribers.
package manager

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/live/clientstate"
	"github.com/fitsync/liveworkout/internal/live/lifecycle"
	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/presence"
	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/live/transport"
	"github.com/fitsync/liveworkout/internal/log"
)

var (
	// ErrNoSession is returned by session-scoped operations when no session
	// is attached.
	ErrNoSession = errors.New("manager: no active session")
	// ErrSessionActive is returned when a join flow runs while a session is
	// already attached.
	ErrSessionActive = errors.New("manager: a session is already active")
	// ErrNotLeader guards leader-only operations.
	ErrNotLeader = errors.New("manager: operation requires the leader role")
	// ErrRateLimited is returned when targeted reactions exceed 1/s.
	ErrRateLimited = errors.New("manager: reaction rate limit exceeded")
	// ErrInvalidCode is returned for malformed invite codes.
	ErrInvalidCode = errors.New("manager: invalid invite code")
)

// HandleState is the explicit session attachment state.
type HandleState int

const (
	HandleNone HandleState = iota
	HandleConnecting
	HandleConnected
)

// Handle identifies what the manager is currently attached to. Operations
// that need a session fail fast on a None handle.
type Handle struct {
	State     HandleState
	SessionID string
}

// Snapshot is the immutable view published to subscribers on every change.
type Snapshot struct {
	Handle              Handle
	Session             *model.Session
	ParticipantStates   map[string]*model.LiveUserState
	ParticipantFinished map[string]bool
	ConnectionStatus    transport.ConnStatus
	Phase               lifecycle.Phase
	LeaderID            string
	IsLeader            bool
	// AwaitingFinish is true while the local user finished but peers are
	// still working out.
	AwaitingFinish bool
}

// Callbacks are optional hooks into the owning client.
type Callbacks struct {
	// OnReaction fires for every reaction that passes the receiver-side
	// target filter.
	OnReaction func(model.Reaction)
	// StartRest begins the local rest countdown, either immediately (soft)
	// or when the sync barrier releases (strict).
	StartRest func(seconds int)
}

// Config wires a Manager. Store, Notifications and Transport are required.
type Config struct {
	SelfID        string
	Username      string
	Store         store.SessionStore
	Notifications store.NotificationStore
	Transport     *transport.Redis
	Tracker       *presence.Tracker  // optional: online/working-out badge
	ClientState   *clientstate.Store // optional: reconnect record
	Callbacks     Callbacks

	HeartbeatEvery  time.Duration // default 15s
	ScanEvery       time.Duration // default 20s
	EvictAfter      time.Duration // default 45s
	BroadcastMinGap time.Duration // default 200ms (5 Hz)
}

func (c *Config) applyDefaults() {
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	if c.ScanEvery <= 0 {
		c.ScanEvery = 20 * time.Second
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 45 * time.Second
	}
	if c.BroadcastMinGap <= 0 {
		c.BroadcastMinGap = 200 * time.Millisecond
	}
}

// Manager is the long-lived per-user session coordinator. It is created
// after auth and closed on sign-out.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	handle    Handle
	run       *runtime
	subs      map[int]func(Snapshot)
	eventSubs map[int]func(model.SessionEvent)
	nextSub   int

	// receiver-side invite dedupe, reset per session on kick
	seenNotifIDs   map[string]struct{}
	seenInviteSess map[string]struct{}
}

// New creates a detached manager for the given user.
func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg: cfg,
		logger: log.WithComponent("manager").With().
			Str(log.FieldUserID, cfg.SelfID).Logger(),
		subs:           map[int]func(Snapshot){},
		eventSubs:      map[int]func(model.SessionEvent){},
		seenNotifIDs:   map[string]struct{}{},
		seenInviteSess: map[string]struct{}{},
	}
}

// Handle returns the current attachment state.
func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Snapshot returns the current immutable view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Handle:           m.handle,
		ConnectionStatus: transport.StatusDisconnected,
		Phase:            lifecycle.PhaseIdle,
	}
	if m.handle.State == HandleConnecting {
		snap.Phase = lifecycle.PhaseCreating
	}
	r := m.run
	if r == nil {
		return snap
	}
	snap.Session = r.sess.Clone()
	snap.ConnectionStatus = r.connStatus
	snap.AwaitingFinish = r.awaitingFinish
	if r.sess != nil {
		snap.LeaderID = r.sess.LeaderID
		snap.IsLeader = r.sess.LeaderID == m.cfg.SelfID
		snap.Phase = lifecycle.DerivePhase(r.sess.Status, r.awaitingFinish)
	}
	snap.ParticipantStates = make(map[string]*model.LiveUserState, len(r.states))
	for id, st := range r.states {
		snap.ParticipantStates[id] = st.Clone()
	}
	snap.ParticipantFinished = make(map[string]bool, len(r.finished))
	for id, done := range r.finished {
		snap.ParticipantFinished[id] = done
	}
	return snap
}

// Subscribe registers cb for snapshot updates and returns an unsubscribe
// function. Snapshots are fresh objects; subscribers may retain them.
func (m *Manager) Subscribe(cb func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SubscribeEvents registers cb for discrete session events (joins, leaves,
// kicks, leader changes, finishes) and returns an unsubscribe function.
func (m *Manager) SubscribeEvents(cb func(model.SessionEvent)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.eventSubs[id] = cb
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.eventSubs, id)
		m.mu.Unlock()
	}
}

// publishLocked fans the current snapshot out to subscribers. Callbacks run
// outside the lock.
func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	go func() {
		for _, cb := range subs {
			cb(snap)
		}
	}()
}

func (m *Manager) emitEventLocked(ev model.SessionEvent) {
	subs := make([]func(model.SessionEvent), 0, len(m.eventSubs))
	for _, cb := range m.eventSubs {
		subs = append(subs, cb)
	}
	go func() {
		for _, cb := range subs {
			cb(ev)
		}
	}()
}

// IngestNotification applies receiver-side dedupe for invite-flow
// notifications and reports whether the notification is fresh. A realtime
// signal and a polled pull can both deliver the same envelope; only the
// first copy should surface.
func (m *Manager) IngestNotification(n *model.Notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.seenNotifIDs[n.ID]; seen {
		return false
	}
	m.seenNotifIDs[n.ID] = struct{}{}

	if n.Type == model.NotifyLiveInvite {
		sid := n.Data[model.DataSessionID]
		if sid != "" {
			if _, seen := m.seenInviteSess[sid]; seen {
				return false
			}
			m.seenInviteSess[sid] = struct{}{}
		}
	}
	return true
}

// resetInviteDedupeLocked allows re-invites to a session the user was
// kicked from.
func (m *Manager) resetInviteDedupeLocked(sessionID string) {
	delete(m.seenInviteSess, sessionID)
}
