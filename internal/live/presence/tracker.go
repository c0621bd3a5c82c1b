// SPDX-License-Identifier: MIT

// Package presence tracks who is online across the whole app, independent of
// any live session, so the UI can decorate friends with online/working-out
// badges that survive session churn.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/live/transport"
	"github.com/fitsync/liveworkout/internal/log"
)

// GlobalTopic is the singleton topic every logged-in user joins.
const GlobalTopic = "presence:global"

const (
	// timeout before a silent peer is dropped. Brief app backgrounding must
	// not cause flicker, so removal is server-side and generous.
	defaultTimeout = 30 * time.Second
	// refresh cadence for re-announcing the local user.
	defaultRefreshEvery = 10 * time.Second
	sweepEvery          = 5 * time.Second
)

// Info is the tracked per-user presence state.
type Info struct {
	UserID        string
	Username      string
	Online        bool
	WorkingOut    bool
	LiveSessionID string
	lastSeen      time.Time
}

// Subscriber receives a fresh immutable snapshot on every change.
type Subscriber func(users []Info)

// Tracker is a long-lived service object owned by the app root. It is
// started after auth and closed on sign-out.
type Tracker struct {
	tr      *transport.Redis
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	self    transport.PresenceMeta
	topic   *transport.Topic
	users   map[string]Info
	subs    map[int]Subscriber
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a stopped tracker bound to the shared transport.
func NewTracker(tr *transport.Redis) *Tracker {
	return &Tracker{
		tr:      tr,
		logger:  log.WithComponent("presence"),
		timeout: defaultTimeout,
		users:   map[string]Info{},
		subs:    map[int]Subscriber{},
	}
}

// Start joins the global topic as the given user and begins tracking.
func (t *Tracker) Start(ctx context.Context, self transport.PresenceMeta) error {
	topic, err := t.tr.JoinTopic(ctx, GlobalTopic, self)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.self = self
	t.topic = topic
	t.cancel = cancel
	t.done = make(chan struct{})
	t.users[self.UserID] = metaToInfo(self, time.Now())
	t.mu.Unlock()

	go t.loop(loopCtx, topic)
	return nil
}

// Announce updates the local user's presence blob (e.g. workingOut flips or
// a live session starts) and rebroadcasts it.
func (t *Tracker) Announce(ctx context.Context, self transport.PresenceMeta) error {
	t.mu.Lock()
	t.self = self
	topic := t.topic
	t.users[self.UserID] = metaToInfo(self, time.Now())
	t.mu.Unlock()
	t.notify()

	if topic == nil {
		return nil
	}
	return topic.UpdatePresence(ctx, self)
}

// OnlineUsers returns a sorted snapshot of currently known users.
func (t *Tracker) OnlineUsers() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Info {
	out := make([]Info, 0, len(t.users))
	for _, info := range t.users {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Subscribe registers cb for snapshot updates and returns an unsubscribe
// function. The callback fires from the tracker loop; keep it cheap.
func (t *Tracker) Subscribe(cb Subscriber) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close leaves the global topic and stops the loop.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	topic := t.topic
	t.topic = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if topic != nil {
		return topic.Leave(ctx)
	}
	return nil
}

func (t *Tracker) loop(ctx context.Context, topic *transport.Topic) {
	t.mu.RLock()
	done := t.done
	t.mu.RUnlock()
	defer close(done)

	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	refresh := time.NewTicker(defaultRefreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			t.sweep()
		case <-refresh.C:
			t.refreshSelf(ctx, topic)
		case ev, ok := <-topic.Events():
			if !ok {
				return
			}
			t.handleEvent(ev)
		}
	}
}

func (t *Tracker) handleEvent(ev transport.Event) {
	now := time.Now()
	changed := false

	t.mu.Lock()
	switch ev.Kind {
	case transport.EventPresenceSync:
		for _, meta := range ev.Roster {
			t.users[meta.UserID] = metaToInfo(meta, now)
		}
		changed = true
	case transport.EventPresenceJoin:
		t.users[ev.Peer.UserID] = metaToInfo(ev.Peer, now)
		changed = true
	case transport.EventPresenceLeave:
		if _, ok := t.users[ev.Peer.UserID]; ok {
			delete(t.users, ev.Peer.UserID)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// refreshSelf keeps the roster hash and peers' lastSeen fresh.
func (t *Tracker) refreshSelf(ctx context.Context, topic *transport.Topic) {
	t.mu.RLock()
	self := t.self
	t.mu.RUnlock()
	if err := topic.UpdatePresence(ctx, self); err != nil {
		t.logger.Warn().Err(err).Msg("presence refresh failed")
	}
}

func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.timeout)
	removed := false

	t.mu.Lock()
	for id, info := range t.users {
		if id == t.self.UserID {
			continue
		}
		if info.lastSeen.Before(cutoff) {
			delete(t.users, id)
			removed = true
		}
	}
	t.mu.Unlock()

	if removed {
		t.notify()
	}
}

func (t *Tracker) notify() {
	t.mu.RLock()
	snapshot := t.snapshotLocked()
	subs := make([]Subscriber, 0, len(t.subs))
	for _, cb := range t.subs {
		subs = append(subs, cb)
	}
	t.mu.RUnlock()

	for _, cb := range subs {
		cb(snapshot)
	}
}

func metaToInfo(meta transport.PresenceMeta, seen time.Time) Info {
	return Info{
		UserID:        meta.UserID,
		Username:      meta.Username,
		Online:        true,
		WorkingOut:    meta.WorkingOut,
		LiveSessionID: meta.LiveSessionID,
		lastSeen:      seen,
	}
}
