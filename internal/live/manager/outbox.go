// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/transport"
	"github.com/fitsync/liveworkout/internal/metrics"
)

// maxPending caps the must-send queue before state updates are forced into
// the coalescing slot.
const maxPending = 8

type outMsg struct {
	kind    model.BroadcastKind
	payload any
}

// outbox serialises all outbound broadcasts for one session. State updates
// coalesce to the latest value and flush at most once per minGap; reactions,
// sync events, kicks and finish announcements are queued and never dropped.
type outbox struct {
	topic  *transport.Topic
	minGap time.Duration

	mu     sync.Mutex
	queue  []outMsg
	state  *model.LiveUserState
	closed bool
	notify chan struct{}
}

func newOutbox(topic *transport.Topic, minGap time.Duration) *outbox {
	return &outbox{
		topic:  topic,
		minGap: minGap,
		notify: make(chan struct{}, 1),
	}
}

// send enqueues a must-send broadcast.
func (o *outbox) send(kind model.BroadcastKind, payload any) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrNoSession
	}
	if len(o.queue) >= maxPending {
		// The queue only ever holds non-droppable messages, so past the cap
		// we block growth by counting the overflow instead of dropping.
		metrics.IncBroadcastDrop("outbox_backlog")
	}
	o.queue = append(o.queue, outMsg{kind: kind, payload: payload})
	o.mu.Unlock()
	o.wake()
	return nil
}

// setState replaces the pending state broadcast. Intermediate states between
// flushes are coalesced away.
func (o *outbox) setState(st *model.LiveUserState) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.state != nil {
		metrics.IncBroadcastDrop("coalesced")
	}
	o.state = st
	o.mu.Unlock()
	o.wake()
}

func (o *outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.state = nil
	o.mu.Unlock()
	o.wake()
}

// run pumps queued broadcasts until ctx is cancelled. State flushes honour
// the minimum gap; must-send messages go out immediately.
func (o *outbox) run(ctx context.Context) {
	var lastState time.Time
	gapTimer := time.NewTimer(o.minGap)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		case <-gapTimer.C:
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		queue := o.queue
		o.queue = nil
		var st *model.LiveUserState
		if o.state != nil && time.Since(lastState) >= o.minGap {
			st = o.state
			o.state = nil
		} else if o.state != nil {
			// Too soon; re-arm the gap timer for the remainder.
			gapTimer.Reset(o.minGap - time.Since(lastState))
		}
		o.mu.Unlock()

		for _, msg := range queue {
			if err := o.topic.Broadcast(ctx, msg.kind, msg.payload); err != nil && ctx.Err() == nil {
				metrics.IncBroadcastDrop("publish_error")
			}
		}
		if st != nil {
			lastState = time.Now()
			if err := o.topic.Broadcast(ctx, model.BroadcastState, st); err != nil && ctx.Err() == nil {
				metrics.IncBroadcastDrop("publish_error")
			}
		}
	}
}
