// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/metrics"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Redis is the redis-backed transport. One instance is shared by every
// session and the global presence tracker in the process.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies reachability.
func New(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("transport: redis connection failed: %w", err)
	}

	logger := log.WithComponent("transport")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis")

	return &Redis{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, logger: log.WithComponent("transport")}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// HealthCheck reports redis reachability.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func topicChannel(topic string) string { return "live:topic:" + topic }
func presenceKey(topic string) string  { return "live:presence:" + topic }
func changesChannel(id string) string  { return "live:changes:sessions:" + id }

// Topic is a joined per-session (or presence) channel. Events arrive on
// Events() until Leave is called or the context is cancelled.
type Topic struct {
	name   string
	selfID string
	r      *Redis
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	metaMu   sync.Mutex
	selfMeta PresenceMeta
}

const topicBuffer = 64

// JoinTopic announces presence on the topic, replays the current roster as a
// presence sync and starts the receive loop.
func (r *Redis) JoinTopic(ctx context.Context, topic string, self PresenceMeta) (*Topic, error) {
	if self.UserID == "" {
		return nil, fmt.Errorf("transport: presence meta requires a userId")
	}

	metaJSON, _ := json.Marshal(self)
	if err := r.client.HSet(ctx, presenceKey(topic), self.UserID, metaJSON).Err(); err != nil {
		return nil, fmt.Errorf("transport: presence register failed: %w", err)
	}
	if err := r.publishFrame(ctx, topic, frame{Type: EventPresenceJoin, Peer: &self}); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t := &Topic{
		name:     topic,
		selfID:   self.UserID,
		selfMeta: self,
		r:        r,
		events:   make(chan Event, topicBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.receiveLoop(loopCtx)
	return t, nil
}

// Events returns the event stream. The channel closes after Leave.
func (t *Topic) Events() <-chan Event {
	return t.events
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Broadcast publishes an envelope to every subscriber of the topic. The
// sender's own receive loop suppresses the echo.
func (t *Topic) Broadcast(ctx context.Context, kind model.BroadcastKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", kind, err)
	}
	env := &Envelope{Kind: kind, SenderID: t.selfID, Payload: raw}
	if err := t.r.publishFrame(ctx, t.name, frame{Type: EventBroadcast, Envelope: env}); err != nil {
		return err
	}
	metrics.BroadcastsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// UpdatePresence refreshes the caller's roster entry and re-announces it.
// Peers treat a repeated join as an upsert, so this doubles as the liveness
// refresh against the server-side presence timeout.
func (t *Topic) UpdatePresence(ctx context.Context, meta PresenceMeta) error {
	meta.UserID = t.selfID
	t.metaMu.Lock()
	t.selfMeta = meta
	t.metaMu.Unlock()
	metaJSON, _ := json.Marshal(meta)
	if err := t.r.client.HSet(ctx, presenceKey(t.name), meta.UserID, metaJSON).Err(); err != nil {
		return fmt.Errorf("transport: presence refresh failed: %w", err)
	}
	return t.r.publishFrame(ctx, t.name, frame{Type: EventPresenceJoin, Peer: &meta})
}

// Leave withdraws presence, announces the departure and tears down the
// receive loop synchronously.
func (t *Topic) Leave(ctx context.Context) error {
	t.cancel()
	<-t.done

	t.metaMu.Lock()
	self := t.selfMeta
	t.metaMu.Unlock()

	err := t.r.client.HDel(ctx, presenceKey(t.name), t.selfID).Err()
	if pubErr := t.r.publishFrame(ctx, t.name, frame{Type: EventPresenceLeave, Peer: &self}); pubErr != nil && err == nil {
		err = pubErr
	}
	return err
}

// receiveLoop subscribes, replays the roster and pumps frames into the event
// channel. On receive failure it emits a reconnecting status and
// resubscribes; every successful (re)subscribe replays a fresh presence sync.
func (t *Topic) receiveLoop(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			metrics.TransportReconnectsTotal.Inc()
			t.emit(ctx, Event{Kind: EventStatus, Status: StatusReconnecting})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		first = false

		pubsub := t.r.client.Subscribe(ctx, topicChannel(t.name))
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			t.r.logger.Warn().Err(err).Str(log.FieldTopic, t.name).Msg("topic subscribe failed")
			continue
		}

		t.emit(ctx, Event{Kind: EventStatus, Status: StatusConnected})
		t.replayRoster(ctx)

		ch := pubsub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				t.emit(ctx, Event{Kind: EventStatus, Status: StatusDisconnected})
				return
			case msg, ok := <-ch:
				if !ok {
					_ = pubsub.Close()
					break recv
				}
				t.dispatch(ctx, []byte(msg.Payload))
			}
		}
	}
}

func (t *Topic) replayRoster(ctx context.Context) {
	fields, err := t.r.client.HGetAll(ctx, presenceKey(t.name)).Result()
	if err != nil {
		t.r.logger.Warn().Err(err).Str(log.FieldTopic, t.name).Msg("presence roster fetch failed")
		return
	}
	roster := make([]PresenceMeta, 0, len(fields))
	for _, raw := range fields {
		var meta PresenceMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		roster = append(roster, meta)
	}
	t.emit(ctx, Event{Kind: EventPresenceSync, Roster: roster})
}

func (t *Topic) dispatch(ctx context.Context, payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		t.r.logger.Warn().Err(err).Str(log.FieldTopic, t.name).Msg("undecodable frame dropped")
		return
	}

	switch f.Type {
	case EventPresenceJoin, EventPresenceLeave:
		if f.Peer == nil || f.Peer.UserID == t.selfID {
			return
		}
		t.emit(ctx, Event{Kind: f.Type, Peer: *f.Peer})
	case EventBroadcast:
		if f.Envelope == nil || f.Envelope.SenderID == t.selfID {
			return
		}
		t.emit(ctx, Event{Kind: EventBroadcast, Broadcast: f.Envelope})
	}
}

// emit delivers without blocking the receive loop. If the consumer is full
// the event is dropped and counted; consumers must tolerate drops.
func (t *Topic) emit(_ context.Context, ev Event) {
	select {
	case t.events <- ev:
	default:
		metrics.IncBroadcastDrop("subscriber_full")
	}
}

func (r *Redis) publishFrame(ctx context.Context, topic string, f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, topicChannel(topic), raw).Err(); err != nil {
		return fmt.Errorf("transport: publish to %s failed: %w", topic, err)
	}
	return nil
}

// --- Change feed ---

// PublishSessionChange implements store.ChangePublisher. Committed rows are
// fanned out in publish order on the per-session changes channel.
func (r *Redis) PublishSessionChange(ctx context.Context, sess *model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, changesChannel(sess.SessionID), raw).Err()
}

// SubscribeChanges follows the committed-row stream for one session. The
// returned stop function tears the subscription down and closes the channel.
func (r *Redis) SubscribeChanges(ctx context.Context, sessionID string) (<-chan *model.Session, func(), error) {
	pubsub := r.client.Subscribe(ctx, changesChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("transport: change feed subscribe failed: %w", err)
	}

	out := make(chan *model.Session, topicBuffer)
	stopCh := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-stopCh:
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sess model.Session
				if err := json.Unmarshal([]byte(msg.Payload), &sess); err != nil {
					r.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("undecodable row change dropped")
					continue
				}
				select {
				case out <- &sess:
				default:
					metrics.IncBroadcastDrop("changes_subscriber_full")
				}
			}
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() { close(stopCh) })
	}
	return out, stop, nil
}
