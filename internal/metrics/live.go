// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the live session
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveworkout_broadcasts_total",
		Help: "Broadcast messages sent per event kind",
	}, []string{"kind"})

	BroadcastDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveworkout_broadcast_dropped_total",
		Help: "Outbound broadcasts coalesced or dropped under backpressure",
	}, []string{"reason"})

	HeartbeatEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveworkout_heartbeat_evictions_total",
		Help: "Participants locally evicted after a stale heartbeat",
	})

	SyncBarrierTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveworkout_sync_barrier_timeouts_total",
		Help: "Strict-sync barriers released by the 60s timeout fallback",
	})

	ReactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveworkout_reactions_total",
		Help: "Reactions sent per type",
	}, []string{"type"})

	InviteCodeCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveworkout_invite_code_collisions_total",
		Help: "Invite code generation retries due to collisions",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveworkout_active_sessions",
		Help: "Non-terminal sessions known to this instance",
	})

	LeaderTakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveworkout_leader_takeovers_total",
		Help: "Leader elections triggered by a vanished leader",
	})

	TransportReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveworkout_transport_reconnects_total",
		Help: "Topic resubscribes after a connection drop",
	})
)

// IncBroadcastDrop records an outbound message sacrificed to backpressure.
func IncBroadcastDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BroadcastDroppedTotal.WithLabelValues(reason).Inc()
}
