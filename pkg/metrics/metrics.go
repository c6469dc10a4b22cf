package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkd_messages_appended_total",
			Help: "Messages persisted through conversation actors",
		},
		[]string{"role"},
	)

	IdempotentHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkd_append_idempotent_hits_total",
			Help: "Appends answered from the client_id idempotency index",
		},
	)

	AppendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkd_append_failures_total",
			Help: "Appends that failed before consuming a sequence number",
		},
	)

	ReactionsChanged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkd_reactions_changed_total",
			Help: "Reaction rows added or removed",
		},
		[]string{"action"},
	)

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkd_fanout_delivered_total",
			Help: "Events handed to subscriber buffers",
		},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkd_fanout_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	ActorsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkd_actors_live",
			Help: "Conversation actors currently resident",
		},
	)

	ConnectionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkd_connections_live",
			Help: "Live realtime connections",
		},
	)

	CatchupPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkd_catchup_pages_total",
			Help: "Catch-up pages served",
		},
		[]string{"mode"},
	)

	RetentionPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkd_retention_purged_total",
			Help: "Messages removed by the retention runner",
		},
	)
)
