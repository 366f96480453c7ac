package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_connections_active",
			Help: "Currently connected websocket clients",
		},
	)

	FramesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_frames_relayed_total",
			Help: "Total frames relayed to peers",
		},
		[]string{"type"},
	)

	// Business metrics
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_messages_stored_total",
			Help: "Total messages persisted",
		},
	)

	HistoryRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_history_requests_total",
			Help: "Total history page requests served",
		},
	)
)
