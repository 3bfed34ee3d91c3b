// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "multiplayer_active_rooms",
			Help: "Rooms currently tracked on this instance",
		},
	)
	JoinedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "multiplayer_joined_users",
			Help: "Users currently joined to any room",
		},
	)
	EventsBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multiplayer_events_broadcast_total",
			Help: "Server-to-client events fanned out, by event type",
		},
		[]string{"type"},
	)
	CountdownsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multiplayer_countdowns_started_total",
			Help: "Countdowns started, by kind",
		},
		[]string{"kind"},
	)
	StaleConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "multiplayer_stale_connections_total",
			Help: "Invocations rejected for carrying a superseded connection",
		},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by path, method and status",
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ActiveRooms)
	prometheus.MustRegister(JoinedUsers)
	prometheus.MustRegister(EventsBroadcast)
	prometheus.MustRegister(CountdownsStarted)
	prometheus.MustRegister(StaleConnections)
	prometheus.MustRegister(HTTPRequests)
}
