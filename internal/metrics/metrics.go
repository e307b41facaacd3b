package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControlRequests counts control arbitration requests, labeled by outcome (granted/denied).
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_control_requests_total",
		Help: "Total number of control requests from backends.",
	}, []string{"outcome"})

	// Preemptions counts lock preemptions by the preferred provider.
	Preemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_control_preemptions_total",
		Help: "Total number of control lock preemptions.",
	})

	// AutoReleases counts lock releases triggered by the auto-release timer.
	AutoReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_control_auto_releases_total",
		Help: "Total number of auto-release timer expirations that released the lock.",
	})

	// EventsBroadcast counts charger events fanned out to subscribers, labeled by event type.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_events_broadcast_total",
		Help: "Total number of charger events broadcast to subscribers.",
	}, []string{"event_type"})

	// ActiveSubscribers tracks the number of connected backend subscribers.
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_active_subscribers",
		Help: "The number of currently connected backend subscribers.",
	})

	// SessionsCompleted counts finalized charging sessions.
	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_sessions_completed_total",
		Help: "Total number of completed charging sessions.",
	})

	// SessionEnergy accumulates delivered energy across completed sessions.
	SessionEnergy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_session_energy_kwh_total",
		Help: "Total energy in kWh across completed charging sessions.",
	})

	// ChargerConnected reports whether the charger websocket is currently up.
	ChargerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_charger_connected",
		Help: "Whether the charger websocket connection is established (0 or 1).",
	})

	// UpstreamConnected tracks connected upstream OCPP services.
	UpstreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_upstream_services_connected",
		Help: "The number of currently connected upstream OCPP services.",
	})
)
