/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestDuration tracks HTTP handler latency by method/endpoint/status.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "grimnir_api_request_duration_seconds",
		Help: "HTTP request duration in seconds.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestsTotal counts HTTP requests by method/endpoint/status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_api_requests_total",
		Help: "Total HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_api_active_connections",
		Help: "Number of HTTP requests currently being served.",
	})

	// SchedulerTicksTotal counts scheduler loop iterations.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnir_scheduler_ticks_total",
		Help: "Total scheduler loop iterations.",
	})

	// PrebuildAttemptsTotal counts transcode prebuild attempts by source and outcome.
	PrebuildAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_prebuild_attempts_total",
		Help: "Total prebuffer build attempts by source and outcome.",
	}, []string{"source", "outcome"})

	// FallbackUsedTotal counts how often the configured fallback payload was substituted.
	FallbackUsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnir_fallback_used_total",
		Help: "Total times the fallback payload was used after exhausting retries.",
	})

	// RingOccupancyBytes reports the current byte occupancy of a stream's ring buffer.
	RingOccupancyBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_ring_occupancy_bytes",
		Help: "Current occupancy of a stream's ring buffer in bytes.",
	}, []string{"mount"})

	// ListenersActive reports the current listener count per mount.
	ListenersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_listeners_active",
		Help: "Current connected listener count per mount.",
	}, []string{"mount"})

	// SkipsTotal counts operator-issued skip commands.
	SkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnir_skips_total",
		Help: "Total operator-issued skip commands processed.",
	})

	// LeaderElectionStatus reports 1 when the given instance holds scheduling leadership.
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_leader_election_status",
		Help: "1 if the labeled instance currently holds scheduler leadership, else 0.",
	}, []string{"instance_id"})

	// LeaderElectionChanges counts leadership acquisitions and losses per instance.
	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_leader_election_changes_total",
		Help: "Total leadership acquisitions and losses, by instance and transition.",
	}, []string{"instance_id", "transition"})

	// DatabaseQueryDuration tracks GORM operation latency by operation and table.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "grimnir_database_query_duration_seconds",
		Help: "Database operation duration in seconds.",
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed GORM operations by operation and reason.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_database_errors_total",
		Help: "Total database operation errors.",
	}, []string{"operation", "reason"})

	// DatabaseConnectionsActive reports the current open connection pool size.
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_database_connections_active",
		Help: "Current open database connections.",
	})

	// OperatorCommandsTotal counts operator commands accepted or rejected by
	// ingress (http, nats) and outcome (forwarded, rejected, timeout).
	OperatorCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_operator_commands_total",
		Help: "Total operator commands processed by ingress and outcome.",
	}, []string{"ingress", "outcome"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
