package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsInitiated tracks new approval requests
	RequestsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_requests_initiated_total",
			Help: "Total number of approval requests initiated",
		},
		[]string{"subject", "type", "risk_level"},
	)

	// StatusTransitions tracks request state machine transitions
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_status_transitions_total",
			Help: "Total number of request status transitions",
		},
		[]string{"from", "to"},
	)

	// ApprovalsSubmitted tracks approver votes
	ApprovalsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_approvals_submitted_total",
			Help: "Total number of approval votes",
		},
		[]string{"decision"},
	)

	// Rejections tracks business-rule rejections by error code
	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_rejections_total",
			Help: "Total number of rejected operations",
		},
		[]string{"operation", "code"},
	)

	// EmergencyOverrides tracks quorum bypasses
	EmergencyOverrides = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_emergency_overrides_total",
			Help: "Total number of emergency overrides",
		},
	)

	// AdapterCalls tracks chain adapter submissions
	AdapterCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_adapter_calls_total",
			Help: "Total number of chain adapter calls",
		},
		[]string{"method", "outcome"},
	)

	// AdapterLatency tracks chain adapter latency
	AdapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_adapter_latency_seconds",
			Help:    "Chain adapter call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// AuditWriteFailures tracks audit entries that could not be persisted
	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_audit_write_failures_total",
			Help: "Total number of failed audit writes",
		},
	)

	// AlertsPublished tracks alert fan-out per sink
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_alerts_published_total",
			Help: "Total number of alerts published",
		},
		[]string{"sink", "outcome"},
	)

	// BalanceDrift tracks the last drift ratio per vault
	BalanceDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_vault_balance_drift_ratio",
			Help: "Drift ratio observed at the last balance check",
		},
		[]string{"vault"},
	)

	// RequestsExpired tracks requests moved to expired by the sweeper
	RequestsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_requests_expired_total",
			Help: "Total number of requests expired by the sweeper",
		},
	)

	// RequestsByStatus is refreshed periodically from storage
	RequestsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_requests_by_status",
			Help: "Number of requests per status",
		},
		[]string{"status"},
	)

	// HTTPRequests tracks API calls
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "code"},
	)

	// DBConnectionPoolUsage tracks database pool utilisation in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		},
	)
)
