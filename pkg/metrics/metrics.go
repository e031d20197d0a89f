package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Network metrics
	PeersKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawsats_peers_known_total",
			Help: "Number of peers currently in the registry",
		},
	)

	InvitationsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsats_invitations_accepted_total",
			Help: "Total number of invitations accepted",
		},
	)

	InvitationsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsats_invitations_rejected_total",
			Help: "Total number of invitations rejected by reason",
		},
		[]string{"reason"},
	)

	DiscoverySweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsats_discovery_sweeps_total",
			Help: "Total number of completed discovery sweeps",
		},
	)

	// Payment metrics
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsats_calls_total",
			Help: "Total capability calls by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	SatoshisEarned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsats_satoshis_earned_total",
			Help: "Total satoshis accepted across paid calls",
		},
	)

	SatoshisSpent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clawsats_satoshis_spent_total",
			Help: "Total satoshis spent hiring peers",
		},
	)

	// Brain metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsats_jobs_processed_total",
			Help: "Total brain jobs processed by final status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawsats_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawsats_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PeersKnown)
	prometheus.MustRegister(InvitationsAccepted)
	prometheus.MustRegister(InvitationsRejected)
	prometheus.MustRegister(DiscoverySweeps)
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(SatoshisEarned)
	prometheus.MustRegister(SatoshisSpent)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
