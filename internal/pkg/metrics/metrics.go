package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_evaluations_total",
		Help: "The total number of checkout evaluations by decision",
	}, []string{"decision", "level"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraudgate_risk_score",
		Help:    "Distribution of aggregated risk scores",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fraudgate_stage_duration_seconds",
		Help:    "Per-stage evaluation latency in seconds",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"stage"})

	SLAViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraudgate_sla_violations_total",
		Help: "Evaluations that exceeded the latency budget",
	})

	EngineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_engine_failures_total",
		Help: "Signal engine failures absorbed by fail-open handling",
	}, []string{"stage"})

	RuleFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_rule_faults_total",
		Help: "Rules that errored or panicked during evaluation",
	}, []string{"rule"})

	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_rule_matches_total",
		Help: "Rule matches by rule id",
	}, []string{"rule", "tier"})

	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_invariant_violations_total",
		Help: "Out-of-range values clamped by the aggregator",
	}, []string{"kind"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_cache_lookups_total",
		Help: "Signal cache lookups by signal kind and outcome",
	}, []string{"kind", "result"})

	ThreatAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_threat_api_calls_total",
		Help: "External reputation API calls by outcome",
	}, []string{"result"})

	ReviewEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_review_enqueued_total",
		Help: "Blocked transactions handed to the manual review queue",
	}, []string{"result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraudgate_rate_limited_total",
		Help: "Requests rejected by the per-client or global rate limit",
	}, []string{"client"})

	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fraudgate_feed_subscribers",
		Help: "Connected decision feed subscribers",
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fraudgate_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
