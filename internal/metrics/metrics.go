package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rentshield"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	votes          *prometheus.CounterVec
	voteRejections *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	classifierJobs *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_transitions_total",
			Help:      "Issue status transitions applied, by source and target status.",
		}, []string{"from", "to"}),
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Juror votes accepted into the ledger, by value.",
		}, []string{"value"}),
		voteRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_rejections_total",
			Help:      "Votes rejected before reaching the ledger, by reason.",
		}, []string{"reason"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_decisions_total",
			Help:      "Consensus evaluations that reached quorum, by decision.",
		}, []string{"decision"}),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_verdicts_total",
			Help:      "AI verdicts received, by whether they advanced the issue.",
		}, []string{"accepted"}),
		classifierJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_jobs_total",
			Help:      "Classification jobs processed, by result.",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) VoteCast(value string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(value).Inc()
}

func (m *Metrics) VoteRejected(reason string) {
	if m == nil {
		return
	}
	m.voteRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Verdict(accepted bool) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

func (m *Metrics) ClassifierJob(result string) {
	if m == nil {
		return
	}
	m.classifierJobs.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
