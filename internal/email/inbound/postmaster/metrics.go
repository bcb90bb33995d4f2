package postmaster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ingestion outcomes
type Metrics struct {
	ingestTotal      *prometheus.CounterVec
	ingestDuration   prometheus.Histogram
	attachmentsTotal *prometheus.CounterVec
}

// NewMetrics registers the ingestion collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailingest_ingest_total",
			Help: "Total number of inbound events processed, by outcome",
		}, []string{"outcome"}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailingest_ingest_duration_seconds",
			Help:    "Time spent ingesting one inbound event",
			Buckets: prometheus.DefBuckets,
		}),
		attachmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailingest_attachments_total",
			Help: "Total number of attachments processed, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeResult(res Result, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case res.Duplicate:
		outcome = ReasonDuplicate
	case !res.Success:
		outcome = res.Reason
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) observeAttachment(status string) {
	if m == nil {
		return
	}
	m.attachmentsTotal.WithLabelValues(status).Inc()
}
