package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	PagesFetched     *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
	SessionsAcquired prometheus.Counter
	ItemsHarvested   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		PagesFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_fetched_total",
			Help: "The total number of result pages fetched",
		}, []string{"site", "kind"}),
		FetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_errors_total",
			Help: "The total number of fetch errors encountered",
		}, []string{"type"}), // e.g. 'credential_rejected', 'transport', 'extract'
		SessionsAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_sessions_acquired_total",
			Help: "The total number of browsing sessions acquired",
		}),
		ItemsHarvested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_harvested_total",
			Help: "The total number of normalized records produced",
		}, []string{"site", "kind"}),
	}
}

func (m *Metrics) IncPagesFetched(site, kind string) {
	m.PagesFetched.WithLabelValues(site, kind).Inc()
}

func (m *Metrics) IncFetchErrors(errorType string) {
	m.FetchErrors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncSessionsAcquired() {
	m.SessionsAcquired.Inc()
}

func (m *Metrics) AddItemsHarvested(site, kind string, n int) {
	m.ItemsHarvested.WithLabelValues(site, kind).Add(float64(n))
}
