package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the fetchers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	CookieRefreshes  *prometheus.CounterVec
	IPRotations      *prometheus.CounterVec
	ListingsTotal    prometheus.Counter
	ParseFailures    prometheus.Counter
	ViewsCacheHits   prometheus.Counter
	ViewsCacheMisses prometheus.Counter
}

// NewMetrics constructs the fetcher metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetch_requests_total",
				Help: "Marketplace HTTP requests by outcome.",
			},
			[]string{"outcome"},
		),
		CookieRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetch_cookie_refreshes_total",
				Help: "Headless browser cookie refresh attempts by result.",
			},
			[]string{"result"},
		),
		IPRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_fetch_ip_rotations_total",
				Help: "Proxy IP rotation requests by result.",
			},
			[]string{"result"},
		),
		ListingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_fetch_listings_total",
			Help: "Listings returned by fetchers.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_fetch_parse_failures_total",
			Help: "Pages whose embedded state could not be located.",
		}),
		ViewsCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_fetch_views_cache_hits_total",
			Help: "View counter lookups served from cache.",
		}),
		ViewsCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_fetch_views_cache_misses_total",
			Help: "View counter lookups that required a detail page fetch.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.CookieRefreshes, m.IPRotations, m.ListingsTotal,
		m.ParseFailures, m.ViewsCacheHits, m.ViewsCacheMisses)
	return m
}

// IncRequest counts one request outcome.
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// IncCookieRefresh counts a cookie refresh attempt.
func (m *Metrics) IncCookieRefresh(result string) {
	if m == nil {
		return
	}
	m.CookieRefreshes.WithLabelValues(result).Inc()
}

// IncIPRotation counts an IP rotation attempt.
func (m *Metrics) IncIPRotation(result string) {
	if m == nil {
		return
	}
	m.IPRotations.WithLabelValues(result).Inc()
}

// AddListings counts returned listings.
func (m *Metrics) AddListings(n int) {
	if m == nil {
		return
	}
	m.ListingsTotal.Add(float64(n))
}

// IncParseFailure counts an unparseable page.
func (m *Metrics) IncParseFailure() {
	if m == nil {
		return
	}
	m.ParseFailures.Inc()
}

// ObserveViewsCache counts a views cache lookup.
func (m *Metrics) ObserveViewsCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ViewsCacheHits.Inc()
		return
	}
	m.ViewsCacheMisses.Inc()
}
