package observability

import "time"

// Operations are the request kinds the service instruments.
var Operations = []string{"weighted_holders", "distribution", "leaderboard", "compare"}

// ServiceMetrics is the metric set of the holder statistics service.
type ServiceMetrics struct {
	Registry *Registry

	requests map[string]*Counter
	errors   map[string]*Counter
	latency  map[string]*Histogram

	CacheHits      *Counter
	CacheMisses    *Counter
	CacheErrors    *Counter
	Invalidations  *Counter
	StatsPublished *Counter
	StreamClients  *Gauge

	GraphUpdates      *Counter
	GraphUpdateErrors *Counter
}

// NewServiceMetrics creates a registry pre-populated with the service metrics.
func NewServiceMetrics() *ServiceMetrics {
	r := NewRegistry()
	m := &ServiceMetrics{
		Registry: r,
		requests: make(map[string]*Counter, len(Operations)),
		errors:   make(map[string]*Counter, len(Operations)),
		latency:  make(map[string]*Histogram, len(Operations)),
	}

	for _, op := range Operations {
		labels := map[string]string{"op": op}
		m.requests[op] = r.NewCounter("tokenfcs_requests_total",
			"Total holder statistics requests", labels)
		m.errors[op] = r.NewCounter("tokenfcs_request_errors_total",
			"Total failed holder statistics requests", labels)
		m.latency[op] = r.NewHistogram("tokenfcs_request_latency_ms",
			"Holder statistics request latency in milliseconds", labels, DefaultLatencyBuckets)
	}

	m.CacheHits = r.NewCounter("tokenfcs_cache_hits_total", "Result cache hits", nil)
	m.CacheMisses = r.NewCounter("tokenfcs_cache_misses_total", "Result cache misses", nil)
	m.CacheErrors = r.NewCounter("tokenfcs_cache_errors_total", "Result cache backend errors", nil)
	m.Invalidations = r.NewCounter("tokenfcs_invalidations_total", "Cache invalidations applied", nil)
	m.StatsPublished = r.NewCounter("tokenfcs_stats_published_total", "Holder stats events published", nil)
	m.StreamClients = r.NewGauge("tokenfcs_stream_clients", "Connected stream clients", nil)
	m.GraphUpdates = r.NewCounter("tokenfcs_graph_updates_total", "Graph update events consumed", nil)
	m.GraphUpdateErrors = r.NewCounter("tokenfcs_graph_update_errors_total", "Graph update events that failed to apply", nil)

	return m
}

// ObserveRequest records one request of kind op.
func (m *ServiceMetrics) ObserveRequest(op string, elapsed time.Duration, err error) {
	if c, ok := m.requests[op]; ok {
		c.Inc()
	}
	if err != nil {
		if c, ok := m.errors[op]; ok {
			c.Inc()
		}
	}
	if h, ok := m.latency[op]; ok {
		h.Observe(float64(elapsed.Microseconds()) / 1000)
	}
}

// Requests returns the request counter of op, or nil.
func (m *ServiceMetrics) Requests(op string) *Counter { return m.requests[op] }

// Errors returns the error counter of op, or nil.
func (m *ServiceMetrics) Errors(op string) *Counter { return m.errors[op] }

// Latency returns the latency histogram of op, or nil.
func (m *ServiceMetrics) Latency(op string) *Histogram { return m.latency[op] }
