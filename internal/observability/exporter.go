package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// PrometheusExporter serves metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates a new exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler for the /metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format returns all metrics in Prometheus text exposition format.
// Series sharing a name are emitted as one family under a single HELP/TYPE.
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
func (e *PrometheusExporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	// --- Counters ---
	for _, family := range groupFamilies(e.registry.counters, func(c *Counter) string { return c.name }) {
		c := family[0]
		writeHeader(&b, c.name, c.help, MetricCounter)
		for _, c := range family {
			b.WriteString(fmt.Sprintf("%s%s %s\n", c.name, formatLabels(c.labels), formatFloat(c.Value())))
		}
		b.WriteByte('\n')
	}

	// --- Gauges ---
	for _, family := range groupFamilies(e.registry.gauges, func(g *Gauge) string { return g.name }) {
		g := family[0]
		writeHeader(&b, g.name, g.help, MetricGauge)
		for _, g := range family {
			b.WriteString(fmt.Sprintf("%s%s %s\n", g.name, formatLabels(g.labels), formatFloat(g.Value())))
		}
		b.WriteByte('\n')
	}

	// --- Histograms ---
	for _, family := range groupFamilies(e.registry.histograms, func(h *Histogram) string { return h.name }) {
		h := family[0]
		writeHeader(&b, h.name, h.help, MetricHistogram)
		for _, h := range family {
			writeHistogram(&b, h)
		}
		b.WriteByte('\n')
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, help string, typ MetricType) {
	b.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	b.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, typ))
}

func writeHistogram(b *strings.Builder, h *Histogram) {
	buckets, counts, sum, count := h.BucketCounts()
	lblStr := formatLabels(h.labels)

	// Per-bucket lines: <name>_bucket{le="<bound>",..} <cumulative_count>
	for i, bound := range buckets {
		leLabel := addLabel(h.labels, "le", formatFloat(bound))
		b.WriteString(fmt.Sprintf("%s_bucket%s %d\n", h.name, leLabel, counts[i]))
	}
	infLabel := addLabel(h.labels, "le", "+Inf")
	b.WriteString(fmt.Sprintf("%s_bucket%s %d\n", h.name, infLabel, count))

	b.WriteString(fmt.Sprintf("%s_sum%s %s\n", h.name, lblStr, formatFloat(sum)))
	b.WriteString(fmt.Sprintf("%s_count%s %d\n", h.name, lblStr, count))
}

// groupFamilies groups series by metric name. Families are sorted by name and
// series within a family by series key.
func groupFamilies[M any](series map[string]M, nameOf func(M) string) [][]M {
	byName := make(map[string][]M)
	for _, key := range sortedKeys(series) {
		m := series[key]
		byName[nameOf(m)] = append(byName[nameOf(m)], m)
	}
	out := make([][]M, 0, len(byName))
	for _, name := range sortedKeys(byName) {
		out = append(out, byName[name])
	}
	return out
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// formatLabels returns a Prometheus label string like {k1="v1",k2="v2"}.
// Returns an empty string if there are no labels.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// addLabel returns a label string with an extra key=value pair merged in.
func addLabel(base map[string]string, key, value string) string {
	merged := make(map[string]string, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	merged[key] = value
	return formatLabels(merged)
}

// formatFloat formats a float64 for Prometheus output.
func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
