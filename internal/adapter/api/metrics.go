package api

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"opencami/internal/domain"
)

// Metrics tracks counters exposed on GET /metrics.
type Metrics struct {
	RequestsTotal      atomic.Int64
	ModelsFromGateway  atomic.Int64
	ModelsFromCache    atomic.Int64
	ModelsFromFallback atomic.Int64
	FollowUpsTotal     atomic.Int64
	FollowUpsDegraded  atomic.Int64
	ConfigErrorsTotal  atomic.Int64
}

func (m *Metrics) countModels(source string) {
	switch source {
	case domain.SourceGateway:
		m.ModelsFromGateway.Add(1)
	case domain.SourceCache:
		m.ModelsFromCache.Add(1)
	default:
		m.ModelsFromFallback.Add(1)
	}
}

// countRequests increments RequestsTotal for every request reaching the mux.
func (m *Metrics) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestsTotal.Add(1)
		next.ServeHTTP(w, r)
	})
}

// handleMetrics writes the Prometheus text exposition format by hand.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m := s.metrics

	writeMetric(w, "opencami_http_requests_total", "counter", "Total HTTP requests served.", m.RequestsTotal.Load())

	fmt.Fprintf(w, "# HELP opencami_models_served_total Models responses by source.\n")
	fmt.Fprintf(w, "# TYPE opencami_models_served_total counter\n")
	fmt.Fprintf(w, "opencami_models_served_total{source=%q} %d\n", domain.SourceGateway, m.ModelsFromGateway.Load())
	fmt.Fprintf(w, "opencami_models_served_total{source=%q} %d\n", domain.SourceCache, m.ModelsFromCache.Load())
	fmt.Fprintf(w, "opencami_models_served_total{source=%q} %d\n", domain.SourceFallback, m.ModelsFromFallback.Load())

	writeMetric(w, "opencami_followups_total", "counter", "Follow-up requests served.", m.FollowUpsTotal.Load())
	writeMetric(w, "opencami_followups_degraded_total", "counter", "Follow-up requests answered empty after a gateway error.", m.FollowUpsDegraded.Load())
	writeMetric(w, "opencami_gateway_config_errors_total", "counter", "Failed gateway config proxy calls.", m.ConfigErrorsTotal.Load())

	if st, ok := s.deps.Health.Latest(); ok {
		reachable := 0
		if st.Reachable {
			reachable = 1
		}
		writeMetric(w, "opencami_gateway_reachable", "gauge", "Whether the last gateway probe succeeded.", int64(reachable))
		writeMetric(w, "opencami_gateway_probe_latency_ms", "gauge", "Latency of the last gateway probe.", st.LatencyMS)
	}
	if s.deps.BreakerState != nil {
		open := 0
		if s.deps.BreakerState() == "open" {
			open = 1
		}
		writeMetric(w, "opencami_gateway_breaker_open", "gauge", "Whether the gateway circuit breaker is open.", int64(open))
	}

	fmt.Fprintf(w, "# HELP opencami_uptime_seconds Seconds since the server started.\n")
	fmt.Fprintf(w, "# TYPE opencami_uptime_seconds gauge\n")
	fmt.Fprintf(w, "opencami_uptime_seconds %.0f\n", time.Since(s.started).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", int64(runtime.NumGoroutine()))
	writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", int64(mem.Alloc))
	writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", int64(mem.Sys))
}

func writeMetric(w io.Writer, name, kind, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, v)
}
