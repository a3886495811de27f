// Package metrics exposes host metrics in the Prometheus exposition format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"OpenCGM-Host/internal/collector"
	"OpenCGM-Host/pkg/event"
)

const namespace = "cgmhost"

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// HTTP records request counts and latency per handler.
type HTTP struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewHTTP creates the HTTP collectors and registers them with reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	if reg != nil {
		reg.MustRegister(h.requests, h.errors, h.latency)
	}
	return h
}

// Observe records one finished request.
func (h *HTTP) Observe(handler, method string, status int, duration time.Duration) {
	if h == nil {
		return
	}
	h.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		h.errors.WithLabelValues(handler, method).Inc()
	}
	h.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Instrument wraps next so every request is observed under name.
func (h *HTTP) Instrument(name string, next http.Handler) http.Handler {
	if h == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		h.Observe(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so dashboard streams keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RegisterBus exports the event bus counters.
func RegisterBus(reg prometheus.Registerer, bus *event.Bus) {
	counter := func(name, help string, read func(event.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(bus.Stats())) })
	}
	reg.MustRegister(
		counter("published_total", "Events accepted by the bus.", func(s event.Stats) uint64 { return s.Published }),
		counter("delivered_total", "Events queued to subscribers.", func(s event.Stats) uint64 { return s.Delivered }),
		counter("dropped_total", "Events dropped because a subscriber queue was full.", func(s event.Stats) uint64 { return s.Dropped }),
		counter("rejected_total", "Plugin publishes refused for provenance or platform-only kinds.", func(s event.Stats) uint64 { return s.Rejected }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Live subscriptions.",
		}, func() float64 { return float64(bus.Stats().Subscribers) }),
	)
}

// StatsSource is implemented by *collector.Collector.
type StatsSource interface {
	Stats() collector.Stats
}

// RegisterCollector exports the history collector counters.
func RegisterCollector(reg prometheus.Registerer, src StatsSource) {
	counter := func(name, help string, read func(collector.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(src.Stats())) })
	}
	reg.MustRegister(
		counter("jobs_total", "Poll jobs executed.", func(s collector.Stats) uint64 { return s.Jobs }),
		counter("failures_total", "Poll jobs that failed.", func(s collector.Stats) uint64 { return s.Failed }),
		counter("retries_total", "Poll jobs requeued after a retryable failure.", func(s collector.Stats) uint64 { return s.Retried }),
		counter("published_total", "Readings published to the event bus.", func(s collector.Stats) uint64 { return s.Published }),
	)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing /metrics.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
