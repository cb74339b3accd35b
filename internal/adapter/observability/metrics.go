package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"route", "method"},
	)

	WorkersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_workers_connected",
			Help: "Connected workers by scheduling state",
		},
		[]string{"state"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_dispatches_total",
			Help: "Completed dispatches by outcome",
		},
		[]string{"outcome"},
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_dispatch_duration_seconds",
			Help:    "Dispatch latency from claim to parsed reply",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
		},
	)

	FramesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_frames_received_total",
			Help: "Inbound WebSocket frames by type",
		},
		[]string{"type"},
	)
	StrayRepliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_stray_replies_total",
			Help: "Completion responses that arrived after their slot was gone",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(FramesReceivedTotal)
	prometheus.MustRegister(StrayRepliesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// SetWorkerCounts publishes the current pool composition.
func SetWorkerCounts(total, idle, busy int) {
	WorkersConnected.WithLabelValues("ready").Set(float64(total - idle - busy))
	WorkersConnected.WithLabelValues("idle").Set(float64(idle))
	WorkersConnected.WithLabelValues("busy").Set(float64(busy))
}

// ObserveDispatch records one finished dispatch.
func ObserveDispatch(outcome string, dur time.Duration) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
	DispatchDuration.Observe(dur.Seconds())
}

func IncFrameReceived(frameType string) {
	FramesReceivedTotal.WithLabelValues(frameType).Inc()
}

func IncStrayReply() {
	StrayRepliesTotal.Inc()
}
