package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChecksTotal     *prometheus.CounterVec
	CheckDuration   prometheus.Histogram
	StoreErrors     *prometheus.CounterVec
	AuditDropped    prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_checks_total",
				Help: "Rate limit checks by client and outcome",
			},
			[]string{"client", "status"},
		),
		CheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tokengate_check_duration_seconds",
				Help:    "Time spent deciding a rate limit check, store round trip included",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_store_errors_total",
				Help: "State store failures by operation",
			},
			[]string{"op"},
		),
		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokengate_audit_dropped_total",
				Help: "Audit events dropped because the queue was full",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokengate_http_requests_total",
				Help: "Total HTTP requests served",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokengate_http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	reg.MustRegister(m.ChecksTotal, m.CheckDuration, m.StoreErrors, m.AuditDropped, m.RequestsTotal, m.RequestDuration)
	return m
}

// IncrementCheck implements ratelimit.MetricsSink.
func (m *Metrics) IncrementCheck(clientID, status string) error {
	c, err := m.ChecksTotal.GetMetricWithLabelValues(clientID, status)
	if err != nil {
		return err
	}
	c.Inc()
	return nil
}

func (m *Metrics) ObserveCheck(d time.Duration) {
	m.CheckDuration.Observe(d.Seconds())
}

func (m *Metrics) StoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records per-request metrics, skipping ops endpoints.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}
			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
