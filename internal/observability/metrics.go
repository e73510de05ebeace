package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_units_total",
			Help: "Deployment units by kind and terminal state",
		}, []string{"kind", "state"},
	)
	UnitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deployer_unit_duration_seconds",
		Help:    "Deployment unit duration seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	UnitsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deployer_units_in_flight",
		Help: "Deployment units currently running",
	})
	UnitErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_unit_errors_total",
			Help: "Unit failures by error kind",
		}, []string{"type"},
	)
	PlatformRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_platform_requests_total",
			Help: "Platform API requests by method and status code",
		}, []string{"method", "code"},
	)
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_http_requests_total",
			Help: "Total requests served in serve mode",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deployer_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(UnitsTotal, UnitDuration, UnitsInFlight, UnitErrors, PlatformRequests, RequestsTotal, Latency)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

// WriteTextfile dumps every registered metric to path, for node_exporter's
// textfile collector after a one-shot CLI run.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// ObservePlatform counts one platform call. code 0 means no response was received.
func ObservePlatform(method string, code int) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	PlatformRequests.WithLabelValues(method, label).Inc()
}

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
