// Package metrics exposes Prometheus counters for downloads, imports, stored
// rows and API requests.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadmayfield/aqimport/pkg/decode"
	"github.com/chadmayfield/aqimport/pkg/fetch"
	"github.com/chadmayfield/aqimport/pkg/importer"
)

const namespace = "aqimport"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	downloads       *prometheus.CounterVec
	imports         *prometheus.CounterVec
	storedRows      *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the aqimport collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Artifact downloads by source and result",
		}, []string{"source", "result"}),
		imports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Series imports by source and outcome",
		}, []string{"source", "outcome"}),
		storedRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_measurements_total",
			Help:      "Measurements written to the store",
		}, []string{"source"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		}, []string{"route"}),
	}
}

// ObserveDownload implements importer.Observer.
func (m *Metrics) ObserveDownload(source string, err error) {
	m.downloads.WithLabelValues(source, downloadResult(err)).Inc()
}

// ObserveImport implements importer.Observer.
func (m *Metrics) ObserveImport(source string, outcome importer.Outcome) {
	m.imports.WithLabelValues(source, outcome.String()).Inc()
}

// ObserveStored counts measurements persisted for source.
func (m *Metrics) ObserveStored(source string, n int) {
	m.storedRows.WithLabelValues(source).Add(float64(n))
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func downloadResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fetch.ErrNotFound):
		return "not_found"
	case errors.Is(err, fetch.ErrTransport):
		return "transport_error"
	case errors.Is(err, decode.ErrDecode):
		return "decode_error"
	default:
		return "error"
	}
}

var _ importer.Observer = (*Metrics)(nil)
