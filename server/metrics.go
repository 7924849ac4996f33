package server

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"github.com/prometheus/client_golang/prometheus"

	tracepkg "github.com/ssocore/ssocore/pkg/otel"
)

// metricsHandler labels every request with its method and route for the
// otelhttp span/metric pipeline.
var _ http.Handler = (*metricsHandler)(nil)

type metricsHandler struct {
	handler http.Handler
}

func (m *metricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l, _ := otelhttp.LabelerFromContext(r.Context())
	l.Add(semconv.HTTPMethodKey.String(r.Method))
	l.Add(semconv.HTTPRouteKey.String(r.URL.EscapedPath()))
	ctx, _ := tracepkg.InstrumentHandler(r)
	m.handler.ServeHTTP(w, r.WithContext(ctx))
}

// requestsTotal is a plain request counter exported alongside the otel
// pipeline through the same Prometheus registry cmd/ssocore registers the
// Go and process collectors on.
var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ssocore_http_requests_total",
		Help: "Total HTTP requests served, by route and status class.",
	},
	[]string{"route", "status_class"},
)

type countingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *countingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// wrapWithMetrics wires the router into both the otelhttp labeling pipeline
// and a flat Prometheus counter registered on registry, so cfg's operator
// gets /metrics output without needing a separate OTel collector.
func wrapWithMetrics(handler http.Handler, registry *prometheus.Registry) http.Handler {
	_ = registry.Register(requestsTotal)
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &countingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(cw, r)
		requestsTotal.WithLabelValues(r.URL.EscapedPath(), statusClass(cw.status)).Inc()
	})
	return otelhttp.NewHandler(&metricsHandler{handler: counted}, "ssocore")
}
