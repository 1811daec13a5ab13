// Package metrics provides a Prometheus metrics registry for the proxy fleet.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// rubberduck_inflight_requests{proxy_id}
	inFlight *prometheus.GaugeVec

	// rubberduck_requests_total{proxy_id,status,cache,failure}
	requestsTotal *prometheus.CounterVec

	// rubberduck_request_duration_seconds{proxy_id}
	requestDuration *prometheus.HistogramVec

	// rubberduck_upstream_requests_total{provider,status}
	upstreamTotal *prometheus.CounterVec

	// rubberduck_upstream_duration_seconds{provider}
	upstreamDuration *prometheus.HistogramVec

	// rubberduck_api_requests_total{route,status}
	apiRequestsTotal *prometheus.CounterVec

	// rubberduck_api_request_duration_seconds{route}
	apiDuration *prometheus.HistogramVec

	// rubberduck_proxies{status}
	proxies *prometheus.GaugeVec

	// rubberduck_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rubberduck_inflight_requests",
			Help: "Current number of in-flight requests per proxy",
		}, []string{"proxy_id"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rubberduck_requests_total",
			Help: "Total requests handled by proxy listeners",
		}, []string{"proxy_id", "status", "cache", "failure"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rubberduck_request_duration_seconds",
			Help:    "End-to-end request duration per proxy, including simulated delays",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"proxy_id"}),

		upstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rubberduck_upstream_requests_total",
			Help: "Requests forwarded to real provider endpoints",
		}, []string{"provider", "status"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rubberduck_upstream_duration_seconds",
			Help:    "Upstream round-trip duration per provider",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"provider"}),

		apiRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rubberduck_api_requests_total",
			Help: "Management API requests",
		}, []string{"route", "status"}),

		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rubberduck_api_request_duration_seconds",
			Help:    "Management API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		proxies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rubberduck_proxies",
			Help: "Number of proxies per lifecycle status",
		}, []string{"status"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rubberduck_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamTotal,
		r.upstreamDuration,
		r.apiRequestsTotal,
		r.apiDuration,
		r.proxies,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight(proxyID string) { r.inFlight.WithLabelValues(proxyID).Inc() }
func (r *Registry) DecInFlight(proxyID string) { r.inFlight.WithLabelValues(proxyID).Dec() }

// ObserveRequest records one completed data-plane request.
func (r *Registry) ObserveRequest(proxyID string, statusCode int, cacheHit bool, failureType string, dur time.Duration) {
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	r.requestsTotal.WithLabelValues(proxyID, strconv.Itoa(statusCode), cacheLabel, failureType).Inc()
	r.requestDuration.WithLabelValues(proxyID).Observe(dur.Seconds())
}

// ObserveUpstream records one round trip to a real provider endpoint.
func (r *Registry) ObserveUpstream(provider string, statusCode int, dur time.Duration) {
	r.upstreamTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// ObserveAPI records one management API request.
func (r *Registry) ObserveAPI(route string, statusCode int, dur time.Duration) {
	r.apiRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.apiDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// SetProxyCount sets the fleet gauge for one lifecycle status.
func (r *Registry) SetProxyCount(status string, n int) {
	r.proxies.WithLabelValues(status).Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
