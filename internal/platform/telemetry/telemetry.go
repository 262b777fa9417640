// Package telemetry exposes Prometheus metrics for the facility service:
// HTTP request latency, admission workflow outcomes and version-conflict
// retries.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "facility"

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// MetricsEnabled turns the HTTP middleware into a no-op when false.
	// Workflow counters are still recorded.
	MetricsEnabled bool
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

// defaultDurationBuckets are HTTP latency buckets in seconds.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// Provider owns a private registry so tests can create as many as they need.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	outcomes        *prometheus.CounterVec
	conflictRetries *prometheus.CounterVec
}

func NewProvider(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{}
	if cfg.ServiceName != "" {
		constLabels["service"] = cfg.ServiceName
	}

	p := &Provider{
		cfg:      cfg,
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request latency by method, route and status.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "active_requests",
			Help:        "Requests currently being served.",
			ConstLabels: constLabels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "operations_total",
			Help:        "Room and booking operations by outcome.",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "conflict_retries_total",
			Help:        "Units of work re-run after an optimistic version conflict.",
			ConstLabels: constLabels,
		}, []string{"op"}),
	}

	reg.MustRegister(p.requestDuration, p.activeRequests, p.outcomes, p.conflictRetries)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Always 1, labelled with the running version.",
		ConstLabels: prometheus.Labels{"version": cfg.ServiceVersion, "environment": cfg.Environment},
	}, func() float64 { return 1 }))
	if cfg.RuntimeCollectors {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return p
}

// Registry is exposed for callers that register their own collectors.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Outcome implements facility.Metrics.
func (p *Provider) Outcome(op, result string) {
	p.outcomes.WithLabelValues(op, result).Inc()
}

// ConflictRetry implements facility.Metrics.
func (p *Provider) ConflictRetry(op string) {
	p.conflictRetries.WithLabelValues(op).Inc()
}

// MetricsMiddleware records request latency keyed by the route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.MetricsEnabled {
				return next(c)
			}
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.requestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(statusOf(c, err))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// statusOf returns the status the error handler will write when the handler
// returned an error before committing a response.
func statusOf(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return 500
	}
	return c.Response().Status
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
