package metrics

import (
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v6"
	"github.com/uber-go/tally/v6/prometheus"
)

// NewReporter builds a root scope that reports through Prometheus. The
// returned handler serves the scrape endpoint.
func NewReporter(serviceName string) (tally.Scope, io.Closer, http.Handler) {
	reporter := prometheus.NewReporter(prometheus.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Tags:            map[string]string{"service": serviceName},
		CachedReporter:  reporter,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, 10*time.Second)

	scope.Counter("service_started").Inc(1)
	return scope, closer, reporter.HTTPHandler()
}

// EndpointMetrics counts calls and outcomes of one endpoint.
type EndpointMetrics struct {
	Calls                 tally.Counter
	InvalidArgumentErrors tally.Counter
	NotFoundErrors        tally.Counter
	UnauthenticatedErrors tally.Counter
	RateLimitedErrors     tally.Counter
	InternalErrors        tally.Counter
	Successes             tally.Counter
}

// NewEndpointMetrics creates the counters for endpoint under scope.
func NewEndpointMetrics(scope tally.Scope, endpoint string) *EndpointMetrics {
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.Tagged(map[string]string{
		"component": "handler",
		"endpoint":  endpoint,
	})
	errorCounter := func(kind string) tally.Counter {
		return scope.Tagged(map[string]string{"error": kind}).Counter("error")
	}
	return &EndpointMetrics{
		Calls:                 scope.Counter("calls"),
		InvalidArgumentErrors: errorCounter("invalid_argument"),
		NotFoundErrors:        errorCounter("not_found"),
		UnauthenticatedErrors: errorCounter("unauthenticated"),
		RateLimitedErrors:     errorCounter("rate_limited"),
		InternalErrors:        errorCounter("internal"),
		Successes:             scope.Counter("success"),
	}
}

// Observe records the outcome of a call by its HTTP status.
func (m *EndpointMetrics) Observe(status int) {
	m.Calls.Inc(1)
	switch {
	case status < 400:
		m.Successes.Inc(1)
	case status == http.StatusNotFound:
		m.NotFoundErrors.Inc(1)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		m.UnauthenticatedErrors.Inc(1)
	case status == http.StatusTooManyRequests:
		m.RateLimitedErrors.Inc(1)
	case status < 500:
		m.InvalidArgumentErrors.Inc(1)
	default:
		m.InternalErrors.Inc(1)
	}
}
