package myhttp

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/metric"
)

// newServerMux builds the instrumented mux the comparison server routes
// through. Handlers registered via the WithMiddleware variants get a span,
// a latency sample and panic recovery; plumbing routes like /healthz and
// /metrics register plain.
func newServerMux(logger *slog.Logger, httpRequestsDurationMicroSeconds metric.Int64Histogram) *myRouter {
	return &myRouter{
		ServeMux:                         http.NewServeMux(),
		logger:                           logger,
		httpRequestsDurationMicroSeconds: httpRequestsDurationMicroSeconds,
	}
}

var NewServerMux = newServerMux
