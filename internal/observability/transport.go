package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// instrumentedTransport wraps an http.RoundTripper to record request metrics.
type instrumentedTransport struct {
	base    http.RoundTripper
	metrics *Metrics
}

// InstrumentTransport returns an http.RoundTripper that records request
// metrics for every request sent through it. It measures request duration,
// counts total requests, and counts failures (transport errors and status
// >= 400). Metrics are tagged with method and status; transport errors
// report status 0. A nil base uses http.DefaultTransport.
//
// Usage:
//
//	client := &http.Client{Transport: observability.InstrumentTransport(nil, metrics)}
func InstrumentTransport(base http.RoundTripper, metrics *Metrics) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &instrumentedTransport{
		base:    base,
		metrics: metrics,
	}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)

	duration := float64(time.Since(start).Milliseconds())
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	attrs := otelmetric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("status", strconv.Itoa(status)),
	)

	ctx := req.Context()
	t.metrics.HTTPRequestDuration.Record(ctx, duration, attrs)
	t.metrics.HTTPRequestTotal.Add(ctx, 1, attrs)

	if err != nil || status >= 400 {
		t.metrics.HTTPRequestErrors.Add(ctx, 1, attrs)
	}

	return resp, err
}
