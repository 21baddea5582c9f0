package providers

import (
	"context"
	"time"

	"github.com/toutatis-dev/huddle/internal/observability"
)

// Instrument wraps an Invoker so every call lands in the provider
// latency histogram with an ok/reason status label.
func Instrument(next Invoker, metrics *observability.Metrics) Invoker {
	if next == nil || metrics == nil {
		return next
	}
	return &instrumented{next: next, metrics: metrics}
}

type instrumented struct {
	next    Invoker
	metrics *observability.Metrics
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := i.next.Invoke(ctx, req)
	status := "ok"
	if err != nil {
		status = string(ReasonOf(err))
	}
	i.metrics.RecordProviderRequest(i.next.Name(), req.Model, status, time.Since(start).Seconds())
	return resp, err
}
