package core

import "context"

const (
	MetricRefresh           = "authsession.refresh"
	MetricRetry             = "authsession.retry"
	MetricBreakerTransition = "authsession.breaker.transition"
	MetricRateLimitDenied   = "authsession.ratelimit.denied"
	MetricRequestDuration   = "authsession.request.duration_ms"
	MetricOperationPrefix   = "authsession."
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

type NopErrorReporter struct{}

func (NopErrorReporter) Report(context.Context, ErrorReport) error { return nil }

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
