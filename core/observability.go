package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// observer bundles the logging, metrics and error-reporting sinks shared by
// the store, the interceptor and the breakers.
type observer struct {
	logger   Logger
	metrics  MetricsRecorder
	reporter ErrorReporter
	now      Clock
}

func (o *observer) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := o.clock().Sub(startedAt)

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		if code := TextCodeOf(err); code != "" {
			contextFields["text_code"] = code
		}
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"provider", "action", "breaker"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	o.recordCounter(ctx, MetricOperationPrefix+operation+".total", 1, tags)
	o.recordHistogram(ctx, MetricOperationPrefix+operation+".duration_ms", float64(elapsed.Milliseconds()), tags)

	if err != nil {
		o.logWithLevel(ctx, "error", operation+" failed", contextFields)
		return
	}
	o.logWithLevel(ctx, "debug", operation+" succeeded", contextFields)
}

func (o *observer) logDebug(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "debug", message, fields)
}

func (o *observer) logInfo(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *observer) logWarn(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "warn", message, fields)
}

func (o *observer) logError(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *observer) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.logger == nil {
		return
	}
	fields = RedactSensitiveMap(fields)
	logger := o.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (o *observer) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (o *observer) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

// reportError forwards err to the side-channel reporter on its own goroutine.
// Reporter failures and panics are logged and swallowed.
func (o *observer) reportError(ctx context.Context, operation string, provider string, err error) {
	if o == nil || o.reporter == nil || err == nil {
		return
	}
	report := ErrorReport{
		Operation:  normalizeOperation(operation),
		Provider:   provider,
		Message:    err.Error(),
		OccurredAt: o.clock(),
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		report.TextCode = richErr.TextCode
		report.Category = richErr.Category.String()
		report.Metadata = RedactSensitiveMap(richErr.Metadata)
	}
	reportCtx := context.WithoutCancel(contextOrBackground(ctx))
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				o.logWarn(reportCtx, "error reporter panicked", map[string]any{"panic": fmt.Sprint(recovered)})
			}
		}()
		if reportErr := o.reporter.Report(reportCtx, report); reportErr != nil {
			o.logWarn(reportCtx, "error report failed", map[string]any{
				"operation": report.Operation,
				"error":     reportErr.Error(),
			})
		}
	}()
}

func (o *observer) clock() time.Time {
	if o == nil || o.now == nil {
		return time.Now().UTC()
	}
	return o.now().UTC()
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
