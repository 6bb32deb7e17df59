package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-authsession/core"
	glog "github.com/goliatone/go-logger/glog"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDErrorReport      = "authsession.error_report"
	ScriptPathErrorReport = "authsession.error_report"
)

const (
	paramTextCode   = "text_code"
	paramCategory   = "category"
	paramMessage    = "message"
	paramOperation  = "operation"
	paramProvider   = "provider"
	paramOccurredAt = "occurred_at"
	paramMetadata   = "metadata"
)

// RetryPolicy bounds how often a failed report delivery is requeued.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt clamps the delay and stops requeueing once attempt
// reaches MaxAttempts.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps an error report onto a go-job message. The
// idempotency key collapses duplicate reports of the same failure instant.
func ToExecutionMessage(report core.ErrorReport) *job.ExecutionMessage {
	occurredAt := report.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	params := map[string]any{
		paramTextCode:   strings.TrimSpace(report.TextCode),
		paramCategory:   strings.TrimSpace(report.Category),
		paramMessage:    report.Message,
		paramOperation:  strings.TrimSpace(report.Operation),
		paramProvider:   strings.TrimSpace(report.Provider),
		paramOccurredAt: occurredAt.UTC().Format(time.RFC3339Nano),
	}
	if len(report.Metadata) > 0 {
		params[paramMetadata] = core.RedactSensitiveMap(report.Metadata)
	}
	return &job.ExecutionMessage{
		JobID:      JobIDErrorReport,
		ScriptPath: ScriptPathErrorReport,
		Parameters: params,
		IdempotencyKey: strings.Join([]string{
			JobIDErrorReport,
			strings.TrimSpace(report.Operation),
			strings.TrimSpace(report.TextCode),
			fmt.Sprint(occurredAt.UnixNano()),
		}, ":"),
	}
}

// ReportFromExecutionMessage decodes a message built by ToExecutionMessage.
func ReportFromExecutionMessage(msg *job.ExecutionMessage) (core.ErrorReport, error) {
	if msg == nil {
		return core.ErrorReport{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDErrorReport {
		return core.ErrorReport{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	params := msg.Parameters
	report := core.ErrorReport{
		TextCode:  stringParam(params, paramTextCode),
		Category:  stringParam(params, paramCategory),
		Message:   stringParam(params, paramMessage),
		Operation: stringParam(params, paramOperation),
		Provider:  stringParam(params, paramProvider),
	}
	if raw := stringParam(params, paramOccurredAt); raw != "" {
		occurredAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return core.ErrorReport{}, fmt.Errorf("gojob: invalid occurred_at: %w", err)
		}
		report.OccurredAt = occurredAt
	}
	if metadata, ok := params[paramMetadata].(map[string]any); ok {
		report.Metadata = copyAnyMap(metadata)
	}
	return report, nil
}

// ErrorReportEnqueuer is a core.ErrorReporter that hands reports to a go-job
// queue instead of calling the tracker inline.
type ErrorReportEnqueuer struct {
	enqueuer queue.Enqueuer
	logger   glog.Logger
}

func NewErrorReportEnqueuer(enqueuer queue.Enqueuer, logger glog.Logger) *ErrorReportEnqueuer {
	return &ErrorReportEnqueuer{enqueuer: enqueuer, logger: glog.Ensure(logger)}
}

func (e *ErrorReportEnqueuer) Report(ctx context.Context, report core.ErrorReport) error {
	if e == nil || e.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	msg := ToExecutionMessage(report)
	if err := e.enqueuer.Enqueue(ctx, msg); err != nil {
		e.logger.Warn("error report enqueue failed",
			"operation", report.Operation,
			"text_code", report.TextCode,
			"error", err.Error(),
		)
		return fmt.Errorf("gojob: enqueue error report: %w", err)
	}
	return nil
}

// ReportHandler delivers one decoded report to the real tracker.
type ReportHandler func(ctx context.Context, report core.ErrorReport) error

// ReportConsumer drains error report deliveries from a go-job dequeuer.
// Attempts are counted per idempotency key for the consumer's lifetime.
type ReportConsumer struct {
	dequeuer   queue.Dequeuer
	handler    ReportHandler
	policy     RetryPolicy
	retryDelay time.Duration
	logger     glog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func NewReportConsumer(dequeuer queue.Dequeuer, handler ReportHandler, policy RetryPolicy, logger glog.Logger) *ReportConsumer {
	return &ReportConsumer{
		dequeuer:   dequeuer,
		handler:    handler,
		policy:     policy,
		retryDelay: time.Second,
		logger:     glog.Ensure(logger),
		attempts:   map[string]int{},
	}
}

// ProcessNext dequeues one delivery and acks or nacks it. Undecodable
// messages go straight to the dead letter queue.
func (c *ReportConsumer) ProcessNext(ctx context.Context) error {
	if c == nil || c.dequeuer == nil || c.handler == nil {
		return fmt.Errorf("gojob: report consumer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	report, err := ReportFromExecutionMessage(msg)
	if err != nil {
		c.logger.Warn("dropping undecodable error report", "error", err.Error())
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}

	key := ""
	if msg != nil {
		key = msg.IdempotencyKey
	}
	if err := c.handler(ctx, report); err != nil {
		attempt := c.recordAttempt(key)
		opts := c.policy.NormalizeAttempt(queue.NackOptions{
			Delay:   c.retryDelay * time.Duration(attempt),
			Requeue: true,
			Reason:  err.Error(),
		}, attempt)
		if !opts.Requeue {
			c.forget(key)
		}
		return delivery.Nack(ctx, opts)
	}
	c.forget(key)
	return delivery.Ack(ctx)
}

func (c *ReportConsumer) recordAttempt(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[key]++
	return c.attempts[key]
}

func (c *ReportConsumer) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, key)
}

// LoggingHook logs go-job worker lifecycle events for error report jobs.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(_ context.Context, event worker.Event) {
	h.log("debug", "error report job started", event)
}

func (h *LoggingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.log("debug", "error report job delivered", event)
}

func (h *LoggingHook) OnFailure(_ context.Context, event worker.Event) {
	h.log("error", "error report job failed", event)
}

func (h *LoggingHook) OnRetry(_ context.Context, event worker.Event) {
	h.log("warn", "error report job retrying", event)
}

func (h *LoggingHook) log(level, message string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	fields := eventFields(event)
	switch level {
	case "error":
		h.logger.Error(message, fields...)
	case "warn":
		h.logger.Warn(message, fields...)
	default:
		h.logger.Debug(message, fields...)
	}
}

func eventFields(event worker.Event) []any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	fields := []any{"attempt", event.Attempt}
	if message != nil {
		fields = append(fields, "job_id", message.JobID, "idempotency_key", message.IdempotencyKey)
	}
	if event.Delay > 0 {
		fields = append(fields, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Duration > 0 {
		fields = append(fields, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.ErrorReporter = (*ErrorReportEnqueuer)(nil)
	_ worker.Hook        = (*LoggingHook)(nil)
)
