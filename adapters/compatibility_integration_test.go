package adapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-authsession/adapters/gocommand"
	"github.com/goliatone/go-authsession/adapters/gojob"
	"github.com/goliatone/go-authsession/adapters/gologger"
	authprometheus "github.com/goliatone/go-authsession/adapters/prometheus"
	authcommand "github.com/goliatone/go-authsession/command"
	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers/devkit"
	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRuntimeCompatibility_ErrorReportsFlowIntoGoJob(t *testing.T) {
	logger := &compatLogger{}
	provider := &compatProvider{logger: logger}
	resolvedProvider, resolvedLogger, jobProvider, jobLogger := gologger.ResolveForJob("authsession", provider, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	enqueuer := &compatEnqueuer{}
	registry := prometheus.NewRegistry()
	store, err := core.NewSessionStore(core.DefaultConfig(),
		core.WithLoggerProvider(resolvedProvider),
		core.WithProviders(devkit.NewFakeCapableProvider("local")),
		core.WithErrorReporter(gojob.NewErrorReportEnqueuer(enqueuer, resolvedLogger)),
		core.WithMetricsRecorder(authprometheus.NewRecorder(registry)),
	)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}

	if _, err := store.StartAnonymousSession(context.Background()); !core.HasTextCode(err, core.ErrorAnonymousNotAllowed) {
		t.Fatalf("expected anonymous start to be refused, got %v", err)
	}

	msg := enqueuer.wait(t, time.Second)
	report, err := gojob.ReportFromExecutionMessage(msg)
	if err != nil {
		t.Fatalf("decode enqueued report: %v", err)
	}
	if report.TextCode != core.ErrorAnonymousNotAllowed || report.Operation != "start_anonymous_session" {
		t.Fatalf("unexpected enqueued report: %+v", report)
	}
}

func TestRuntimeCompatibility_SessionCommandsMirrorIntoQueueRegistry(t *testing.T) {
	local := devkit.NewFakeCapableProvider("local")
	local.StartAnonymous = func(context.Context) (core.RawSession, error) {
		return devkit.AnonymousSession("anon"), nil
	}
	cfg := core.DefaultConfig()
	cfg.Anonymous.Enabled = true
	store, err := core.NewSessionStore(cfg, core.WithProviders(local))
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}

	queueRegistry := jobqueuecommand.NewRegistry()
	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	subs, err := gocommand.RegisterSession(adapter, store, store.Registry())
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}

	if _, ok := queueRegistry.Get(authcommand.TypeStartAnonymous); !ok {
		t.Fatalf("expected anonymous start command to be mirrored into the go-job queue registry")
	}

	if err := gocommand.Dispatch(context.Background(), authcommand.StartAnonymousSessionMessage{}); err != nil {
		t.Fatalf("dispatch anonymous start: %v", err)
	}
	if store.Snapshot().Status != core.SessionStatusAnonymous {
		t.Fatalf("expected dispatched command to start an anonymous session")
	}
}

type compatEnqueuer struct {
	mu   sync.Mutex
	msgs []*job.ExecutionMessage
}

func (e *compatEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *compatEnqueuer) wait(t *testing.T, timeout time.Duration) *job.ExecutionMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.msgs) > 0 {
			msg := e.msgs[0]
			e.mu.Unlock()
			return msg
		}
		e.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for an enqueued error report")
	return nil
}

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                    {}
func (compatLogger) Debug(string, ...any)                    {}
func (compatLogger) Info(string, ...any)                     {}
func (compatLogger) Warn(string, ...any)                     {}
func (compatLogger) Error(string, ...any)                    {}
func (compatLogger) Fatal(string, ...any)                    {}
func (compatLogger) WithContext(context.Context) glog.Logger { return compatLogger{} }
