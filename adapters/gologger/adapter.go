package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultName is the logger name the session store and its adapters use.
const DefaultName = "authsession"

// Resolve picks provider over logger over nop. An empty name falls back to
// DefaultName.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	return glog.Resolve(name, provider, logger)
}

// Component returns the logger for one component (for example
// "authsession.backend") from the resolved provider.
func Component(provider glog.LoggerProvider, logger glog.Logger, component string) glog.Logger {
	component = strings.TrimSpace(component)
	resolvedProvider, resolved := Resolve(DefaultName, provider, logger)
	if component == "" || resolvedProvider == nil {
		return glog.Ensure(resolved)
	}
	return glog.Ensure(resolvedProvider.GetLogger(DefaultName + "." + component))
}

// ToJobProvider maps a glog provider onto the go-job logger provider used by
// queue workers that deliver error reports.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the glog pair and returns the go-job equivalents.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
