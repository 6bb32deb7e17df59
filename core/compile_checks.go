package core

import (
	"net/http"

	glog "github.com/goliatone/go-logger/glog"
)

var (
	_ SessionView       = (*SessionStore)(nil)
	_ HTTPDoer          = (*Interceptor)(nil)
	_ http.RoundTripper = (*Interceptor)(nil)
	_ HTTPDoer          = (*http.Client)(nil)

	_ MetricsRecorder = NopMetricsRecorder{}
	_ ErrorReporter   = NopErrorReporter{}
	_ ActionLimiter   = AllowAllLimiter{}
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ OptionsResolver = GoOptionsResolver{}
	_ OAuthStateStore = (*KeyValueOAuthStateStore)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
