package main

import (
	"io"
	"os"

	glog "github.com/goliatone/go-logger/glog"
)

// newCLILogger returns a console logger on w when verbose, otherwise a no-op.
func newCLILogger(w io.Writer, verbose bool) glog.Logger {
	if !verbose {
		return glog.Nop()
	}
	if w == nil {
		w = os.Stderr
	}
	return glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLevel("debug"),
		glog.WithLoggerTypeConsole(),
		glog.WithName("authsession"),
	)
}
