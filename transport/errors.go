package transport

import (
	"net/http"

	"github.com/goliatone/go-authsession/core"
	goerrors "github.com/goliatone/go-errors"
)

// errMisconfigured reports a client that cannot send anything.
func errMisconfigured(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

// errBadRequest reports a request that failed before it left the process.
func errBadRequest(source error, message string, metadata map[string]any) error {
	return withMetadata(buildError(source, goerrors.CategoryBadInput, message).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput), metadata)
}

// errBadResponse reports a response the client could not accept.
func errBadResponse(source error, message string, metadata map[string]any) error {
	return withMetadata(buildError(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorRequestServer), metadata)
}

func buildError(source error, category goerrors.Category, message string) *goerrors.Error {
	if source == nil {
		return goerrors.New(message, category)
	}
	return goerrors.Wrap(source, category, message)
}

func withMetadata(err *goerrors.Error, metadata map[string]any) *goerrors.Error {
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}
