package command

import (
	"net/http"

	"github.com/goliatone/go-authsession/core"
	goerrors "github.com/goliatone/go-errors"
)

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

func commandValidationError(field string, message string) error {
	return goerrors.NewValidation("command: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// commandWrapValidation lifts ozzo field errors into the go-errors envelope.
func commandWrapValidation(err error, message string) error {
	if err == nil {
		return nil
	}
	return goerrors.FromOzzoValidation(err, message).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
}
