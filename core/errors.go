package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorSessionInvalid            = "AUTH_SESSION_INVALID"
	ErrorProfileFetchFailed        = "AUTH_PROFILE_FETCH_FAILED"
	ErrorProviderNotFound          = "AUTH_PROVIDER_NOT_FOUND"
	ErrorAnonymousNotAllowed       = "AUTH_ANONYMOUS_NOT_ALLOWED"
	ErrorAnonymousConversionFailed = "AUTH_ANONYMOUS_CONVERSION_FAILED"
	ErrorSignOutFailed             = "AUTH_SIGNOUT_FAILED"
	ErrorInitializationFailed      = "AUTH_INITIALIZATION_FAILED"
	ErrorRateLimited               = "AUTH_RATE_LIMITED"
	ErrorSessionExpired            = "AUTH_SESSION_EXPIRED"
	ErrorValidationFailed          = "AUTH_VALIDATION_FAILED"
	ErrorCircuitOpen               = "AUTH_CIRCUIT_OPEN"
	ErrorAccountExists             = "AUTH_ACCOUNT_EXISTS"
	ErrorBadInput                  = "AUTH_BAD_INPUT"
	ErrorInternal                  = "AUTH_INTERNAL_ERROR"
	ErrorRequestNetwork            = "REQUEST_NETWORK"
	ErrorRequestTimeout            = "REQUEST_TIMEOUT"
	ErrorRequestUnauthorized       = "REQUEST_UNAUTHORIZED"
	ErrorRequestRateLimited        = "REQUEST_RATE_LIMITED"
	ErrorRequestClient             = "REQUEST_CLIENT"
	ErrorRequestServer             = "REQUEST_SERVER"
	ErrorRequestUnknown            = "REQUEST_UNKNOWN"
)

var userMessages = map[string]string{
	ErrorSessionInvalid:            "Your session is no longer valid. Please sign in again.",
	ErrorProfileFetchFailed:        "We could not load your profile. Please try again shortly.",
	ErrorProviderNotFound:          "This sign-in method is not available.",
	ErrorAnonymousNotAllowed:       "Guest access is disabled. Please sign in.",
	ErrorAnonymousConversionFailed: "We could not create your account. Please try again.",
	ErrorSignOutFailed:             "Sign out did not complete on the server, but you have been signed out locally.",
	ErrorInitializationFailed:      "We could not restore your session. Please sign in.",
	ErrorRateLimited:               "Too many attempts. Please wait a moment and try again.",
	ErrorSessionExpired:            "Your session has expired. Please sign in again.",
	ErrorValidationFailed:          "We could not verify your session. Please sign in again.",
	ErrorCircuitOpen:               "The service is temporarily unavailable. Please try again in a moment.",
	ErrorAccountExists:             "An account with this email already exists. Sign in with that account to link it.",
	ErrorBadInput:                  "Some of the information provided is invalid.",
	ErrorInternal:                  "An unexpected error occurred.",
	ErrorRequestNetwork:            "Network connection problem. Check your connection and try again.",
	ErrorRequestTimeout:            "The request timed out. Please try again.",
	ErrorRequestUnauthorized:       "You need to sign in again to continue.",
	ErrorRequestRateLimited:        "Too many requests. Please wait a moment and try again.",
	ErrorRequestClient:             "The request could not be completed.",
	ErrorRequestServer:             "The server had a problem. Please try again later.",
	ErrorRequestUnknown:            "Something went wrong. Please try again.",
}

// UserMessage returns the human-readable message for a text code.
func UserMessage(textCode string) string {
	if msg, ok := userMessages[strings.TrimSpace(textCode)]; ok {
		return msg
	}
	return userMessages[ErrorRequestUnknown]
}

// NewAuthError builds the envelope used for every terminal failure.
func NewAuthError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureAuthErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func wrapAuthError(err error, category goerrors.Category, textCode string, message string) *goerrors.Error {
	if err == nil {
		return nil
	}
	wrapped := goerrors.Wrap(err, category, message)
	wrapped.Category = category
	wrapped.Code = 0
	wrapped.TextCode = textCode
	// A cloned source carries the message for its own text code.
	delete(wrapped.Metadata, "user_message")
	return ensureAuthErrorEnvelope(wrapped)
}

// HasTextCode reports whether err carries the given text code.
func HasTextCode(err error, textCode string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}

// TextCodeOf returns the text code carried by err, if any.
func TextCodeOf(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return ""
	}
	return richErr.TextCode
}

func authErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureAuthErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "provider") && strings.Contains(msg, "not registered"):
		return NewAuthError(err.Error(), goerrors.CategoryNotFound, ErrorProviderNotFound)
	case strings.Contains(msg, "circuit") && strings.Contains(msg, "open"):
		return NewAuthError(err.Error(), goerrors.CategoryOperation, ErrorCircuitOpen)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many"):
		return NewAuthError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must be"):
		return NewAuthError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureAuthErrorEnvelope(mapped)
}

func ensureAuthErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = authHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultAuthTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	if err.Metadata == nil {
		err.Metadata = map[string]any{}
	}
	if _, ok := err.Metadata["user_message"]; !ok {
		err.Metadata["user_message"] = UserMessage(err.TextCode)
	}
	return err
}

func defaultAuthTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorProviderNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorSessionInvalid
	case goerrors.CategoryConflict:
		return ErrorAccountExists
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	default:
		return ErrorInternal
	}
}

func authHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
