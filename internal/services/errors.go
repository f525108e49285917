package services

import "errors"

// Error taxonomy shared by the session, message and call services. Callers wrap
// them with fmt.Errorf("%w: ...") and the gateway/handlers translate them with
// ErrorCode.
var (
	// ErrNotFound indicates the chat or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller is not a participant.
	ErrUnauthorized = errors.New("not a participant")

	// ErrInvalidState indicates the operation is not valid for the current
	// lifecycle state, e.g. answering a call that already ended.
	ErrInvalidState = errors.New("invalid state")

	// ErrExternalDependency indicates the media relay failed to issue a token.
	ErrExternalDependency = errors.New("external dependency failure")

	// ErrValidation indicates a malformed message or call payload.
	ErrValidation = errors.New("validation failure")
)

// Wire codes used in error events and HTTP error bodies.
const (
	CodeNotFound           = "not_found"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidState       = "invalid_state"
	CodeExternalDependency = "external_dependency_failure"
	CodeValidation         = "validation_failure"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// ErrorCode maps err onto the wire taxonomy.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrExternalDependency):
		return CodeExternalDependency
	case errors.Is(err, ErrValidation):
		return CodeValidation
	default:
		return CodeInternal
	}
}
