// Package apperr defines the error taxonomy shared by every HTTP surface
// (sandbox HTTP server, bridge, edge router). A single typed Error keeps
// status code, machine-readable code, and operator-facing details next
// to the human message, so handlers never hand-roll JSON.
package apperr

import "net/http"

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeSecurityViolation Code = "SECURITY_VIOLATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeFileNotFound     Code = "FILE_NOT_FOUND"
	CodeFileExists       Code = "FILE_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeFilesystemError  Code = "FILESYSTEM_ERROR"
	CodeCommandNotFound  Code = "COMMAND_NOT_FOUND"
	CodeProcessNotFound  Code = "PROCESS_NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePortAlreadyExposed Code = "PORT_ALREADY_EXPOSED"
	CodePortNotExposed   Code = "PORT_NOT_EXPOSED"
	CodeInvalidPort      Code = "INVALID_PORT"
	CodeInvalidToken     Code = "INVALID_TOKEN"
	CodeGitRepositoryNotFound Code = "GIT_REPOSITORY_NOT_FOUND"
	CodeGitBranchNotFound     Code = "GIT_BRANCH_NOT_FOUND"
	CodeGitAuthenticationError Code = "GIT_AUTHENTICATION_ERROR"
	CodeGitNetworkError  Code = "GIT_NETWORK_ERROR"
	CodeGitCloneError    Code = "GIT_CLONE_ERROR"
	CodeInvalidGitURL    Code = "INVALID_GIT_URL"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// ViolationType enumerates SECURITY_VIOLATION sub-kinds.
type ViolationType string

const (
	ViolationPathTraversal   ViolationType = "PATH_TRAVERSAL"
	ViolationCommandInjection ViolationType = "COMMAND_INJECTION"
	ViolationReservedPort    ViolationType = "RESERVED_PORT"
	ViolationMaliciousURL    ViolationType = "MALICIOUS_URL"
)

// Error is the typed error every public-facing operation should return.
// It implements the standard error interface so it composes with %w/errors.As.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func newErr(code Code, status int, msg string, details map[string]any) *Error {
	return &Error{Code: code, Status: status, Message: msg, Details: details}
}

// Validation builds a 400 VALIDATION_ERROR with field-level details.
func Validation(msg string, fields ...map[string]any) *Error {
	var details map[string]any
	if len(fields) > 0 {
		details = map[string]any{"fields": fields}
	}
	return newErr(CodeValidation, http.StatusBadRequest, msg, details)
}

// SecurityViolation builds a SECURITY_VIOLATION error. status defaults to
// 400 for most violation types; callers pass 403 explicitly when stricter
// semantics are wanted.
func SecurityViolation(status int, violation ViolationType, blockedValue, reason string) *Error {
	return newErr(CodeSecurityViolation, status, "request rejected by security policy", map[string]any{
		"violationType": violation,
		"blockedValue":  blockedValue,
		"reason":        reason,
	})
}

// NotFound builds a 404 NOT_FOUND error naming the missing resource.
func NotFound(resource, identifier string) *Error {
	return newErr(CodeNotFound, http.StatusNotFound, resource+" not found", map[string]any{
		"resource":   resource,
		"identifier": identifier,
	})
}

// WithCode builds an error for any other taxonomy code with an explicit
// HTTP status and human message (used for FILE_NOT_FOUND, GIT_*, etc.).
func WithCode(code Code, status int, msg string) *Error {
	return newErr(code, status, msg, nil)
}

// Internal wraps an unexpected error as a 500 INTERNAL_ERROR, attaching a
// requestId but never leaking the original error string to the public
// payload (the original is logged separately by the caller).
func Internal(requestID string) *Error {
	return newErr(CodeInternal, http.StatusInternalServerError, "internal error", map[string]any{
		"requestId": requestID,
	})
}

// As extracts an *Error from err, or nil if err is not one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return nil
}
