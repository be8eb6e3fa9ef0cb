package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure shared by the client and the server.
type Code string

const (
	CodeOffline          Code = "OFFLINE"            // 503
	CodeNetwork          Code = "NETWORK"            // 502
	CodeStorageQuota     Code = "STORAGE_QUOTA"      // 507
	CodePermission       Code = "PERMISSION"         // 403
	CodeSave             Code = "SAVE_FAILED"        // 500
	CodeDuplicateLocalID Code = "DUPLICATE_LOCAL_ID" // 409
	CodeCapacity         Code = "CAPACITY_EXCEEDED"  // 422
	CodeInvalidRequest   Code = "INVALID_REQUEST"    // 400
	CodeNotFound         Code = "NOT_FOUND"          // 404
	CodeInternal         Code = "INTERNAL"           // 500
)

// Error is a structured error with a code, an HTTP status and details.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the Sync Engine may try the same item again.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeOffline, CodeNetwork, CodeSave, CodeInternal:
		return true
	default:
		return false
	}
}

// New builds an error for code, deriving the HTTP status from it.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Status: StatusFor(code), Message: msg}
}

// Wrap is New with an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	e := New(code, msg)
	e.Err = err
	return e
}

func NewOffline(err error) *Error {
	return Wrap(CodeOffline, "no connectivity", err)
}

func NewNetwork(msg string, err error) *Error {
	return Wrap(CodeNetwork, msg, err)
}

func NewStorageQuota(msg string) *Error {
	return New(CodeStorageQuota, msg)
}

func NewPermission(msg string) *Error {
	return New(CodePermission, msg)
}

func NewSave(msg string, err error) *Error {
	return Wrap(CodeSave, msg, err)
}

func NewDuplicateLocalID(localID string) *Error {
	e := New(CodeDuplicateLocalID, fmt.Sprintf("queued memory already exists: %s", localID))
	e.Details = map[string]any{"local_id": localID}
	return e
}

// NewCapacity reports a rejected media add; max is the cap for kind.
func NewCapacity(kind string, max int) *Error {
	e := New(CodeCapacity, fmt.Sprintf("at most %d %s allowed", max, kind))
	e.Details = map[string]any{"kind": kind, "max": max}
	return e
}

func NewInvalidRequest(msg string) *Error {
	return New(CodeInvalidRequest, msg)
}

func NewNotFound(what, id string) *Error {
	e := New(CodeNotFound, fmt.Sprintf("%s not found: %s", what, id))
	e.Details = map[string]any{"id": id}
	return e
}

func NewInternal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return New(CodeInternal, msg)
}

// StatusFor maps a code onto the HTTP status the server API answers with.
func StatusFor(code Code) int {
	switch code {
	case CodeOffline:
		return http.StatusServiceUnavailable
	case CodeNetwork:
		return http.StatusBadGateway
	case CodeStorageQuota:
		return http.StatusInsufficientStorage
	case CodePermission:
		return http.StatusForbidden
	case CodeDuplicateLocalID:
		return http.StatusConflict
	case CodeCapacity:
		return http.StatusUnprocessableEntity
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is checks if err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable treats foreign errors as retryable; only typed fatal codes stop retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return true
}

// IsFatalCode reports whether an item that failed with code must wait for the user.
func IsFatalCode(code Code) bool {
	switch code {
	case CodeStorageQuota, CodePermission, CodeInvalidRequest, CodeDuplicateLocalID, CodeCapacity:
		return true
	default:
		return false
	}
}
