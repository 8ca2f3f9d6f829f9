// Package errors defines the normalized error taxonomy returned across the
// storage backend boundary. Backend-specific error types (AWS SDK, smithy,
// net/http) never leave the adapter; callers only see *StorageError.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
)

// Kind classifies a StorageError.
type Kind string

const (
	// KindBackend wraps any transport or protocol failure from the backend.
	KindBackend Kind = "BackendError"
	// KindInvalidUploadID is returned when the backend accepted a
	// create-multipart call but did not issue an upload id.
	KindInvalidUploadID Kind = "InvalidUploadId"
	// KindCancelled marks operations aborted through their context.
	KindCancelled Kind = "Cancelled"
	// KindNotFound is surfaced by query layers outside the adapter and passed
	// through unchanged.
	KindNotFound Kind = "NotFound"
)

// StatusClientClosedRequest is the status attached to cancelled operations.
const StatusClientClosedRequest = 499

// StorageError is the single error shape callers of the storage layer receive.
type StorageError struct {
	// Kind is the normalized error kind.
	Kind Kind
	// Code is the machine-readable code reported by the backend (e.g. "NoSuchKey").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP-like status code of the failure.
	HTTPStatus int
	// Err is the original error, kept for logging only. StorageError has no
	// Unwrap, so errors.As never reaches backend-specific types through it.
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s (%d): %s", e.Kind, e.Code, e.HTTPStatus, e.Message)
}

// Is reports whether target is a StorageError of the same kind and code.
// A target with an empty Code matches any error of its kind.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels usable with errors.Is.
var (
	// ErrBackend matches every backend error.
	ErrBackend = &StorageError{Kind: KindBackend}
	// ErrCancelled matches every cancelled operation.
	ErrCancelled = &StorageError{Kind: KindCancelled}
	// ErrInvalidUploadID matches a missing multipart upload id.
	ErrInvalidUploadID = &StorageError{Kind: KindInvalidUploadID}
	// ErrNotFound matches not-found errors from query layers.
	ErrNotFound = &StorageError{Kind: KindNotFound}
)

// InvalidUploadID returns the error for a create-multipart call that returned
// no upload id.
func InvalidUploadID() *StorageError {
	return &StorageError{
		Kind:       KindInvalidUploadID,
		Code:       "InvalidUploadId",
		Message:    "The backend did not return an upload id",
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound returns a pass-through not-found error for the named resource.
func NotFound(resource string) *StorageError {
	return &StorageError{
		Kind:       KindNotFound,
		Code:       "NotFound",
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
	}
}

// Backend builds a BackendError with an explicit code and status.
func Backend(code string, status int, message string) *StorageError {
	return &StorageError{
		Kind:       KindBackend,
		Code:       code,
		Message:    message,
		HTTPStatus: status,
	}
}

// FromError normalizes any error produced while talking to a backend. It is
// idempotent: an error that is already a *StorageError is returned as-is.
func FromError(err error) error {
	if err == nil {
		return nil
	}

	var se *StorageError
	if stderrors.As(err, &se) {
		return se
	}

	if stderrors.Is(err, context.Canceled) {
		return &StorageError{
			Kind:       KindCancelled,
			Code:       "Cancelled",
			Message:    "The operation was cancelled",
			HTTPStatus: StatusClientClosedRequest,
			Err:        err,
		}
	}
	var canceled *smithy.CanceledError
	if stderrors.As(err, &canceled) {
		return &StorageError{
			Kind:       KindCancelled,
			Code:       "Cancelled",
			Message:    "The operation was cancelled",
			HTTPStatus: StatusClientClosedRequest,
			Err:        err,
		}
	}

	out := &StorageError{
		Kind:       KindBackend,
		Code:       "InternalError",
		Message:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		out.Code = "RequestTimeout"
		out.HTTPStatus = http.StatusGatewayTimeout
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		out.Code = apiErr.ErrorCode()
		if msg := apiErr.ErrorMessage(); msg != "" {
			out.Message = msg
		}
		switch out.Code {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchUpload":
			out.HTTPStatus = http.StatusNotFound
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if stderrors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		out.HTTPStatus = respErr.HTTPStatusCode()
	}

	return out
}

// KindOf returns the kind of a normalized error, or "" for other errors.
func KindOf(err error) Kind {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// StatusOf returns the HTTP-like status of a normalized error, or 0.
func StatusOf(err error) int {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.HTTPStatus
	}
	return 0
}

// IsCancelled reports whether err is a cancelled operation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsNotFound reports whether err describes a missing object, either as a
// pass-through NotFound or as a backend 404.
func IsNotFound(err error) bool {
	switch KindOf(err) {
	case KindNotFound:
		return true
	case KindBackend:
		return StatusOf(err) == http.StatusNotFound
	}
	return false
}
