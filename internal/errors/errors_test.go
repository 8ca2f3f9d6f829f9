package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIError struct {
	code   string
	msg    string
	status int
}

func (e *fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.msg }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (e *fakeAPIError) HTTPStatusCode() int           { return e.status }

func TestFromErrorNil(t *testing.T) {
	assert.NoError(t, FromError(nil))
}

func TestFromErrorAPIError(t *testing.T) {
	err := FromError(fmt.Errorf("operation error S3: HeadObject: %w", &fakeAPIError{code: "NotFound", msg: "Not Found", status: 404}))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindBackend, se.Kind)
	assert.Equal(t, "NotFound", se.Code)
	assert.Equal(t, http.StatusNotFound, se.HTTPStatus)
	assert.True(t, IsNotFound(err))
	assert.True(t, stderrors.Is(err, ErrBackend))
}

func TestFromErrorHidesBackendTypes(t *testing.T) {
	original := &fakeAPIError{code: "AccessDenied", msg: "denied", status: 403}
	err := FromError(fmt.Errorf("operation error S3: GetObject: %w", original))

	var apiErr smithy.APIError
	assert.False(t, stderrors.As(err, &apiErr))
	assert.False(t, stderrors.Is(FromError(context.Canceled), context.Canceled))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, se.Err, original)
	assert.Equal(t, "AccessDenied", se.Code)
}

func TestFromErrorCodeWithoutStatus(t *testing.T) {
	err := FromError(&fakeAPIError{code: "NoSuchKey", msg: "missing"})
	assert.Equal(t, http.StatusNotFound, StatusOf(err))
}

func TestFromErrorCancelled(t *testing.T) {
	err := FromError(fmt.Errorf("upload: %w", context.Canceled))
	assert.True(t, IsCancelled(err))
	assert.Equal(t, StatusClientClosedRequest, StatusOf(err))
	assert.False(t, stderrors.Is(err, ErrBackend))

	err = FromError(&smithy.CanceledError{Err: context.Canceled})
	assert.True(t, IsCancelled(err))
}

func TestFromErrorGeneric(t *testing.T) {
	err := FromError(stderrors.New("boom"))
	assert.Equal(t, KindBackend, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.False(t, IsNotFound(err))
}

func TestFromErrorIdempotent(t *testing.T) {
	first := FromError(stderrors.New("boom"))
	assert.Same(t, first, FromError(first))
	assert.Same(t, first, FromError(fmt.Errorf("wrapped: %w", first)))
}

func TestInvalidUploadIDAndNotFound(t *testing.T) {
	assert.True(t, stderrors.Is(InvalidUploadID(), ErrInvalidUploadID))
	assert.True(t, IsNotFound(NotFound("object")))
	assert.False(t, stderrors.Is(NotFound("object"), ErrBackend))
}
