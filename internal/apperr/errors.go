package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Adapter-level sentinels. Database and storage implementations return these
// (possibly wrapped); the dispatcher maps them to HTTP errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)

// Application error codes reported in the error model next to the HTTP status.
const (
	CodeUnspecified = 0

	CodeUnknownPublicKey     = 100
	CodeMissingAuthParam     = 101
	CodeInvalidTimestamp     = 102
	CodeSignatureMismatch    = 103
	CodeImageAlreadyExists   = 200
	CodeNoImageAttached      = 201
	CodeImageHashMismatch    = 202
	CodeUnsupportedImageType = 203
	CodeBrokenImage          = 204
	CodeImageNotFound        = 205
	CodeInvalidTransform     = 206
	CodeInvalidQueryOperator = 300
	CodeInvalidQueryStruct   = 301
	CodeInvalidShortURL      = 400
	CodeShortURLNotFound     = 401
	CodeInvalidMetadata      = 500

	CodeRouting           = 1000
	CodeMethodNotAllowed  = 1001
	CodeNotAcceptable     = 1002
	CodeTeapot            = 1003
	CodeUnsupportedMethod = 1004
	CodeRequestTooLarge   = 1005
	CodeDatabase          = 1100
	CodeStorage           = 1101
)

// Error is a domain failure carrying the HTTP status it maps to and an
// application error code.
type Error struct {
	Status  int
	Code    int
	Message string
	Err     error
}

// New creates an Error.
func New(status, code int, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same status and code, so a sentinel such as
// ErrSignatureMismatch matches every copy made with Withf or Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Status == e.Status && t.Code == e.Code
}

// Withf returns a copy of e with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// Wrap returns a copy of e recording cause as the underlying error.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

var (
	ErrRouting           = New(http.StatusNotFound, CodeRouting, "Not Found")
	ErrUnknownPublicKey  = New(http.StatusNotFound, CodeUnknownPublicKey, "Public key not found")
	ErrMethodNotAllowed  = New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
	ErrInvalidAuthParam  = New(http.StatusBadRequest, CodeMissingAuthParam, "Missing required authentication parameter")
	ErrInvalidTimestamp  = New(http.StatusBadRequest, CodeInvalidTimestamp, "Invalid timestamp")
	ErrSignatureMismatch = New(http.StatusForbidden, CodeSignatureMismatch, "Signature mismatch")
	ErrNotAcceptable     = New(http.StatusNotAcceptable, CodeNotAcceptable, "Not Acceptable")
	ErrTeapot            = New(http.StatusTeapot, CodeTeapot, "I'm a teapot!")
	ErrUnsupportedMethod = New(http.StatusNotImplemented, CodeUnsupportedMethod, "Unsupported HTTP method")
	ErrRequestTooLarge   = New(http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body too large")

	ErrInvalidQueryOperator  = New(http.StatusBadRequest, CodeInvalidQueryOperator, "Invalid query operator")
	ErrInvalidQueryStructure = New(http.StatusBadRequest, CodeInvalidQueryStruct, "Invalid query structure")

	ErrInvalidShortURLRequest = New(http.StatusBadRequest, CodeInvalidShortURL, "Invalid short URL request")
	ErrShortURLNotFound       = New(http.StatusNotFound, CodeShortURLNotFound, "Short URL not found")

	ErrImageNotFound         = New(http.StatusNotFound, CodeImageNotFound, "Image not found")
	ErrImageAlreadyExists    = New(http.StatusBadRequest, CodeImageAlreadyExists, "Image already exists")
	ErrNoImageAttached       = New(http.StatusBadRequest, CodeNoImageAttached, "No image attached")
	ErrImageHashMismatch     = New(http.StatusBadRequest, CodeImageHashMismatch, "Hash mismatch")
	ErrUnsupportedImageType  = New(http.StatusUnsupportedMediaType, CodeUnsupportedImageType, "Unsupported image type")
	ErrBrokenImage           = New(http.StatusBadRequest, CodeBrokenImage, "Broken image")
	ErrInvalidTransformation = New(http.StatusBadRequest, CodeInvalidTransform, "Invalid image transformation")
	ErrInvalidMetadata       = New(http.StatusBadRequest, CodeInvalidMetadata, "Invalid metadata")

	ErrDatabase = New(http.StatusInternalServerError, CodeDatabase, "Database error")
	ErrStorage  = New(http.StatusInternalServerError, CodeStorage, "Storage error")
)

// As extracts the *Error from err. Adapter sentinels are translated:
// ErrNotFound becomes a 404. Anything else yields a 500 with the original
// error attached.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrNotFound) {
		return New(http.StatusNotFound, CodeUnspecified, "Not Found").Wrap(err)
	}
	return New(http.StatusInternalServerError, CodeUnspecified, "Internal Server Error").Wrap(err)
}
