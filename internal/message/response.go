package message

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/starford/pictura/internal/models"
)

// ErrAlreadySent is returned when Send is called twice.
var ErrAlreadySent = errors.New("message: response already sent")

// Response accumulates status, headers and model during dispatch. Nothing is
// written to the client until Send.
type Response struct {
	Status int
	Header http.Header

	// Model is the value to render. Error replaces it on failure.
	Model any
	Error *models.Error

	// Body and ContentType are set by content negotiation.
	Body        []byte
	ContentType string

	sent bool
}

// NewResponse creates an empty 200 response.
func NewResponse() *Response {
	return &Response{Status: http.StatusOK, Header: http.Header{}}
}

// SetModel sets the value to render.
func (r *Response) SetModel(m any) *Response {
	r.Model = m
	return r
}

// SetStatus sets the HTTP status code.
func (r *Response) SetStatus(code int) *Response {
	r.Status = code
	return r
}

// SetError substitutes the error model for the response body.
func (r *Response) SetError(e *models.Error) {
	r.Error = e
	r.Model = e
	r.Status = e.Status
	r.Body = nil
	r.ContentType = ""
}

// Sent reports whether the response has been flushed.
func (r *Response) Sent() bool { return r.sent }

// Send writes the response to w. Bodies are omitted for HEAD requests and
// bodiless status codes.
func (r *Response) Send(w http.ResponseWriter, head bool) error {
	if r.sent {
		return ErrAlreadySent
	}
	r.sent = true

	h := w.Header()
	for k, v := range r.Header {
		h[k] = v
	}
	writeBody := !head && r.Status != http.StatusNoContent && r.Status != http.StatusNotModified
	if r.ContentType != "" {
		h.Set("Content-Type", r.ContentType)
	}
	if r.Status != http.StatusNoContent && r.Status != http.StatusNotModified {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	w.WriteHeader(r.Status)
	if writeBody && len(r.Body) > 0 {
		_, err := w.Write(r.Body)
		return err
	}
	return nil
}
