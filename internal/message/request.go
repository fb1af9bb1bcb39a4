// Package message holds the request and response contexts shared by every
// listener taking part in one dispatch.
package message

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/pictura/internal/models"
)

// Route parameter names extracted by the router.
const (
	ParamUser            = "user"
	ParamImageIdentifier = "imageIdentifier"
	ParamExtension       = "extension"
	ParamShortURLID      = "shortUrlId"
)

// Request is the per-dispatch view of the incoming HTTP request.
type Request struct {
	HTTP   *http.Request
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// Route is the matched route name and Params its named captures.
	Route  string
	Params map[string]string

	// Image is filled by the image preparation listener on uploads.
	Image *models.Image

	privateKey string
}

// NewRequest wraps r. body is the already-read request body.
func NewRequest(r *http.Request, body []byte) *Request {
	return &Request{
		HTTP:   r,
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header,
		Body:   body,
		Params: map[string]string{},
	}
}

// PublicKey returns the account key addressed by the request, if any.
func (r *Request) PublicKey() string { return r.Params[ParamUser] }

// ImageIdentifier returns the image addressed by the request, if any.
func (r *Request) ImageIdentifier() string { return r.Params[ParamImageIdentifier] }

// Extension returns the requested image or response format extension, lower-cased.
func (r *Request) Extension() string { return strings.ToLower(r.Params[ParamExtension]) }

// ShortURLID returns the short link identifier addressed by the request, if any.
func (r *Request) ShortURLID() string { return r.Params[ParamShortURLID] }

// PrivateKey returns the secret paired with PublicKey once authentication ran.
func (r *Request) PrivateKey() string { return r.privateKey }

// SetPrivateKey attaches the account secret. It is never written to a response.
func (r *Request) SetPrivateKey(key string) { r.privateKey = key }

// IsSafe reports whether the method is read-only.
func (r *Request) IsSafe() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
