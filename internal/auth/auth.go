// Package auth validates HMAC-signed write requests.
//
// A client signs "METHOD|url|publicKey|timestamp" with its private key using
// HMAC-SHA256 and sends the hex digest as the signature parameter together
// with the timestamp it signed. Read-only requests are not signed.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/pictura/internal/apperr"
)

// Parameter and header names carrying the signature and timestamp.
const (
	ParamSignature  = "signature"
	ParamTimestamp  = "timestamp"
	HeaderSignature = "X-Pictura-Authenticate-Signature"
	HeaderTimestamp = "X-Pictura-Authenticate-Timestamp"
)

// Input is everything a signature covers plus the secret to verify it with.
type Input struct {
	Method     string
	URL        string
	PublicKey  string
	PrivateKey string
	Timestamp  string
	Signature  string
}

// Validator checks request signatures. It holds no per-request state.
type Validator struct {
	timestamps TimestampValidator
}

// Option configures a Validator.
type Option func(*Validator)

// WithTimestampValidator replaces the default timestamp check.
func WithTimestampValidator(tv TimestampValidator) Option {
	return func(v *Validator) { v.timestamps = tv }
}

// NewValidator creates a Validator using DateValidator unless overridden.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{timestamps: DateValidator{}}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Sign returns the hex HMAC-SHA256 signature of the canonical tuple.
func Sign(privateKey, method, canonicalURL, publicKey, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(privateKey))
	mac.Write([]byte(strings.ToUpper(method) + "|" + canonicalURL + "|" + publicKey + "|" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate returns nil for GET, HEAD and correctly signed requests. Every
// other method needs a signature.
func (v *Validator) Validate(in Input) error {
	switch strings.ToUpper(in.Method) {
	case http.MethodGet, http.MethodHead:
		return nil
	}

	if in.Signature == "" {
		return apperr.ErrInvalidAuthParam.Withf("Missing required authentication parameter: %s", ParamSignature)
	}
	if in.Timestamp == "" {
		return apperr.ErrInvalidAuthParam.Withf("Missing required authentication parameter: %s", ParamTimestamp)
	}
	if err := v.timestamps.Validate(in.Timestamp); err != nil {
		return apperr.ErrInvalidTimestamp.Withf("Invalid timestamp: %s", in.Timestamp).Wrap(err)
	}

	expected := Sign(in.PrivateKey, in.Method, in.URL, in.PublicKey, in.Timestamp)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(in.Signature))) {
		return apperr.ErrSignatureMismatch.Withf("Signature mismatch")
	}
	return nil
}

// FromRequest collects the signature inputs of r. Query parameters take
// precedence over the authentication headers.
func FromRequest(r *http.Request, publicKey, privateKey string) Input {
	q := r.URL.Query()
	sig := q.Get(ParamSignature)
	if sig == "" {
		sig = r.Header.Get(HeaderSignature)
	}
	ts := q.Get(ParamTimestamp)
	if ts == "" {
		ts = r.Header.Get(HeaderTimestamp)
	}
	return Input{
		Method:     r.Method,
		URL:        CanonicalURL(r),
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Timestamp:  ts,
		Signature:  sig,
	}
}

// CanonicalURL rebuilds the absolute URL of r without the signature
// parameter. The remaining parameters keep their original order and encoding.
func CanonicalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(p)
	}
	return canonical(scheme, r.Host, r.URL)
}

// CanonicalString is CanonicalURL for a client-side absolute URL.
func CanonicalString(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("auth: %q is not an absolute URL", rawURL)
	}
	return canonical(strings.ToLower(u.Scheme), u.Host, u), nil
}

func canonical(scheme, host string, u *url.URL) string {
	out := scheme + "://" + host + u.EscapedPath()
	if q := StripSignature(u.RawQuery); q != "" {
		out += "?" + q
	}
	return out
}

// StripSignature removes every signature parameter from a raw query string.
func StripSignature(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil && k == ParamSignature {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
