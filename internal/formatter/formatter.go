// Package formatter renders response models and negotiates their media type.
package formatter

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Formatter serialises a response model.
type Formatter interface {
	// Extension is the path suffix that selects the formatter, e.g. "json".
	Extension() string
	ContentType() string
	Format(model any) ([]byte, error)
}

// JSON renders models with goccy/go-json.
type JSON struct{}

func (JSON) Extension() string   { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Format(model any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(model); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Set is an ordered collection of formatters. The first one is the default
// used by non-strict negotiation.
type Set struct {
	formatters []Formatter
}

// NewSet creates a Set. With no arguments it holds JSON and XML.
func NewSet(fs ...Formatter) *Set {
	if len(fs) == 0 {
		fs = []Formatter{JSON{}, XML{}}
	}
	return &Set{formatters: fs}
}

// Default returns the first formatter.
func (s *Set) Default() Formatter { return s.formatters[0] }

// ByExtension finds the formatter for a path suffix.
func (s *Set) ByExtension(ext string) (Formatter, bool) {
	for _, f := range s.formatters {
		if f.Extension() == ext {
			return f, true
		}
	}
	return nil, false
}

// ContentTypes lists the media types in preference order.
func (s *Set) ContentTypes() []string {
	out := make([]string, len(s.formatters))
	for i, f := range s.formatters {
		out[i] = f.ContentType()
	}
	return out
}

// Negotiate picks the formatter best matching an Accept header.
func (s *Set) Negotiate(accept string) (Formatter, bool) {
	ct, ok := Negotiate(accept, s.ContentTypes())
	if !ok {
		return nil, false
	}
	for _, f := range s.formatters {
		if f.ContentType() == ct {
			return f, true
		}
	}
	return nil, false
}
