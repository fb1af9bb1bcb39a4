// Package shorturl allocates short link identifiers for image variants.
package shorturl

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/models"
)

// Length is the number of characters in an identifier.
const Length = 7

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Store is the subset of the database adapter the allocator needs.
type Store interface {
	ShortURLID(ctx context.Context, user, imageIdentifier, extension, rawQuery string) (string, error)
	ShortURLParams(ctx context.Context, shortURLID string) (*models.ShortURL, error)
	InsertShortURL(ctx context.Context, s *models.ShortURL) error
	DeleteShortURLs(ctx context.Context, user, imageIdentifier string) error
	DeleteShortURL(ctx context.Context, user, imageIdentifier, shortURLID string) error
}

// Generator produces candidate identifiers.
type Generator func() (string, error)

// Allocator hands out identifiers, reusing the existing one for an
// identical (user, image, extension, query) tuple.
type Allocator struct {
	store    Store
	generate Generator
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithGenerator replaces the random generator.
func WithGenerator(g Generator) Option {
	return func(a *Allocator) { a.generate = g }
}

// New creates an Allocator backed by store.
func New(store Store, opts ...Option) *Allocator {
	a := &Allocator{store: store, generate: Random}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Random draws Length characters uniformly from the alphanumeric alphabet.
func Random() (string, error) {
	// 248 is the largest multiple of 62 that fits in a byte; bytes above it
	// are rejected to keep the distribution uniform.
	const limit = 256 - 256%len(alphabet)
	out := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("shorturl: read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether id has the shape of an identifier.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}

// NormalizeExtension lower-cases ext and drops a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeQuery encodes q with keys sorted. Values keep their order.
func NormalizeQuery(q url.Values) string {
	return q.Encode()
}

// GetOrCreate returns the identifier for the tuple. existed is true when the
// tuple already had one.
func (a *Allocator) GetOrCreate(ctx context.Context, user, imageIdentifier, extension string, q url.Values) (id string, existed bool, err error) {
	ext := NormalizeExtension(extension)
	raw := NormalizeQuery(q)

	id, err = a.store.ShortURLID(ctx, user, imageIdentifier, ext, raw)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", false, err
	}

	parsed, _ := url.ParseQuery(raw)
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		candidate, err := a.generate()
		if err != nil {
			return "", false, err
		}

		_, err = a.store.ShortURLParams(ctx, candidate)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return "", false, err
		}

		err = a.store.InsertShortURL(ctx, &models.ShortURL{
			ID:              candidate,
			User:            user,
			ImageIdentifier: imageIdentifier,
			Extension:       ext,
			Query:           parsed,
		})
		if errors.Is(err, apperr.ErrAlreadyExists) {
			continue
		}
		if errors.Is(err, apperr.ErrConflict) {
			// Another request stored the tuple after our lookup.
			id, err = a.store.ShortURLID(ctx, user, imageIdentifier, ext, raw)
			if err != nil {
				return "", false, err
			}
			return id, true, nil
		}
		if err != nil {
			return "", false, err
		}
		return candidate, false, nil
	}
}

// Resolve returns the tuple behind id.
func (a *Allocator) Resolve(ctx context.Context, id string) (*models.ShortURL, error) {
	if !Valid(id) {
		return nil, apperr.ErrShortURLNotFound
	}
	s, err := a.store.ShortURLParams(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrShortURLNotFound
	}
	return s, err
}

// DeleteAllForImage removes every short link pointing at the image.
func (a *Allocator) DeleteAllForImage(ctx context.Context, user, imageIdentifier string) error {
	return a.store.DeleteShortURLs(ctx, user, imageIdentifier)
}

// Delete removes a single short link of the image.
func (a *Allocator) Delete(ctx context.Context, user, imageIdentifier, id string) error {
	err := a.store.DeleteShortURL(ctx, user, imageIdentifier, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.ErrShortURLNotFound
	}
	return err
}
