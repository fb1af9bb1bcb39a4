// Package storage defines where image blobs live. Blobs are addressed by the
// owning public key and the image identifier.
package storage

import (
	"context"
	"errors"
)

// ErrInvalidKey is returned for a user or image identifier that cannot be
// mapped to a storage location.
var ErrInvalidKey = errors.New("storage: invalid key")

// Provider is the interface for image blob operations. Implementations return
// apperr.ErrNotFound (possibly wrapped) for missing blobs.
type Provider interface {
	// Store writes blob, replacing any previous content.
	Store(ctx context.Context, user, imageIdentifier string, blob []byte) error
	// Load returns the blob bytes.
	Load(ctx context.Context, user, imageIdentifier string) ([]byte, error)
	// Delete removes the blob.
	Delete(ctx context.Context, user, imageIdentifier string) error
	// Exists reports whether the blob is present.
	Exists(ctx context.Context, user, imageIdentifier string) (bool, error)
	// Status returns nil when the backend is reachable.
	Status(ctx context.Context) error
}

func validKey(user, imageIdentifier string) error {
	if user == "" || imageIdentifier == "" {
		return ErrInvalidKey
	}
	for _, s := range []string{user, imageIdentifier} {
		for _, r := range s {
			if r == '/' || r == '\\' || r == 0 {
				return ErrInvalidKey
			}
		}
		if s == "." || s == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// objectKey lays blobs out as user/a/b/c/imageIdentifier so that no single
// prefix grows unbounded.
func objectKey(user, imageIdentifier string) string {
	id := imageIdentifier
	if len(id) < 3 {
		return user + "/" + id
	}
	return user + "/" + id[0:1] + "/" + id[1:2] + "/" + id[2:3] + "/" + id
}
