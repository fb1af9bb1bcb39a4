// Package database persists image records, metadata documents and short
// links. SQLite is the default backend; Postgres is available for shared
// deployments.
package database

import (
	"context"
	"time"

	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/query"
)

// ImagesQuery filters and pages an image listing.
type ImagesQuery struct {
	Page  int // 1-based
	Limit int
	// From and To bound the added timestamp; zero values are ignored.
	From time.Time
	To   time.Time
	// Metadata includes each image's metadata document in the result.
	Metadata bool
	// Filter is a parsed metadata query; nil matches everything.
	Filter query.Expr
	// Identifiers restricts the result to these images when non-empty.
	Identifiers []string
}

// Adapter is the persistence contract used by resources and listeners.
// Missing rows are reported as apperr.ErrNotFound.
type Adapter interface {
	InsertImage(ctx context.Context, img *models.Image) error
	DeleteImage(ctx context.Context, user, imageIdentifier string) error
	Image(ctx context.Context, user, imageIdentifier string) (*models.Image, error)
	ImageExists(ctx context.Context, user, imageIdentifier string) (bool, error)
	Images(ctx context.Context, user string, q ImagesQuery) ([]models.Image, error)
	// NumImages counts images for user, or across all users when user is "".
	NumImages(ctx context.Context, user string) (int, error)
	// LastModified returns the newest update time of one image, or of any
	// image owned by user when imageIdentifier is "".
	LastModified(ctx context.Context, user, imageIdentifier string) (time.Time, error)

	Metadata(ctx context.Context, user, imageIdentifier string) (map[string]any, error)
	SetMetadata(ctx context.Context, user, imageIdentifier string, doc map[string]any) error
	DeleteMetadata(ctx context.Context, user, imageIdentifier string) error

	ShortURLID(ctx context.Context, user, imageIdentifier, extension, rawQuery string) (string, error)
	ShortURLParams(ctx context.Context, shortURLID string) (*models.ShortURL, error)
	// InsertShortURL returns apperr.ErrAlreadyExists when the id is taken and
	// apperr.ErrConflict when the tuple already has an id.
	InsertShortURL(ctx context.Context, s *models.ShortURL) error
	DeleteShortURLs(ctx context.Context, user, imageIdentifier string) error
	DeleteShortURL(ctx context.Context, user, imageIdentifier, shortURLID string) error

	Status(ctx context.Context) error
	Close() error
}

// page returns LIMIT and OFFSET for q, defaulting to the first 20 rows.
func page(q ImagesQuery) (limit, offset int) {
	limit = q.Limit
	if limit <= 0 {
		limit = 20
	}
	p := q.Page
	if p < 1 {
		p = 1
	}
	return limit, (p - 1) * limit
}
