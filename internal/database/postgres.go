package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/query"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS images (
	public_key       TEXT NOT NULL,
	image_identifier TEXT NOT NULL,
	checksum         TEXT NOT NULL DEFAULT '',
	mime             TEXT NOT NULL DEFAULT '',
	extension        TEXT NOT NULL DEFAULT '',
	size             BIGINT NOT NULL DEFAULT 0,
	width            INTEGER NOT NULL DEFAULT 0,
	height           INTEGER NOT NULL DEFAULT 0,
	added            TIMESTAMPTZ NOT NULL,
	updated          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (public_key, image_identifier)
);
CREATE TABLE IF NOT EXISTS metadata (
	public_key       TEXT NOT NULL,
	image_identifier TEXT NOT NULL,
	document         JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (public_key, image_identifier),
	FOREIGN KEY (public_key, image_identifier)
		REFERENCES images (public_key, image_identifier) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS shorturls (
	short_url_id     TEXT PRIMARY KEY,
	public_key       TEXT NOT NULL,
	image_identifier TEXT NOT NULL,
	extension        TEXT NOT NULL DEFAULT '',
	query            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_images_added ON images(public_key, added);
CREATE UNIQUE INDEX IF NOT EXISTS idx_shorturls_tuple
	ON shorturls(public_key, image_identifier, extension, query);`

// Postgres implements Adapter on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Adapter = (*Postgres)(nil)

// PostgresOptions configures the pool.
type PostgresOptions struct {
	DSN             string
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// OpenPostgres connects to Postgres and applies the schema.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// rebind rewrites `?` placeholders to `$n`, leaving quoted literals alone.
func rebind(stmt string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(stmt) + 8)
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const shortURLTupleIndex = "idx_shorturls_tuple"

// pgShortURLConflict classifies a failed short url insert like
// shortURLConflict does for SQLite.
func pgShortURLConflict(err error) error {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) || pe.Code != "23505" {
		return nil
	}
	if pe.ConstraintName == shortURLTupleIndex {
		return apperr.ErrConflict
	}
	return apperr.ErrAlreadyExists
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

func (db *Postgres) Status(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: ping: %w", err)
	}
	return nil
}

func (db *Postgres) InsertImage(ctx context.Context, img *models.Image) error {
	ts := now()
	if img.Added.IsZero() {
		img.Added = ts
	}
	img.Updated = ts
	_, err := db.pool.Exec(ctx, rebind(insertImageSQL),
		img.User, img.ImageIdentifier, img.Checksum, img.MimeType, img.Extension,
		img.Size, img.Width, img.Height, img.Added.UTC(), img.Updated)
	if err != nil {
		return fmt.Errorf("database: insert image: %w", err)
	}
	return nil
}

func (db *Postgres) DeleteImage(ctx context.Context, user, imageIdentifier string) error {
	tag, err := db.pool.Exec(ctx, rebind(deleteImageSQL), user, imageIdentifier)
	if err != nil {
		return fmt.Errorf("database: delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("database: delete image %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	return nil
}

func (db *Postgres) Image(ctx context.Context, user, imageIdentifier string) (*models.Image, error) {
	var img models.Image
	err := db.pool.QueryRow(ctx, rebind(selectImageSQL), user, imageIdentifier).Scan(
		&img.User, &img.ImageIdentifier, &img.Checksum, &img.MimeType, &img.Extension,
		&img.Size, &img.Width, &img.Height, &img.Added, &img.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("database: image %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database: select image: %w", err)
	}
	img.Added, img.Updated = img.Added.UTC(), img.Updated.UTC()
	return &img, nil
}

func (db *Postgres) ImageExists(ctx context.Context, user, imageIdentifier string) (bool, error) {
	var n int
	if err := db.pool.QueryRow(ctx, rebind(imageExistsSQL), user, imageIdentifier).Scan(&n); err != nil {
		return false, fmt.Errorf("database: image exists: %w", err)
	}
	return n > 0, nil
}

func (db *Postgres) Images(ctx context.Context, user string, q ImagesQuery) ([]models.Image, error) {
	stmt, args, err := imagesSQL(query.Postgres{}, user, q)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("database: list images: %w", err)
	}
	defer rows.Close()

	out := []models.Image{}
	for rows.Next() {
		var (
			img models.Image
			doc []byte
		)
		if err := rows.Scan(&img.User, &img.ImageIdentifier, &img.Checksum, &img.MimeType, &img.Extension,
			&img.Size, &img.Width, &img.Height, &img.Added, &img.Updated, &doc); err != nil {
			return nil, fmt.Errorf("database: scan image: %w", err)
		}
		img.Added, img.Updated = img.Added.UTC(), img.Updated.UTC()
		if q.Metadata {
			if img.Metadata, err = decodeDocument(doc); err != nil {
				return nil, fmt.Errorf("database: decode metadata: %w", err)
			}
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (db *Postgres) NumImages(ctx context.Context, user string) (int, error) {
	var (
		n   int
		err error
	)
	if user == "" {
		err = db.pool.QueryRow(ctx, countAllImagesSQL).Scan(&n)
	} else {
		err = db.pool.QueryRow(ctx, rebind(countUserImagesSQL), user).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("database: count images: %w", err)
	}
	return n, nil
}

func (db *Postgres) LastModified(ctx context.Context, user, imageIdentifier string) (time.Time, error) {
	var row pgx.Row
	if imageIdentifier == "" {
		row = db.pool.QueryRow(ctx, rebind(userUpdatedSQL), user)
	} else {
		row = db.pool.QueryRow(ctx, rebind(imageUpdatedSQL), user, imageIdentifier)
	}
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("database: last modified %s: %w", user, apperr.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("database: last modified: %w", err)
	}
	return t.UTC(), nil
}

func (db *Postgres) Metadata(ctx context.Context, user, imageIdentifier string) (map[string]any, error) {
	ok, err := db.ImageExists(ctx, user, imageIdentifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("database: metadata %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	var raw []byte
	err = db.pool.QueryRow(ctx, rebind(selectMetadataSQL), user, imageIdentifier).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: select metadata: %w", err)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("database: decode metadata: %w", err)
	}
	return doc, nil
}

func (db *Postgres) SetMetadata(ctx context.Context, user, imageIdentifier string, doc map[string]any) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return fmt.Errorf("database: encode metadata: %w", err)
	}
	stmt := strings.Replace(upsertMetadataSQL, "VALUES (?, ?, ?)", "VALUES (?, ?, ?::jsonb)", 1)
	return db.writeMetadata(ctx, user, imageIdentifier, stmt, user, imageIdentifier, raw)
}

func (db *Postgres) DeleteMetadata(ctx context.Context, user, imageIdentifier string) error {
	return db.writeMetadata(ctx, user, imageIdentifier, deleteImageMetadataSQL, user, imageIdentifier)
}

func (db *Postgres) writeMetadata(ctx context.Context, user, imageIdentifier, stmt string, args ...any) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, rebind(touchImageSQL), now(), user, imageIdentifier)
		if err != nil {
			return fmt.Errorf("database: touch image: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("database: metadata %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, rebind(stmt), args...); err != nil {
			return fmt.Errorf("database: write metadata: %w", err)
		}
		return nil
	})
}

func (db *Postgres) ShortURLID(ctx context.Context, user, imageIdentifier, extension, rawQuery string) (string, error) {
	var id string
	err := db.pool.QueryRow(ctx, rebind(selectShortURLIDSQL), user, imageIdentifier, extension, rawQuery).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("database: select short url id: %w", err)
	}
	return id, nil
}

func (db *Postgres) ShortURLParams(ctx context.Context, shortURLID string) (*models.ShortURL, error) {
	var (
		s        models.ShortURL
		rawQuery string
	)
	err := db.pool.QueryRow(ctx, rebind(selectShortURLSQL), shortURLID).Scan(
		&s.ID, &s.User, &s.ImageIdentifier, &s.Extension, &rawQuery)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: select short url: %w", err)
	}
	if s.Query, err = parseQuery(rawQuery); err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *Postgres) InsertShortURL(ctx context.Context, s *models.ShortURL) error {
	_, err := db.pool.Exec(ctx, rebind(insertShortURLSQL), s.ID, s.User, s.ImageIdentifier, s.Extension, s.Query.Encode())
	if c := pgShortURLConflict(err); c != nil {
		return fmt.Errorf("database: short url %s: %w", s.ID, c)
	}
	if err != nil {
		return fmt.Errorf("database: insert short url: %w", err)
	}
	return nil
}

func (db *Postgres) DeleteShortURLs(ctx context.Context, user, imageIdentifier string) error {
	if _, err := db.pool.Exec(ctx, rebind(deleteShortURLsSQL), user, imageIdentifier); err != nil {
		return fmt.Errorf("database: delete short urls: %w", err)
	}
	return nil
}

func (db *Postgres) DeleteShortURL(ctx context.Context, user, imageIdentifier, shortURLID string) error {
	tag, err := db.pool.Exec(ctx, rebind(deleteShortURLSQL), user, imageIdentifier, shortURLID)
	if err != nil {
		return fmt.Errorf("database: delete short url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("database: short url %s: %w", shortURLID, apperr.ErrNotFound)
	}
	return nil
}
