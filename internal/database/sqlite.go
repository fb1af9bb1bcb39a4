package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/query"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS images (
	public_key       TEXT NOT NULL,
	image_identifier TEXT NOT NULL,
	checksum         TEXT NOT NULL DEFAULT '',
	mime             TEXT NOT NULL DEFAULT '',
	extension        TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0,
	width            INTEGER NOT NULL DEFAULT 0,
	height           INTEGER NOT NULL DEFAULT 0,
	added            DATETIME NOT NULL,
	updated          DATETIME NOT NULL,
	PRIMARY KEY (public_key, image_identifier)
);

CREATE TABLE IF NOT EXISTS metadata (
	public_key       TEXT NOT NULL,
	image_identifier TEXT NOT NULL,
	document         TEXT NOT NULL DEFAULT '{}',
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
	ON shorturls(public_key, image_identifier, extension, query);
`

// SQLite implements Adapter on a local SQLite database.
type SQLite struct {
	conn *sql.DB
}

var _ Adapter = (*SQLite)(nil)

// OpenSQLite opens (or creates) the SQLite database and applies the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	if _, err := conn.Exec(sqliteSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *SQLite) Close() error {
	return db.conn.Close()
}

func (db *SQLite) Status(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database: ping: %w", err)
	}
	return nil
}

// shortURLConflict classifies a failed short url insert: a taken id maps to
// apperr.ErrAlreadyExists, a tuple that already has an id to apperr.ErrConflict.
func shortURLConflict(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey:
		return apperr.ErrAlreadyExists
	case sqlite3.ErrConstraintUnique:
		return apperr.ErrConflict
	}
	return nil
}

func (db *SQLite) InsertImage(ctx context.Context, img *models.Image) error {
	ts := now()
	if img.Added.IsZero() {
		img.Added = ts
	}
	img.Updated = ts
	_, err := db.conn.ExecContext(ctx, insertImageSQL,
		img.User, img.ImageIdentifier, img.Checksum, img.MimeType, img.Extension,
		img.Size, img.Width, img.Height, img.Added.UTC(), img.Updated)
	if err != nil {
		return fmt.Errorf("database: insert image: %w", err)
	}
	return nil
}

func (db *SQLite) DeleteImage(ctx context.Context, user, imageIdentifier string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteImageMetadataSQL, user, imageIdentifier); err != nil {
		return fmt.Errorf("database: delete metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, deleteImageSQL, user, imageIdentifier)
	if err != nil {
		return fmt.Errorf("database: delete image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("database: delete image %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	return tx.Commit()
}

func (db *SQLite) Image(ctx context.Context, user, imageIdentifier string) (*models.Image, error) {
	var img models.Image
	err := db.conn.QueryRowContext(ctx, selectImageSQL, user, imageIdentifier).Scan(
		&img.User, &img.ImageIdentifier, &img.Checksum, &img.MimeType, &img.Extension,
		&img.Size, &img.Width, &img.Height, &img.Added, &img.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("database: image %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database: select image: %w", err)
	}
	return &img, nil
}

func (db *SQLite) ImageExists(ctx context.Context, user, imageIdentifier string) (bool, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, imageExistsSQL, user, imageIdentifier).Scan(&n); err != nil {
		return false, fmt.Errorf("database: image exists: %w", err)
	}
	return n > 0, nil
}

func (db *SQLite) Images(ctx context.Context, user string, q ImagesQuery) ([]models.Image, error) {
	stmt, args, err := imagesSQL(query.SQLite{}, user, q)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("database: list images: %w", err)
	}
	defer rows.Close()

	out := []models.Image{}
	for rows.Next() {
		var (
			img models.Image
			doc sql.NullString
		)
		if err := rows.Scan(&img.User, &img.ImageIdentifier, &img.Checksum, &img.MimeType, &img.Extension,
			&img.Size, &img.Width, &img.Height, &img.Added, &img.Updated, &doc); err != nil {
			return nil, fmt.Errorf("database: scan image: %w", err)
		}
		if q.Metadata {
			if img.Metadata, err = decodeDocument([]byte(doc.String)); err != nil {
				return nil, fmt.Errorf("database: decode metadata: %w", err)
			}
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (db *SQLite) NumImages(ctx context.Context, user string) (int, error) {
	var (
		n   int
		err error
	)
	if user == "" {
		err = db.conn.QueryRowContext(ctx, countAllImagesSQL).Scan(&n)
	} else {
		err = db.conn.QueryRowContext(ctx, countUserImagesSQL, user).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("database: count images: %w", err)
	}
	return n, nil
}

func (db *SQLite) LastModified(ctx context.Context, user, imageIdentifier string) (time.Time, error) {
	var row *sql.Row
	if imageIdentifier == "" {
		row = db.conn.QueryRowContext(ctx, userUpdatedSQL, user)
	} else {
		row = db.conn.QueryRowContext(ctx, imageUpdatedSQL, user, imageIdentifier)
	}
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("database: last modified %s: %w", user, apperr.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("database: last modified: %w", err)
	}
	return t.UTC(), nil
}

func (db *SQLite) Metadata(ctx context.Context, user, imageIdentifier string) (map[string]any, error) {
	ok, err := db.ImageExists(ctx, user, imageIdentifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("database: metadata %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	var raw string
	err = db.conn.QueryRowContext(ctx, selectMetadataSQL, user, imageIdentifier).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: select metadata: %w", err)
	}
	doc, err := decodeDocument([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("database: decode metadata: %w", err)
	}
	return doc, nil
}

func (db *SQLite) SetMetadata(ctx context.Context, user, imageIdentifier string, doc map[string]any) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return fmt.Errorf("database: encode metadata: %w", err)
	}
	return db.writeMetadata(ctx, user, imageIdentifier, upsertMetadataSQL, user, imageIdentifier, raw)
}

func (db *SQLite) DeleteMetadata(ctx context.Context, user, imageIdentifier string) error {
	return db.writeMetadata(ctx, user, imageIdentifier, deleteImageMetadataSQL, user, imageIdentifier)
}

// writeMetadata runs stmt and bumps the image's updated time in one
// transaction.
func (db *SQLite) writeMetadata(ctx context.Context, user, imageIdentifier, stmt string, args ...any) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, touchImageSQL, now(), user, imageIdentifier)
	if err != nil {
		return fmt.Errorf("database: touch image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("database: metadata %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("database: write metadata: %w", err)
	}
	return tx.Commit()
}

func (db *SQLite) ShortURLID(ctx context.Context, user, imageIdentifier, extension, rawQuery string) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, selectShortURLIDSQL, user, imageIdentifier, extension, rawQuery).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("database: select short url id: %w", err)
	}
	return id, nil
}

func (db *SQLite) ShortURLParams(ctx context.Context, shortURLID string) (*models.ShortURL, error) {
	var (
		s        models.ShortURL
		rawQuery string
	)
	err := db.conn.QueryRowContext(ctx, selectShortURLSQL, shortURLID).Scan(
		&s.ID, &s.User, &s.ImageIdentifier, &s.Extension, &rawQuery)
	if errors.Is(err, sql.ErrNoRows) {
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

func (db *SQLite) InsertShortURL(ctx context.Context, s *models.ShortURL) error {
	_, err := db.conn.ExecContext(ctx, insertShortURLSQL, s.ID, s.User, s.ImageIdentifier, s.Extension, s.Query.Encode())
	if c := shortURLConflict(err); c != nil {
		return fmt.Errorf("database: short url %s: %w", s.ID, c)
	}
	if err != nil {
		return fmt.Errorf("database: insert short url: %w", err)
	}
	return nil
}

func (db *SQLite) DeleteShortURLs(ctx context.Context, user, imageIdentifier string) error {
	if _, err := db.conn.ExecContext(ctx, deleteShortURLsSQL, user, imageIdentifier); err != nil {
		return fmt.Errorf("database: delete short urls: %w", err)
	}
	return nil
}

func (db *SQLite) DeleteShortURL(ctx context.Context, user, imageIdentifier, shortURLID string) error {
	res, err := db.conn.ExecContext(ctx, deleteShortURLSQL, user, imageIdentifier, shortURLID)
	if err != nil {
		return fmt.Errorf("database: delete short url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("database: short url %s: %w", shortURLID, apperr.ErrNotFound)
	}
	return nil
}
