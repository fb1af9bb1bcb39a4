package database

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/starford/pictura/internal/query"
)

// Statements shared by both backends. They use `?` placeholders; the
// Postgres adapter rebinds them.
const (
	insertImageSQL = `
		INSERT INTO images (public_key, image_identifier, checksum, mime, extension, size, width, height, added, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (public_key, image_identifier) DO UPDATE SET updated = excluded.updated`

	selectImageSQL = `
		SELECT public_key, image_identifier, checksum, mime, extension, size, width, height, added, updated
		FROM images WHERE public_key = ? AND image_identifier = ?`

	deleteImageSQL = `DELETE FROM images WHERE public_key = ? AND image_identifier = ?`

	deleteImageMetadataSQL = `DELETE FROM metadata WHERE public_key = ? AND image_identifier = ?`

	imageExistsSQL = `SELECT COUNT(*) FROM images WHERE public_key = ? AND image_identifier = ?`

	countUserImagesSQL = `SELECT COUNT(*) FROM images WHERE public_key = ?`

	countAllImagesSQL = `SELECT COUNT(*) FROM images`

	imageUpdatedSQL = `SELECT updated FROM images WHERE public_key = ? AND image_identifier = ?`

	userUpdatedSQL = `SELECT updated FROM images WHERE public_key = ? ORDER BY updated DESC LIMIT 1`

	touchImageSQL = `UPDATE images SET updated = ? WHERE public_key = ? AND image_identifier = ?`

	selectMetadataSQL = `SELECT document FROM metadata WHERE public_key = ? AND image_identifier = ?`

	upsertMetadataSQL = `
		INSERT INTO metadata (public_key, image_identifier, document) VALUES (?, ?, ?)
		ON CONFLICT (public_key, image_identifier) DO UPDATE SET document = excluded.document`

	selectShortURLIDSQL = `
		SELECT short_url_id FROM shorturls
		WHERE public_key = ? AND image_identifier = ? AND extension = ? AND query = ?`

	selectShortURLSQL = `
		SELECT short_url_id, public_key, image_identifier, extension, query
		FROM shorturls WHERE short_url_id = ?`

	insertShortURLSQL = `
		INSERT INTO shorturls (short_url_id, public_key, image_identifier, extension, query)
		VALUES (?, ?, ?, ?, ?)`

	deleteShortURLsSQL = `DELETE FROM shorturls WHERE public_key = ? AND image_identifier = ?`

	deleteShortURLSQL = `DELETE FROM shorturls WHERE public_key = ? AND image_identifier = ? AND short_url_id = ?`
)

// imagesSQL builds the listing statement for q.
func imagesSQL(d query.Dialect, user string, q ImagesQuery) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT i.public_key, i.image_identifier, i.checksum, i.mime, i.extension, i.size, i.width, i.height,
		       i.added, i.updated, m.document
		FROM images i
		LEFT JOIN metadata m ON m.public_key = i.public_key AND m.image_identifier = i.image_identifier
		WHERE i.public_key = ?`)
	args := []any{user}

	if !q.From.IsZero() {
		b.WriteString(" AND i.added >= ?")
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		b.WriteString(" AND i.added <= ?")
		args = append(args, q.To.UTC())
	}
	if len(q.Identifiers) > 0 {
		b.WriteString(" AND i.image_identifier IN (")
		for i, id := range q.Identifiers {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}

	pred, err := query.Compile(q.Filter, d)
	if err != nil {
		return "", nil, err
	}
	if pred != nil {
		b.WriteString(" AND (" + pred.SQL + ")")
		args = append(args, pred.Args...)
	}

	limit, offset := page(q)
	b.WriteString(" ORDER BY i.added DESC, i.image_identifier ASC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)
	return b.String(), args, nil
}

func encodeDocument(doc map[string]any) (string, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeDocument(raw []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func now() time.Time { return time.Now().UTC() }

func parseQuery(raw string) (url.Values, error) {
	v, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("database: decode short url query: %w", err)
	}
	return v, nil
}
