package listener

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/models"
	"github.com/starford/pictura/internal/query"
)

// DatabaseOperations serves the db.* events against the request's database
// adapter.
type DatabaseOperations struct{}

func (DatabaseOperations) Subscriptions() map[event.Name]int {
	return map[event.Name]int{
		event.DBImageInsert:    0,
		event.DBImageDelete:    0,
		event.DBImageLoad:      0,
		event.DBImagesLoad:     0,
		event.DBMetadataLoad:   0,
		event.DBMetadataUpdate: 0,
		event.DBMetadataDelete: 0,
		event.DBUserLoad:       0,
	}
}

func (d DatabaseOperations) Handle(e *event.Event) error {
	switch e.Name() {
	case event.DBImageInsert:
		return d.insertImage(e)
	case event.DBImageDelete:
		return d.deleteImage(e)
	case event.DBImageLoad:
		return d.loadImage(e)
	case event.DBImagesLoad:
		return d.loadImages(e)
	case event.DBMetadataLoad:
		return d.loadMetadata(e)
	case event.DBMetadataUpdate:
		return d.updateMetadata(e)
	case event.DBMetadataDelete:
		return d.deleteMetadata(e)
	case event.DBUserLoad:
		return d.loadUser(e)
	}
	return nil
}

// dbError maps adapter failures onto domain errors.
func dbError(err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.ErrImageNotFound.Wrap(err)
	}
	var domain *apperr.Error
	if errors.As(err, &domain) {
		return err
	}
	return apperr.ErrDatabase.Wrap(err)
}

func (DatabaseOperations) insertImage(e *event.Event) error {
	img := e.Request().Image
	if img == nil {
		return apperr.ErrNoImageAttached
	}
	if err := e.Database().InsertImage(e.Context(), img); err != nil {
		return dbError(err)
	}
	return nil
}

func (DatabaseOperations) deleteImage(e *event.Event) error {
	req := e.Request()
	if err := e.Database().DeleteImage(e.Context(), req.PublicKey(), req.ImageIdentifier()); err != nil {
		return dbError(err)
	}
	return nil
}

func (DatabaseOperations) loadImage(e *event.Event) error {
	req, res := e.Request(), e.Response()
	img, err := e.Database().Image(e.Context(), req.PublicKey(), req.ImageIdentifier())
	if err != nil {
		return dbError(err)
	}
	res.Header.Set("Last-Modified", img.Updated.UTC().Format(http.TimeFormat))
	res.SetModel(img)
	return nil
}

func (DatabaseOperations) loadImages(e *event.Event) error {
	req, res := e.Request(), e.Response()
	q, err := imagesQuery(req.Query)
	if err != nil {
		return err
	}
	images, err := e.Database().Images(e.Context(), req.PublicKey(), q)
	if err != nil {
		return dbError(err)
	}
	if images == nil {
		images = []models.Image{}
	}
	res.SetModel(images)
	return nil
}

// imagesQuery reads the listing parameters: page, limit, metadata, from, to,
// ids and query.
func imagesQuery(v map[string][]string) (database.ImagesQuery, error) {
	get := func(k string) string {
		if vals := v[k]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	var q database.ImagesQuery
	var err error
	if q.Page, err = positive(get("page"), "page"); err != nil {
		return q, err
	}
	if q.Limit, err = positive(get("limit"), "limit"); err != nil {
		return q, err
	}
	switch strings.ToLower(get("metadata")) {
	case "1", "true", "yes":
		q.Metadata = true
	}
	if q.From, err = timeParam(get("from"), "from"); err != nil {
		return q, err
	}
	if q.To, err = timeParam(get("to"), "to"); err != nil {
		return q, err
	}
	for _, ids := range append(v["ids[]"], v["ids"]...) {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				q.Identifiers = append(q.Identifiers, id)
			}
		}
	}
	if raw := get("query"); raw != "" {
		if q.Filter, err = query.Parse([]byte(raw)); err != nil {
			return q, err
		}
	}
	return q, nil
}

func positive(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, apperr.ErrInvalidQueryStructure.Withf("Invalid %s: %s", name, s)
	}
	return n, nil
}

// timeParam accepts a unix timestamp or an RFC 3339 date.
func timeParam(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.ErrInvalidQueryStructure.Withf("Invalid %s: %s", name, s)
	}
	return t.UTC(), nil
}

func (DatabaseOperations) loadMetadata(e *event.Event) error {
	req, res := e.Request(), e.Response()
	ctx, db := e.Context(), e.Database()
	doc, err := db.Metadata(ctx, req.PublicKey(), req.ImageIdentifier())
	if err != nil {
		return dbError(err)
	}
	if ts, err := db.LastModified(ctx, req.PublicKey(), req.ImageIdentifier()); err == nil {
		res.Header.Set("Last-Modified", ts.UTC().Format(http.TimeFormat))
	}
	res.SetModel(doc)
	return nil
}

// updateMetadata stores the "metadata" parameter. Unless "replace" is set the
// document is merged key by key into the stored one.
func (DatabaseOperations) updateMetadata(e *event.Event) error {
	req := e.Request()
	ctx, db := e.Context(), e.Database()
	v, _ := e.Param("metadata")
	doc, ok := v.(map[string]any)
	if !ok {
		return apperr.ErrInvalidMetadata
	}
	if !e.Bool("replace") {
		current, err := db.Metadata(ctx, req.PublicKey(), req.ImageIdentifier())
		if err != nil {
			return dbError(err)
		}
		for k, val := range doc {
			current[k] = val
		}
		doc = current
	}
	if err := db.SetMetadata(ctx, req.PublicKey(), req.ImageIdentifier(), doc); err != nil {
		return dbError(err)
	}
	return nil
}

func (DatabaseOperations) deleteMetadata(e *event.Event) error {
	req := e.Request()
	if err := e.Database().DeleteMetadata(e.Context(), req.PublicKey(), req.ImageIdentifier()); err != nil {
		return dbError(err)
	}
	return nil
}

func (DatabaseOperations) loadUser(e *event.Event) error {
	req, res := e.Request(), e.Response()
	ctx, db := e.Context(), e.Database()
	n, err := db.NumImages(ctx, req.PublicKey())
	if err != nil {
		return dbError(err)
	}
	ts, err := db.LastModified(ctx, req.PublicKey(), "")
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		ts = time.Now().UTC()
	case err != nil:
		return dbError(err)
	}
	res.Header.Set("Last-Modified", ts.UTC().Format(http.TimeFormat))
	res.SetModel(&models.User{PublicKey: req.PublicKey(), NumImages: n, LastModified: ts.UTC()})
	return nil
}
