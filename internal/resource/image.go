package resource

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/models"
)

// Images lists an account's images.
type Images struct{}

func (Images) AllowedMethods() []string { return readOnly }

func (Images) Subscriptions() map[event.Name]int { return subscriptions("images", readOnly) }

func (Images) Handle(e *event.Event) error {
	req, res := e.Request(), e.Response()
	ts, err := e.Database().LastModified(e.Context(), req.PublicKey(), "")
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		ts = time.Now()
	case err != nil:
		return apperr.ErrDatabase.Wrap(err)
	}
	lastModified := ts.UTC().Format(http.TimeFormat)
	res.Header.Set("Last-Modified", lastModified)
	res.Header.Set("ETag", `"`+checksum.MD5([]byte(lastModified))+`"`)

	_, err = e.Trigger(event.DBImagesLoad, nil)
	return err
}

var imageMethods = []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete}

// Image stores, serves and deletes single images.
type Image struct{}

func (Image) AllowedMethods() []string { return imageMethods }

func (Image) Subscriptions() map[event.Name]int { return subscriptions("image", imageMethods) }

func (i Image) Handle(e *event.Event) error {
	switch e.Request().Method {
	case http.MethodPut:
		return i.put(e)
	case http.MethodDelete:
		return i.delete(e)
	default:
		return i.get(e)
	}
}

func (Image) get(e *event.Event) error {
	if _, err := e.Trigger(event.DBImageLoad, nil); err != nil {
		return err
	}
	if _, err := e.Trigger(event.StorageImageLoad, nil); err != nil {
		return err
	}
	res := e.Response()
	img, ok := res.Model.(*models.Image)
	if !ok {
		return apperr.ErrImageNotFound
	}
	h := res.Header
	h.Set("X-Pictura-OriginalWidth", strconv.Itoa(img.Width))
	h.Set("X-Pictura-OriginalHeight", strconv.Itoa(img.Height))
	h.Set("X-Pictura-OriginalFileSize", strconv.FormatInt(img.Size, 10))
	h.Set("X-Pictura-OriginalMimeType", img.MimeType)
	h.Set("X-Pictura-OriginalExtension", img.Extension)
	return nil
}

// put records the prepared image and writes its blob. A failed blob write
// removes the record again.
func (Image) put(e *event.Event) error {
	req := e.Request()
	if _, err := e.Trigger(event.DBImageInsert, nil); err != nil {
		return err
	}
	if _, err := e.Trigger(event.StorageImageInsert, nil); err != nil {
		if _, rerr := e.Trigger(event.DBImageDelete, nil); rerr != nil {
			e.Logger().Error("image: rollback database record", "image", req.ImageIdentifier(), "error", rerr)
		}
		return err
	}
	e.Response().SetStatus(http.StatusCreated).SetModel(idModel("imageIdentifier", req.ImageIdentifier()))
	return nil
}

// delete removes the record and then the blob. A blob that is already gone is
// not an error once the record has been deleted.
func (Image) delete(e *event.Event) error {
	req := e.Request()
	if _, err := e.Trigger(event.DBImageDelete, nil); err != nil {
		return err
	}
	if _, err := e.Trigger(event.StorageImageDelete, nil); err != nil && !errors.Is(err, apperr.ErrImageNotFound) {
		return err
	}
	e.Response().SetModel(idModel("imageIdentifier", req.ImageIdentifier()))
	return nil
}
