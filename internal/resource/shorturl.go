package resource

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goccy/go-json"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/imaging"
	"github.com/starford/pictura/internal/message"
	"github.com/starford/pictura/internal/shorturl"
)

func allocator(e *event.Event) *shorturl.Allocator {
	return shorturl.New(e.Database())
}

// shortURLRequest is the body of a short link creation.
type shortURLRequest struct {
	PublicKey       string `json:"publicKey"`
	ImageIdentifier string `json:"imageIdentifier"`
	Extension       string `json:"extension"`
	Query           string `json:"query"`
}

func (r shortURLRequest) validate(publicKey, imageIdentifier string) error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.PublicKey, validation.Required, validation.In(publicKey).Error("does not match the request")),
		validation.Field(&r.ImageIdentifier, validation.Required, validation.In(imageIdentifier).Error("does not match the request")),
		validation.Field(&r.Extension, validation.By(func(any) error {
			if _, ok := imaging.MimeType(shorturl.NormalizeExtension(r.Extension)); r.Extension != "" && !ok {
				return errors.New("unsupported image type")
			}
			return nil
		})),
	)
	if err != nil {
		return apperr.ErrInvalidShortURLRequest.Withf("Invalid short URL request: %v", err)
	}
	return nil
}

var shortURLsMethods = []string{http.MethodPost, http.MethodDelete}

// ShortURLs creates short links for an image and removes all of them.
type ShortURLs struct{}

func (ShortURLs) AllowedMethods() []string { return shortURLsMethods }

func (ShortURLs) Subscriptions() map[event.Name]int {
	return subscriptions("shorturls", shortURLsMethods)
}

func (ShortURLs) Handle(e *event.Event) error {
	req, res := e.Request(), e.Response()
	if req.Method == http.MethodDelete {
		if err := allocator(e).DeleteAllForImage(e.Context(), req.PublicKey(), req.ImageIdentifier()); err != nil {
			return apperr.ErrDatabase.Wrap(err)
		}
		res.SetModel(idModel("imageIdentifier", req.ImageIdentifier()))
		return nil
	}

	var body shortURLRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return apperr.ErrInvalidShortURLRequest.Withf("Missing JSON data")
	}
	if err := body.validate(req.PublicKey(), req.ImageIdentifier()); err != nil {
		return err
	}
	q, err := url.ParseQuery(strings.TrimPrefix(body.Query, "?"))
	if err != nil {
		return apperr.ErrInvalidShortURLRequest.Withf("Invalid query: %s", body.Query)
	}

	ctx := e.Context()
	exists, err := e.Database().ImageExists(ctx, req.PublicKey(), req.ImageIdentifier())
	if err != nil {
		return apperr.ErrDatabase.Wrap(err)
	}
	if !exists {
		return apperr.ErrImageNotFound
	}

	id, existed, err := allocator(e).GetOrCreate(ctx, req.PublicKey(), req.ImageIdentifier(), body.Extension, q)
	if err != nil {
		return apperr.ErrDatabase.Wrap(err)
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	res.SetStatus(status).SetModel(idModel("id", id))
	return nil
}

var shortURLMethods = []string{http.MethodGet, http.MethodHead, http.MethodDelete}

// ShortURL reads or deletes one short link of an image.
type ShortURL struct{}

func (ShortURL) AllowedMethods() []string { return shortURLMethods }

func (ShortURL) Subscriptions() map[event.Name]int { return subscriptions("shorturl", shortURLMethods) }

func (ShortURL) Handle(e *event.Event) error {
	req, res := e.Request(), e.Response()
	ctx, a := e.Context(), allocator(e)
	id := req.ShortURLID()

	if req.Method == http.MethodDelete {
		if err := a.Delete(ctx, req.PublicKey(), req.ImageIdentifier(), id); err != nil {
			return shortURLError(err)
		}
		res.SetModel(idModel("id", id))
		return nil
	}

	s, err := a.Resolve(ctx, id)
	if err != nil {
		return shortURLError(err)
	}
	if s.User != req.PublicKey() || s.ImageIdentifier != req.ImageIdentifier() {
		return apperr.ErrShortURLNotFound
	}
	res.SetModel(s)
	return nil
}

// GlobalShortURL serves the image a short link points at, with the stored
// extension and query applied.
type GlobalShortURL struct{}

func (GlobalShortURL) AllowedMethods() []string { return readOnly }

func (GlobalShortURL) Subscriptions() map[event.Name]int {
	return subscriptions("globalshorturl", readOnly)
}

func (GlobalShortURL) Handle(e *event.Event) error {
	req := e.Request()
	s, err := allocator(e).Resolve(e.Context(), req.ShortURLID())
	if err != nil {
		return shortURLError(err)
	}

	req.Route = "image"
	req.Params[message.ParamUser] = s.User
	req.Params[message.ParamImageIdentifier] = s.ImageIdentifier
	req.Params[message.ParamExtension] = s.Extension
	req.Query = s.Query
	if req.Query == nil {
		req.Query = url.Values{}
	}
	_, err = e.Trigger(event.For("image", req.Method), nil)
	return err
}

func shortURLError(err error) error {
	var domain *apperr.Error
	if errors.As(err, &domain) {
		return err
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.ErrShortURLNotFound.Wrap(err)
	}
	return apperr.ErrDatabase.Wrap(err)
}
