package resource

import (
	"net/http"
	"time"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/event"
)

// Index describes the service.
type Index struct {
	Version string
}

func (*Index) AllowedMethods() []string { return readOnly }

func (*Index) Subscriptions() map[event.Name]int { return subscriptions("index", readOnly) }

func (i *Index) Handle(e *event.Event) error {
	e.Response().SetModel(map[string]any{
		"version": i.Version,
		"endpoints": map[string]string{
			"status":    "/status",
			"stats":     "/stats",
			"user":      "/users/{user}",
			"images":    "/users/{user}/images",
			"image":     "/users/{user}/images/{imageIdentifier}",
			"metadata":  "/users/{user}/images/{imageIdentifier}/metadata",
			"shorturls": "/users/{user}/images/{imageIdentifier}/shorturls",
			"shorturl":  "/s/{id}",
		},
	})
	return nil
}

// Status reports whether the database and storage are reachable.
type Status struct{}

func (Status) AllowedMethods() []string { return readOnly }

func (Status) Subscriptions() map[event.Name]int { return subscriptions("status", readOnly) }

func (Status) Handle(e *event.Event) error {
	ctx, res := e.Context(), e.Response()
	dbErr := e.Database().Status(ctx)
	storeErr := e.Storage().Status(ctx)

	if dbErr != nil {
		e.Logger().Error("status: database unavailable", "error", dbErr)
	}
	if storeErr != nil {
		e.Logger().Error("status: storage unavailable", "error", storeErr)
	}
	if dbErr != nil || storeErr != nil {
		res.SetStatus(http.StatusInternalServerError)
	}
	res.Header.Set("Cache-Control", "private, max-age=0, no-store")
	res.SetModel(map[string]any{
		"date":     time.Now().UTC().Format(http.TimeFormat),
		"database": dbErr == nil,
		"storage":  storeErr == nil,
	})
	return nil
}

// Stats reports image counts for the configured accounts.
type Stats struct {
	PublicKeys []string
}

func (*Stats) AllowedMethods() []string { return readOnly }

func (*Stats) Subscriptions() map[event.Name]int { return subscriptions("stats", readOnly) }

func (s *Stats) Handle(e *event.Event) error {
	ctx, db := e.Context(), e.Database()
	users := make(map[string]any, len(s.PublicKeys))
	for _, key := range s.PublicKeys {
		n, err := db.NumImages(ctx, key)
		if err != nil {
			return apperr.ErrDatabase.Wrap(err)
		}
		users[key] = map[string]int{"numImages": n}
	}
	total, err := db.NumImages(ctx, "")
	if err != nil {
		return apperr.ErrDatabase.Wrap(err)
	}
	e.Response().Header.Set("Cache-Control", "private, max-age=0, no-store")
	e.Response().SetModel(map[string]any{
		"users": users,
		"total": map[string]int{"numImages": total, "numUsers": len(s.PublicKeys)},
	})
	return nil
}

// User summarises one account.
type User struct{}

func (User) AllowedMethods() []string { return readOnly }

func (User) Subscriptions() map[event.Name]int { return subscriptions("user", readOnly) }

func (User) Handle(e *event.Event) error {
	_, err := e.Trigger(event.DBUserLoad, nil)
	return err
}
