package listener

import (
	"net/http"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/shorturl"
)

// ShortURLCleanup drops every short link of an image once the image has been
// deleted, whichever resource serves the short link routes.
type ShortURLCleanup struct{}

func (ShortURLCleanup) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.For("image", http.MethodDelete): -10}
}

func (ShortURLCleanup) Handle(e *event.Event) error {
	req := e.Request()
	if err := shorturl.New(e.Database()).DeleteAllForImage(e.Context(), req.PublicKey(), req.ImageIdentifier()); err != nil {
		return apperr.ErrDatabase.Wrap(err)
	}
	return nil
}
