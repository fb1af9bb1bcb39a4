package resource

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/event"
)

var metadataMethods = []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPost, http.MethodDelete}

// Metadata reads and writes an image's metadata document. PUT replaces the
// document, POST merges into it.
type Metadata struct{}

func (Metadata) AllowedMethods() []string { return metadataMethods }

func (Metadata) Subscriptions() map[event.Name]int { return subscriptions("metadata", metadataMethods) }

func (Metadata) Handle(e *event.Event) error {
	req, res := e.Request(), e.Response()
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		_, err := e.Trigger(event.DBMetadataLoad, nil)
		return err

	case http.MethodDelete:
		if _, err := e.Trigger(event.DBMetadataDelete, nil); err != nil {
			return err
		}

	default:
		doc, err := decodeMetadata(req.Body)
		if err != nil {
			return err
		}
		params := event.Params{"metadata": doc, "replace": req.Method == http.MethodPut}
		if _, err := e.Trigger(event.DBMetadataUpdate, params); err != nil {
			return err
		}
	}
	res.SetModel(idModel("imageIdentifier", req.ImageIdentifier()))
	return nil
}

func decodeMetadata(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return nil, apperr.ErrInvalidMetadata.Withf("Missing JSON data")
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return nil, apperr.ErrInvalidMetadata.Withf("Invalid JSON data")
	}
	return doc, nil
}
