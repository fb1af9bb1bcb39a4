package listener

import (
	"errors"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/models"
)

// StorageOperations serves the storage.* events against the request's blob
// provider.
type StorageOperations struct{}

func (StorageOperations) Subscriptions() map[event.Name]int {
	return map[event.Name]int{
		event.StorageImageInsert: 0,
		event.StorageImageDelete: 0,
		event.StorageImageLoad:   0,
	}
}

func (StorageOperations) Handle(e *event.Event) error {
	req := e.Request()
	ctx, store := e.Context(), e.Storage()

	switch e.Name() {
	case event.StorageImageInsert:
		img := req.Image
		if img == nil {
			return apperr.ErrNoImageAttached
		}
		if err := store.Store(ctx, img.User, img.ImageIdentifier, img.Blob); err != nil {
			return apperr.ErrStorage.Wrap(err)
		}

	case event.StorageImageDelete:
		if err := store.Delete(ctx, req.PublicKey(), req.ImageIdentifier()); err != nil {
			return storageError(err)
		}

	case event.StorageImageLoad:
		img, ok := e.Response().Model.(*models.Image)
		if !ok {
			return apperr.ErrImageNotFound
		}
		blob, err := store.Load(ctx, img.User, img.ImageIdentifier)
		if err != nil {
			return storageError(err)
		}
		img.Blob = blob
	}
	return nil
}

func storageError(err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.ErrImageNotFound.Wrap(err)
	}
	return apperr.ErrStorage.Wrap(err)
}
