package apperr

import (
	"time"

	"github.com/starford/pictura/internal/models"
)

// Model builds the error body for err.
func Model(err error, imageIdentifier string, now time.Time) *models.Error {
	e := As(err)
	return &models.Error{
		Status:          e.Status,
		Message:         e.Message,
		Date:            now.UTC(),
		Code:            e.Code,
		ImageIdentifier: imageIdentifier,
	}
}
