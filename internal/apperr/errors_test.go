package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestIsMatchesCopies(t *testing.T) {
	err := ErrInvalidTimestamp.Withf("Invalid timestamp: %s", "yesterday")
	if !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatal("Withf copy should match its sentinel")
	}
	if errors.Is(err, ErrSignatureMismatch) {
		t.Fatal("different code must not match")
	}
	wrapped := fmt.Errorf("dispatch: %w", err)
	if !errors.Is(wrapped, ErrInvalidTimestamp) {
		t.Fatal("wrapped error should still match")
	}
}

func TestAsTranslatesAdapterSentinels(t *testing.T) {
	if got := As(fmt.Errorf("sqlite: %w", ErrNotFound)); got.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got.Status)
	}
	if got := As(errors.New("boom")); got.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got.Status)
	}
	if got := As(ErrTeapot); got != ErrTeapot {
		t.Errorf("domain error should be returned as is")
	}
}

func TestModel(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	m := Model(ErrMethodNotAllowed, "abc", now)
	if m.Status != http.StatusMethodNotAllowed || m.Code != CodeMethodNotAllowed {
		t.Errorf("model = %+v", m)
	}
	if m.Date.Location() != time.UTC {
		t.Errorf("date should be UTC")
	}
	if m.ImageIdentifier != "abc" {
		t.Errorf("image identifier = %q", m.ImageIdentifier)
	}
}
