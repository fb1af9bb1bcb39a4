package auth

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// TimestampLayout is the accepted timestamp format, always UTC.
const TimestampLayout = "2006-01-02T15:04:05Z"

// TimestampValidator decides whether a signed timestamp is acceptable.
type TimestampValidator interface {
	Validate(ts string) error
}

// DateValidator accepts timestamps in TimestampLayout. When MaxSkew is set,
// timestamps further than MaxSkew from Now are rejected as well.
type DateValidator struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

func (d DateValidator) Validate(ts string) error {
	if err := validation.Validate(ts, validation.Required, validation.Date(TimestampLayout)); err != nil {
		return err
	}
	if d.MaxSkew <= 0 {
		return nil
	}
	t, _ := time.Parse(TimestampLayout, ts)
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	diff := now().Sub(t)
	if diff < 0 {
		diff = -diff
	}
	if diff > d.MaxSkew {
		return fmt.Errorf("timestamp is %s away from server time", diff.Round(time.Second))
	}
	return nil
}

// Timestamp formats t in TimestampLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
