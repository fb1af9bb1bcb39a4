package listener

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/formatter"
	"github.com/starford/pictura/internal/imaging"
	"github.com/starford/pictura/internal/message"
	"github.com/starford/pictura/internal/models"
)

// ResponseFormatter renders the response model on response.negotiate. Images
// are encoded in the requested or negotiated image type; everything else goes
// through the formatter set. With the "noStrict" parameter a failed
// negotiation falls back to the default instead of returning 406.
type ResponseFormatter struct {
	Formatters *formatter.Set
}

// NewResponseFormatter creates a ResponseFormatter over set.
func NewResponseFormatter(set *formatter.Set) *ResponseFormatter {
	return &ResponseFormatter{Formatters: set}
}

func (*ResponseFormatter) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.ResponseNegotiate: 0}
}

func (f *ResponseFormatter) Handle(e *event.Event) error {
	req, res := e.Request(), e.Response()
	res.Header.Set("Vary", "Accept")
	if res.Model == nil {
		res.Body, res.ContentType = nil, ""
		return nil
	}
	if img, ok := res.Model.(*models.Image); ok && res.Error == nil {
		return f.image(e, req, res, img)
	}

	strict := !e.Bool("noStrict")
	fm, ok := f.Formatters.ByExtension(req.Extension())
	if !ok {
		fm, ok = f.Formatters.Negotiate(req.Header.Get("Accept"))
	}
	if !ok {
		if strict {
			return apperr.ErrNotAcceptable
		}
		fm = f.Formatters.Default()
	}
	body, err := fm.Format(res.Model)
	if err != nil {
		return err
	}
	res.Body, res.ContentType = body, fm.ContentType()
	return nil
}

func (f *ResponseFormatter) image(e *event.Event, req *message.Request, res *message.Response, img *models.Image) error {
	ext := req.Extension()
	if ext == "" {
		offers := []string{img.MimeType}
		for _, m := range imaging.MimeTypes() {
			if m != img.MimeType {
				offers = append(offers, m)
			}
		}
		mime, ok := formatter.Negotiate(req.Header.Get("Accept"), offers)
		if !ok && !e.Bool("noStrict") {
			return apperr.ErrNotAcceptable
		}
		if !ok {
			mime = img.MimeType
		}
		ext, _ = imaging.Extension(mime)
	}

	if ext != img.Extension || len(Transformations(req.Query)) > 0 {
		if _, err := e.Trigger(event.ImageTransform, event.Params{"extension": ext}); err != nil {
			return err
		}
	}
	res.Body, res.ContentType = img.Blob, img.MimeType
	return nil
}

// ResponseETag sets an ETag on successful GET and HEAD responses and turns
// them into 304 Not Modified when the client already holds the entity.
type ResponseETag struct{}

func (ResponseETag) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.ResponseSend: 10}
}

func (ResponseETag) Handle(e *event.Event) error {
	req, res := e.Request(), e.Response()
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil
	}
	if res.Status != http.StatusOK || res.Error != nil || len(res.Body) == 0 {
		return nil
	}
	etag := res.Header.Get("ETag")
	if etag == "" {
		etag = checksum.ETag(res.Body)
		res.Header.Set("ETag", etag)
	}
	if notModified(req.Header, res.Header, etag) {
		res.SetStatus(http.StatusNotModified)
		res.Body = nil
	}
	return nil
}

func notModified(reqHeader, resHeader http.Header, etag string) bool {
	if inm := reqHeader.Get("If-None-Match"); inm != "" {
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || tag == etag || strings.TrimPrefix(tag, "W/") == etag {
				return true
			}
		}
		return false
	}
	ims, err := http.ParseTime(reqHeader.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	lm, err := http.ParseTime(resHeader.Get("Last-Modified"))
	if err != nil {
		return false
	}
	return !lm.Truncate(time.Second).After(ims)
}

// ErrNoWriter is returned when response.send fires without a client writer.
var ErrNoWriter = errors.New("listener: no response writer")

// ResponseSender writes the response to the client.
type ResponseSender struct{}

func (ResponseSender) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.ResponseSend: 0}
}

func (ResponseSender) Handle(e *event.Event) error {
	w := e.Args().Writer
	if w == nil {
		return ErrNoWriter
	}
	return e.Response().Send(w, e.Request().Method == http.MethodHead)
}
