package listener

import (
	"fmt"
	"strconv"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/imaging"
	"github.com/starford/pictura/internal/models"
)

// ImagePreparation turns an upload body into the request's image. The
// identifier in the path must be the MD5 of the body.
type ImagePreparation struct{}

func (ImagePreparation) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.For("image", "PUT"): 50}
}

func (ImagePreparation) Handle(e *event.Event) error {
	req := e.Request()
	info, err := imaging.Inspect(req.Body)
	if err != nil {
		return err
	}
	sum := checksum.MD5(req.Body)
	if sum != req.ImageIdentifier() {
		return apperr.ErrImageHashMismatch.Withf("Hash mismatch: body is %s", sum)
	}
	req.Image = &models.Image{
		User:            req.PublicKey(),
		ImageIdentifier: sum,
		Checksum:        sum,
		MimeType:        info.MimeType,
		Extension:       info.Extension,
		Size:            int64(len(req.Body)),
		Width:           info.Width,
		Height:          info.Height,
		Blob:            req.Body,
	}
	return nil
}

// MaxImageSize shrinks uploads that exceed a bounding box before they are
// stored. A zero bound leaves that dimension unconstrained.
type MaxImageSize struct {
	Width  int
	Height int
}

// NewMaxImageSize reads the width and height parameters.
func NewMaxImageSize(params map[string]any) (event.Listener, error) {
	w, err := intParam(params, "width")
	if err != nil {
		return nil, err
	}
	h, err := intParam(params, "height")
	if err != nil {
		return nil, err
	}
	if w < 0 || h < 0 || (w == 0 && h == 0) {
		return nil, fmt.Errorf("width or height is required")
	}
	return &MaxImageSize{Width: w, Height: h}, nil
}

func (*MaxImageSize) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.For("image", "PUT"): 25}
}

func (m *MaxImageSize) Handle(e *event.Event) error {
	img := e.Request().Image
	if img == nil {
		return nil
	}
	if (m.Width == 0 || img.Width <= m.Width) && (m.Height == 0 || img.Height <= m.Height) {
		return nil
	}
	t := imaging.Transformation{Name: "maxSize", Params: map[string]string{}}
	if m.Width > 0 {
		t.Params["width"] = strconv.Itoa(m.Width)
	}
	if m.Height > 0 {
		t.Params["height"] = strconv.Itoa(m.Height)
	}
	out, err := imaging.Apply(img.Blob, []imaging.Transformation{t}, img.Extension)
	if err != nil {
		return err
	}
	img.Blob = out.Blob
	img.Width, img.Height = out.Width, out.Height
	img.Size = int64(len(out.Blob))
	return nil
}

// ImageTransformer applies the t[] chain of the request, and converts to the
// "extension" parameter, when an image response is negotiated.
type ImageTransformer struct{}

func (ImageTransformer) Subscriptions() map[event.Name]int {
	return map[event.Name]int{event.ImageTransform: 0}
}

func (ImageTransformer) Handle(e *event.Event) error {
	img, ok := e.Response().Model.(*models.Image)
	if !ok || img.Blob == nil {
		return nil
	}
	chain, err := imaging.Parse(Transformations(e.Request().Query))
	if err != nil {
		return err
	}
	out, err := imaging.Apply(img.Blob, chain, e.StringParam("extension"))
	if err != nil {
		return err
	}
	ext, _ := imaging.Extension(out.MimeType)
	img.Blob = out.Blob
	img.MimeType, img.Extension = out.MimeType, ext
	img.Width, img.Height = out.Width, out.Height
	img.Size = int64(len(out.Blob))
	return nil
}

// Transformations returns the raw t[] values of a query.
func Transformations(q map[string][]string) []string {
	return append(append([]string(nil), q["t[]"]...), q["t"]...)
}
