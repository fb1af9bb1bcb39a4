// Package imaging inspects uploaded images and applies transformation chains
// requested with t[] query parameters.
package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/disintegration/imaging"

	"github.com/starford/pictura/internal/apperr"
)

// Supported image types by extension.
var mimeTypes = map[string]string{
	"gif": "image/gif",
	"jpg": "image/jpeg",
	"png": "image/png",
}

// MimeType returns the media type for an extension.
func MimeType(ext string) (string, bool) {
	m, ok := mimeTypes[ext]
	return m, ok
}

// Extension returns the extension for a supported media type.
func Extension(mime string) (string, bool) {
	for ext, m := range mimeTypes {
		if m == mime {
			return ext, true
		}
	}
	return "", false
}

// MimeTypes lists the supported media types, preferred first.
func MimeTypes() []string {
	return []string{"image/png", "image/jpeg", "image/gif"}
}

// Info describes an image blob.
type Info struct {
	MimeType  string
	Extension string
	Width     int
	Height    int
}

// Inspect sniffs the blob type and reads its dimensions without decoding the
// pixel data.
func Inspect(blob []byte) (*Info, error) {
	if len(blob) == 0 {
		return nil, apperr.ErrNoImageAttached
	}
	mime := http.DetectContentType(blob)
	ext, ok := Extension(mime)
	if !ok {
		return nil, apperr.ErrUnsupportedImageType.Withf("Unsupported image type: %s", mime)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(blob))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return nil, apperr.ErrBrokenImage.Withf("Broken image")
	}
	return &Info{MimeType: mime, Extension: ext, Width: cfg.Width, Height: cfg.Height}, nil
}

// Result is a transformed image.
type Result struct {
	Blob     []byte
	MimeType string
	Width    int
	Height   int
}

// Apply runs chain on blob and encodes the result as ext. An empty ext keeps
// the source type.
func Apply(blob []byte, chain []Transformation, ext string) (*Result, error) {
	src, err := Inspect(blob)
	if err != nil {
		return nil, err
	}
	if ext == "" {
		ext = src.Extension
	}
	mime, ok := MimeType(ext)
	if !ok {
		return nil, apperr.ErrUnsupportedImageType.Withf("Unsupported image type: %s", ext)
	}
	if len(chain) == 0 && ext == src.Extension {
		return &Result{Blob: blob, MimeType: mime, Width: src.Width, Height: src.Height}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(blob), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.ErrBrokenImage.Withf("Broken image").Wrap(err)
	}

	opts := encodeOptions{quality: 90}
	for _, t := range chain {
		if img, err = t.apply(img, &opts); err != nil {
			return nil, err
		}
	}

	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return nil, apperr.ErrUnsupportedImageType.Withf("Unsupported image type: %s", ext)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(opts.quality)); err != nil {
		return nil, apperr.ErrInvalidTransformation.Withf("Could not encode image").Wrap(err)
	}
	b := img.Bounds()
	return &Result{Blob: buf.Bytes(), MimeType: mime, Width: b.Dx(), Height: b.Dy()}, nil
}
