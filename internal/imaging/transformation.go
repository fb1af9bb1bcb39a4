package imaging

import (
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/starford/pictura/internal/apperr"
)

// Transformation is one step of a chain, written as
// "name" or "name:key=value,key=value".
type Transformation struct {
	Name   string
	Params map[string]string
}

type encodeOptions struct {
	quality int
}

// Parse reads the t[] values of a request into a chain.
func Parse(values []string) ([]Transformation, error) {
	chain := make([]Transformation, 0, len(values))
	for _, v := range values {
		name, rest, _ := strings.Cut(v, ":")
		t := Transformation{Name: name, Params: map[string]string{}}
		if _, ok := handlers[name]; !ok {
			return nil, apperr.ErrInvalidTransformation.Withf("Unknown transformation: %s", name)
		}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, val, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, apperr.ErrInvalidTransformation.Withf("Invalid parameter %q for %s", kv, name)
				}
				t.Params[k] = val
			}
		}
		chain = append(chain, t)
	}
	return chain, nil
}

type handler func(img image.Image, t Transformation, opts *encodeOptions) (image.Image, error)

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"resize":    resize,
		"maxSize":   maxSize,
		"thumbnail": thumbnail,
		"crop":      crop,
		"rotate":    rotate,
		"canvas":    canvas,
		"flipHorizontally": func(img image.Image, _ Transformation, _ *encodeOptions) (image.Image, error) {
			return imaging.FlipH(img), nil
		},
		"flipVertically": func(img image.Image, _ Transformation, _ *encodeOptions) (image.Image, error) {
			return imaging.FlipV(img), nil
		},
		"desaturate": func(img image.Image, _ Transformation, _ *encodeOptions) (image.Image, error) {
			return imaging.Grayscale(img), nil
		},
		"sharpen":  sharpen,
		"blur":     blur,
		"compress": compress,
	}
}

func (t Transformation) apply(img image.Image, opts *encodeOptions) (image.Image, error) {
	return handlers[t.Name](img, t, opts)
}

func (t Transformation) intParam(key string, def int) (int, error) {
	v, ok := t.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.ErrInvalidTransformation.Withf("%s: %s must be an integer", t.Name, key)
	}
	return n, nil
}

func (t Transformation) floatParam(key string, def float64) (float64, error) {
	v, ok := t.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.ErrInvalidTransformation.Withf("%s: %s must be a number", t.Name, key)
	}
	return f, nil
}

func (t Transformation) size() (int, int, error) {
	w, err := t.intParam("width", 0)
	if err != nil {
		return 0, 0, err
	}
	h, err := t.intParam("height", 0)
	if err != nil {
		return 0, 0, err
	}
	if w < 0 || h < 0 || (w == 0 && h == 0) {
		return 0, 0, apperr.ErrInvalidTransformation.Withf("%s: width or height is required", t.Name)
	}
	return w, h, nil
}

func resize(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	w, h, err := t.size()
	if err != nil {
		return nil, err
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

func maxSize(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	w, h, err := t.size()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if w == 0 {
		w = b.Dx()
	}
	if h == 0 {
		h = b.Dy()
	}
	return imaging.Fit(img, w, h, imaging.Lanczos), nil
}

func thumbnail(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	w, err := t.intParam("width", 50)
	if err != nil {
		return nil, err
	}
	h, err := t.intParam("height", 50)
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 {
		return nil, apperr.ErrInvalidTransformation.Withf("thumbnail: width and height must be positive")
	}
	return imaging.Thumbnail(img, w, h, imaging.Lanczos), nil
}

func crop(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	x, err := t.intParam("x", 0)
	if err != nil {
		return nil, err
	}
	y, err := t.intParam("y", 0)
	if err != nil {
		return nil, err
	}
	w, err := t.intParam("width", 0)
	if err != nil {
		return nil, err
	}
	h, err := t.intParam("height", 0)
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 {
		return nil, apperr.ErrInvalidTransformation.Withf("crop: width and height are required")
	}
	b := img.Bounds()
	rect := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h)
	if !rect.Overlaps(b) {
		return nil, apperr.ErrInvalidTransformation.Withf("crop: area is outside the image")
	}
	return imaging.Crop(img, rect), nil
}

func rotate(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	angle, err := t.floatParam("angle", 0)
	if err != nil {
		return nil, err
	}
	bg, err := parseColor(t.Params["bg"], "000000")
	if err != nil {
		return nil, err
	}
	// imaging rotates counter-clockwise.
	return imaging.Rotate(img, -angle, bg), nil
}

func canvas(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	w, h, err := t.size()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if w == 0 {
		w = b.Dx()
	}
	if h == 0 {
		h = b.Dy()
	}
	bg, err := parseColor(t.Params["bg"], "ffffff")
	if err != nil {
		return nil, err
	}
	return imaging.PasteCenter(imaging.New(w, h, bg), img), nil
}

func sharpen(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	sigma, err := t.floatParam("sigma", 1)
	if err != nil {
		return nil, err
	}
	return imaging.Sharpen(img, sigma), nil
}

func blur(img image.Image, t Transformation, _ *encodeOptions) (image.Image, error) {
	sigma, err := t.floatParam("sigma", 1)
	if err != nil {
		return nil, err
	}
	return imaging.Blur(img, sigma), nil
}

func compress(img image.Image, t Transformation, opts *encodeOptions) (image.Image, error) {
	q, err := t.intParam("level", 75)
	if err != nil {
		return nil, err
	}
	if q < 1 || q > 100 {
		return nil, apperr.ErrInvalidTransformation.Withf("compress: level must be between 1 and 100")
	}
	opts.quality = q
	return img, nil
}

// parseColor reads "rgb" or "rrggbb" hex, with or without a leading #.
func parseColor(s, def string) (color.Color, error) {
	if s == "" {
		s = def
	}
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return nil, apperr.ErrInvalidTransformation.Withf("Invalid color: %s", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, apperr.ErrInvalidTransformation.Withf("Invalid color: %s", s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
