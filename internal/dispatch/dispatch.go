// Package dispatch turns HTTP requests into event sequences: route, resolve
// the resource, authenticate, fire the resource event, negotiate the
// response and send it.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/pictura/internal/apperr"
	"github.com/starford/pictura/internal/auth"
	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/message"
	"github.com/starford/pictura/internal/resource"
	"github.com/starford/pictura/internal/router"
	"github.com/starford/pictura/internal/storage"
)

// HeaderVersion carries the server version on every response.
const HeaderVersion = "X-Pictura-Version"

// MethodBrew is answered with 418.
const MethodBrew = "BREW"

// DefaultMaxBodySize bounds request bodies when Options.MaxBodySize is unset.
const DefaultMaxBodySize = 32 << 20

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Options configures a Dispatcher.
type Options struct {
	Manager   *event.Manager
	Routes    *router.Table
	Resources map[string]resource.Resource // by route name
	Keys      map[string]string            // public key to private key
	Validator *auth.Validator
	Database  database.Adapter
	Storage   storage.Provider
	Logger    *slog.Logger
	Version   string

	MaxBodySize int64
	Now         func() time.Time
}

// Dispatcher is the http.Handler serving every resource.
type Dispatcher struct {
	opts Options
}

// New validates opts and creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Manager == nil:
		return nil, errors.New("dispatch: event manager is required")
	case opts.Routes == nil:
		return nil, errors.New("dispatch: route table is required")
	case opts.Database == nil:
		return nil, errors.New("dispatch: database is required")
	case opts.Storage == nil:
		return nil, errors.New("dispatch: storage is required")
	}
	for _, name := range opts.Routes.Names() {
		if _, ok := opts.Resources[name]; !ok {
			return nil, fmt.Errorf("dispatch: route %q has no resource", name)
		}
	}
	if opts.Validator == nil {
		opts.Validator = auth.NewValidator()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{opts: opts}, nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := d.opts.Logger.With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, readErr := d.readBody(w, r)
	req := message.NewRequest(r, body)
	res := message.NewResponse()
	res.Header.Set(HeaderVersion, d.opts.Version)

	args := &event.Args{
		Context:  r.Context(),
		Request:  req,
		Response: res,
		Database: d.opts.Database,
		Storage:  d.opts.Storage,
		Manager:  d.opts.Manager,
		Logger:   logger,
		Writer:   w,
	}

	err := readErr
	if err == nil {
		err = d.handle(args)
	}
	if err != nil {
		d.fail(args, err)
	}

	if _, err := d.opts.Manager.Trigger(args, event.ResponseSend, nil); err != nil {
		logger.Error("dispatch: send response", slog.String("error", err.Error()))
		if !res.Sent() {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.opts.MaxBodySize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, apperr.ErrRequestTooLarge.Withf("Request body exceeds %d bytes", tooLarge.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: read body: %w", err)
	}
	return body, nil
}

// handle runs the normal path up to and including content negotiation.
func (d *Dispatcher) handle(args *event.Args) error {
	req, res := args.Request, args.Response
	m := d.opts.Manager

	if req.Method == MethodBrew {
		return apperr.ErrTeapot
	}
	if !supportedMethods[req.Method] {
		return apperr.ErrUnsupportedMethod
	}

	match, err := d.opts.Routes.Match(req.Path)
	if err != nil {
		return err
	}
	req.Route = match.Route
	for k, v := range match.Params {
		req.Params[k] = v
	}
	if _, err := m.Trigger(args, event.RouteMatch, nil); err != nil {
		return err
	}

	rsc := d.opts.Resources[req.Route]
	res.Header.Set("Allow", strings.Join(rsc.AllowedMethods(), ", "))

	publicKey := req.PublicKey()
	var privateKey string
	if publicKey != "" {
		key, ok := d.opts.Keys[publicKey]
		if !ok {
			return apperr.ErrUnknownPublicKey
		}
		privateKey = key
		req.SetPrivateKey(key)
	}

	name := event.For(req.Route, req.Method)
	if !m.HasListeners(name) {
		return apperr.ErrMethodNotAllowed
	}

	if publicKey != "" {
		if err := d.opts.Validator.Validate(auth.FromRequest(req.HTTP, publicKey, privateKey)); err != nil {
			return err
		}
	}

	if _, err := m.Trigger(args, name, nil); err != nil {
		return err
	}
	_, err = m.Trigger(args, event.ResponseNegotiate, nil)
	return err
}

// fail replaces the response with the error model and negotiates it. A
// strict negotiation is tried first unless err is itself a 406; when that
// fails too the default format is used.
func (d *Dispatcher) fail(args *event.Args, err error) {
	req, res := args.Request, args.Response
	e := apperr.As(err)
	if e.Status >= http.StatusInternalServerError {
		args.Logger.Error("dispatch: request failed", slog.String("error", err.Error()))
	} else {
		args.Logger.Debug("dispatch: request rejected", slog.Int("status", e.Status), slog.String("error", err.Error()))
	}

	res.Header.Del("ETag")
	res.Header.Del("Last-Modified")
	res.SetError(apperr.Model(err, req.ImageIdentifier(), d.opts.Now()))

	negotiated := false
	if e.Status != http.StatusNotAcceptable {
		_, nerr := d.opts.Manager.Trigger(args, event.ResponseNegotiate, nil)
		if nerr == nil {
			negotiated = true
		} else {
			res.SetError(apperr.Model(nerr, req.ImageIdentifier(), d.opts.Now()))
		}
	}
	if negotiated {
		return
	}
	if _, nerr := d.opts.Manager.Trigger(args, event.ResponseNegotiate, event.Params{"noStrict": true}); nerr != nil {
		args.Logger.Error("dispatch: negotiate error response", slog.String("error", nerr.Error()))
		res.Body = []byte(res.Error.Message)
		res.ContentType = "text/plain; charset=utf-8"
	}
}
