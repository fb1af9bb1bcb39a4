// Package event implements the ordered publish/subscribe registry that drives
// request handling. Handlers are registered and bound once at startup; each
// request then triggers events against a shared argument bag.
package event

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/message"
	"github.com/starford/pictura/internal/storage"
)

// Name identifies an event.
type Name string

// Infrastructure events.
const (
	RouteMatch         Name = "route.match"
	ResponseNegotiate  Name = "response.negotiate"
	ResponseSend       Name = "response.send"
	DBImageInsert      Name = "db.image.insert"
	DBImageDelete      Name = "db.image.delete"
	DBImageLoad        Name = "db.image.load"
	DBImagesLoad       Name = "db.images.load"
	DBMetadataLoad     Name = "db.metadata.load"
	DBMetadataUpdate   Name = "db.metadata.update"
	DBMetadataDelete   Name = "db.metadata.delete"
	DBUserLoad         Name = "db.user.load"
	StorageImageInsert Name = "storage.image.insert"
	StorageImageDelete Name = "storage.image.delete"
	StorageImageLoad   Name = "storage.image.load"
	ImageTransform     Name = "image.transform"
)

// For composes the event fired for an HTTP method against a route.
func For(route, method string) Name {
	return Name(route + "." + strings.ToLower(method))
}

// Params are per-trigger extra arguments.
type Params map[string]any

// Args is the argument bag shared by every event triggered while handling a
// single request.
type Args struct {
	Context  context.Context
	Request  *message.Request
	Response *message.Response
	Database database.Adapter
	Storage  storage.Provider
	Manager  *Manager
	Logger   *slog.Logger

	// Writer receives the response once response.send fires.
	Writer http.ResponseWriter
}

// Event is created fresh for every trigger.
type Event struct {
	name    Name
	args    *Args
	params  Params
	stopped bool
}

// Name returns the event name.
func (e *Event) Name() Name { return e.name }

// Args returns the shared argument bag.
func (e *Event) Args() *Args { return e.args }

// Context returns the request context.
func (e *Event) Context() context.Context {
	if e.args.Context == nil {
		return context.Background()
	}
	return e.args.Context
}

func (e *Event) Request() *message.Request   { return e.args.Request }
func (e *Event) Response() *message.Response { return e.args.Response }
func (e *Event) Database() database.Adapter  { return e.args.Database }
func (e *Event) Storage() storage.Provider   { return e.args.Storage }

// Logger returns the request logger, falling back to the default logger.
func (e *Event) Logger() *slog.Logger {
	if e.args.Logger == nil {
		return slog.Default()
	}
	return e.args.Logger
}

// Param returns a trigger parameter.
func (e *Event) Param(key string) (any, bool) {
	v, ok := e.params[key]
	return v, ok
}

// StringParam returns a string trigger parameter, "" when absent.
func (e *Event) StringParam(key string) string {
	v, _ := e.params[key].(string)
	return v
}

// Bool returns a boolean trigger parameter, false when absent.
func (e *Event) Bool(key string) bool {
	v, _ := e.params[key].(bool)
	return v
}

// StopPropagation prevents the remaining handlers of this trigger from running.
func (e *Event) StopPropagation() { e.stopped = true }

// Stopped reports whether propagation was stopped.
func (e *Event) Stopped() bool { return e.stopped }

// Trigger fires another event with the same argument bag.
func (e *Event) Trigger(name Name, params Params) (*Event, error) {
	return e.args.Manager.Trigger(e.args, name, params)
}
