package dispatch

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/pictura/internal/auth"
	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/formatter"
	"github.com/starford/pictura/internal/listener"
	"github.com/starford/pictura/internal/resource"
	"github.com/starford/pictura/internal/router"
	"github.com/starford/pictura/internal/storage"
)

// Config describes a complete dispatcher: routes, resources, listeners and
// the backends they run against.
type Config struct {
	Version      string
	Keys         map[string]string
	MaxClockSkew time.Duration
	MaxBodySize  int64

	// Routes are added to or replace the default routes by name.
	Routes []router.Route
	// Resources maps route names to resource keys.
	Resources map[string]string
	// Listeners are merged over the built-in listener bindings by name.
	Listeners []listener.Binding
	// Publisher receives image change notifications; nil disables them.
	Publisher listener.Publisher

	Database database.Adapter
	Storage  storage.Provider
	Logger   *slog.Logger
}

// Build assembles the event manager and returns the Dispatcher. The manager
// is not modified after Build returns.
func Build(cfg Config) (*Dispatcher, error) {
	table, err := router.New(cfg.Routes)
	if err != nil {
		return nil, err
	}

	publicKeys := make([]string, 0, len(cfg.Keys))
	for k := range cfg.Keys {
		publicKeys = append(publicKeys, k)
	}
	sort.Strings(publicKeys)

	resources := resource.NewRegistry(resource.Options{Version: cfg.Version, PublicKeys: publicKeys})
	byRoute, names, err := resources.Resolve(table.Names(), cfg.Resources)
	if err != nil {
		return nil, err
	}

	m := event.NewManager()
	attached := make(map[string]bool)
	for _, route := range table.Names() {
		name := names[route]
		if attached[name] {
			continue
		}
		attached[name] = true
		if err := m.Attach(name, byRoute[route], nil); err != nil {
			return nil, fmt.Errorf("dispatch: attach resource %s: %w", name, err)
		}
	}

	listeners := listener.NewRegistry(formatter.NewSet(), cfg.Publisher)
	for _, b := range listener.Merge(listeners.Defaults(), cfg.Listeners) {
		if err := listeners.Attach(m, b); err != nil {
			return nil, fmt.Errorf("dispatch: attach listener %s: %w", b.Name, err)
		}
	}

	validator := auth.NewValidator(auth.WithTimestampValidator(auth.DateValidator{MaxSkew: cfg.MaxClockSkew}))
	return New(Options{
		Manager:     m,
		Routes:      table,
		Resources:   byRoute,
		Keys:        cfg.Keys,
		Validator:   validator,
		Database:    cfg.Database,
		Storage:     cfg.Storage,
		Logger:      cfg.Logger,
		Version:     cfg.Version,
		MaxBodySize: cfg.MaxBodySize,
	})
}
