// Package listener holds the infrastructure listeners that prepare uploads,
// talk to the database and storage, negotiate and send responses, and the
// registry that builds listeners named in configuration.
package listener

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/formatter"
)

// Factory builds a listener from its configured parameters.
type Factory func(params map[string]any) (event.Listener, error)

// Registry maps stable keys to listener factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a Registry holding every built-in listener. The
// EventStream listener is only available with a non-nil publisher.
func NewRegistry(formatters *formatter.Set, publisher Publisher) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("ResponseFormatter", func(map[string]any) (event.Listener, error) {
		return NewResponseFormatter(formatters), nil
	})
	if publisher != nil {
		r.Register("EventStream", func(map[string]any) (event.Listener, error) {
			return NewEventStream(publisher), nil
		})
	}
	r.Register("DatabaseOperations", func(map[string]any) (event.Listener, error) { return DatabaseOperations{}, nil })
	r.Register("StorageOperations", func(map[string]any) (event.Listener, error) { return StorageOperations{}, nil })
	r.Register("ImagePreparation", func(map[string]any) (event.Listener, error) { return ImagePreparation{}, nil })
	r.Register("ImageTransformer", func(map[string]any) (event.Listener, error) { return ImageTransformer{}, nil })
	r.Register("ShortURLCleanup", func(map[string]any) (event.Listener, error) { return ShortURLCleanup{}, nil })
	r.Register("ResponseETag", func(map[string]any) (event.Listener, error) { return ResponseETag{}, nil })
	r.Register("ResponseSender", func(map[string]any) (event.Listener, error) { return ResponseSender{}, nil })
	r.Register("MaxImageSize", NewMaxImageSize)
	return r
}

// Register adds or replaces the factory for key.
func (r *Registry) Register(key string, f Factory) {
	r.factories[key] = f
}

// Keys lists the registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build creates the listener registered as key.
func (r *Registry) Build(key string, params map[string]any) (event.Listener, error) {
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("listener: unknown listener %q", key)
	}
	l, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("listener: build %s: %w", key, err)
	}
	return l, nil
}

// core lists the listeners every deployment runs, in attach order.
var core = []string{
	"DatabaseOperations",
	"StorageOperations",
	"ImagePreparation",
	"ImageTransformer",
	"ShortURLCleanup",
	"ResponseFormatter",
	"ResponseETag",
	"ResponseSender",
	"EventStream",
}

// Defaults returns bindings for the built-in listeners available in r.
// Configured bindings with the same name replace them.
func (r *Registry) Defaults() []Binding {
	out := make([]Binding, 0, len(core))
	for _, key := range core {
		if _, ok := r.factories[key]; ok {
			out = append(out, Binding{Name: key, Listener: key})
		}
	}
	return out
}

// Merge overlays configured bindings on the defaults by name, appending new
// names in the order given.
func Merge(defaults, configured []Binding) []Binding {
	out := append([]Binding(nil), defaults...)
	index := make(map[string]int, len(out))
	for i, b := range out {
		index[b.Name] = i
	}
	for _, b := range configured {
		if i, ok := index[b.Name]; ok && b.Name != "" {
			out[i] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// Binding attaches one listener to a manager. Empty Events falls back to the
// listener's own subscriptions; an empty Listener disables the binding.
type Binding struct {
	Name       string
	Listener   string
	Events     map[string]int
	PublicKeys []string
	Params     map[string]any
}

// Attach builds b's listener and binds it to m.
func (r *Registry) Attach(m *event.Manager, b Binding) error {
	if b.Listener == "" {
		return nil
	}
	l, err := r.Build(b.Listener, b.Params)
	if err != nil {
		return err
	}
	name := b.Name
	if name == "" {
		name = b.Listener
	}
	if len(b.Events) == 0 {
		return m.Attach(name, l, b.PublicKeys)
	}
	if err := m.Register(name, l); err != nil {
		return err
	}
	events := make(map[event.Name]int, len(b.Events))
	for ev, prio := range b.Events {
		events[event.Name(ev)] = prio
	}
	return m.Bind(name, events, b.PublicKeys)
}

// intParam reads an integer parameter decoded from YAML or JSON.
func intParam(params map[string]any, key string) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
