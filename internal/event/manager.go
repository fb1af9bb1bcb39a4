package event

import (
	"fmt"
	"sort"
)

// Handler is the capability a registered name resolves to.
type Handler interface {
	Handle(e *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(e *Event) error

// Handle calls f(e).
func (f HandlerFunc) Handle(e *Event) error { return f(e) }

// Listener is a Handler that declares its default event priorities.
type Listener interface {
	Handler
	Subscriptions() map[Name]int
}

type entry struct {
	name     string
	handler  Handler
	priority int
	seq      int
	keys     map[string]struct{}
}

func (en entry) allows(publicKey string) bool {
	if len(en.keys) == 0 {
		return true
	}
	_, ok := en.keys[publicKey]
	return ok
}

// Manager is the registration table. It is populated during startup and only
// read afterwards, so it is safe to share between concurrent requests.
type Manager struct {
	handlers map[string]Handler
	events   map[Name][]entry
	seq      int
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		handlers: make(map[string]Handler),
		events:   make(map[Name][]entry),
	}
}

// Register associates a stable name with a handler.
func (m *Manager) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("event: handler name is required")
	}
	if h == nil {
		return fmt.Errorf("event: handler %q is nil", name)
	}
	if _, ok := m.handlers[name]; ok {
		return fmt.Errorf("event: handler %q already registered", name)
	}
	m.handlers[name] = h
	return nil
}

// Bind subscribes the handler registered as name to each event in priorities.
// Higher priorities run first; equal priorities run in bind order. When keys
// is non-empty the handler only runs for requests against one of those public
// keys.
func (m *Manager) Bind(name string, priorities map[Name]int, keys []string) error {
	h, ok := m.handlers[name]
	if !ok {
		return fmt.Errorf("event: handler %q is not registered", name)
	}

	var allowed map[string]struct{}
	if len(keys) > 0 {
		allowed = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			allowed[k] = struct{}{}
		}
	}

	// Map iteration order is random; bind in name order so that sequence
	// numbers are deterministic for a given configuration.
	events := make([]Name, 0, len(priorities))
	for ev := range priorities {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })

	for _, ev := range events {
		m.seq++
		list := append(m.events[ev], entry{
			name:     name,
			handler:  h,
			priority: priorities[ev],
			seq:      m.seq,
			keys:     allowed,
		})
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].priority != list[j].priority {
				return list[i].priority > list[j].priority
			}
			return list[i].seq < list[j].seq
		})
		m.events[ev] = list
	}
	return nil
}

// Attach registers l under name and binds it to its declared subscriptions.
func (m *Manager) Attach(name string, l Listener, keys []string) error {
	if err := m.Register(name, l); err != nil {
		return err
	}
	return m.Bind(name, l.Subscriptions(), keys)
}

// HasListeners reports whether anything is bound to name.
func (m *Manager) HasListeners(name Name) bool {
	return len(m.events[name]) > 0
}

// Handlers returns the handler names bound to ev in execution order.
func (m *Manager) Handlers(ev Name) []string {
	list := m.events[ev]
	out := make([]string, len(list))
	for i, en := range list {
		out[i] = en.name
	}
	return out
}

// Trigger runs every handler bound to name against args. It stops at the
// first error, which is returned together with the event.
func (m *Manager) Trigger(args *Args, name Name, params Params) (*Event, error) {
	ev := &Event{name: name, args: args, params: params}
	if args.Manager == nil {
		args.Manager = m
	}

	publicKey := ""
	if args.Request != nil {
		publicKey = args.Request.PublicKey()
	}

	for _, en := range m.events[name] {
		if !en.allows(publicKey) {
			continue
		}
		if err := en.handler.Handle(ev); err != nil {
			return ev, err
		}
		if ev.stopped {
			break
		}
	}
	return ev, nil
}
