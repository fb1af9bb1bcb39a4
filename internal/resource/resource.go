// Package resource implements the HTTP resources. Each resource is an event
// listener subscribed to "<route>.<method>" for the methods it allows.
package resource

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/starford/pictura/internal/event"
)

// Resource is a listener that also declares the HTTP methods it serves.
type Resource interface {
	event.Listener
	AllowedMethods() []string
}

// Options carries the process-level values some resources report.
type Options struct {
	Version    string
	PublicKeys []string
}

// Registry maps resource keys to instances. Lookups ignore case so a route
// named "shorturls" resolves to the ShortUrls resource.
type Registry struct {
	resources map[string]Resource
	names     map[string]string
}

// NewRegistry creates a Registry holding the built-in resources.
func NewRegistry(opts Options) *Registry {
	r := &Registry{resources: make(map[string]Resource), names: make(map[string]string)}
	r.Register("Index", &Index{Version: opts.Version})
	r.Register("Status", Status{})
	r.Register("Stats", &Stats{PublicKeys: opts.PublicKeys})
	r.Register("User", User{})
	r.Register("Images", Images{})
	r.Register("Image", Image{})
	r.Register("Metadata", Metadata{})
	r.Register("ShortUrls", ShortURLs{})
	r.Register("ShortUrl", ShortURL{})
	r.Register("GlobalShortUrl", GlobalShortURL{})
	return r
}

// Register adds or replaces the resource stored under key.
func (r *Registry) Register(key string, res Resource) {
	k := strings.ToLower(key)
	r.resources[k] = res
	r.names[k] = key
}

// Lookup finds a resource by key and returns its canonical name.
func (r *Registry) Lookup(key string) (string, Resource, bool) {
	k := strings.ToLower(key)
	res, ok := r.resources[k]
	return r.names[k], res, ok
}

// Resolve maps every route to a resource: an entry in overrides (route to
// resource key) wins, otherwise the resource named like the route is used.
func (r *Registry) Resolve(routes []string, overrides map[string]string) (map[string]Resource, map[string]string, error) {
	byRoute := make(map[string]Resource, len(routes))
	names := make(map[string]string, len(routes))
	for _, route := range routes {
		key := route
		if o, ok := overrides[route]; ok {
			key = o
		}
		name, res, ok := r.Lookup(key)
		if !ok {
			return nil, nil, fmt.Errorf("resource: no resource %q for route %q", key, route)
		}
		byRoute[route] = res
		names[route] = name
	}
	return byRoute, names, nil
}

// subscriptions subscribes to route.<method> for every method at priority 0.
func subscriptions(route string, methods []string) map[event.Name]int {
	subs := make(map[event.Name]int, len(methods))
	for _, m := range methods {
		subs[event.For(route, m)] = 0
	}
	return subs
}

var readOnly = []string{http.MethodGet, http.MethodHead}

// idModel is the body of write responses.
func idModel(key, value string) map[string]string {
	return map[string]string{key: value}
}
