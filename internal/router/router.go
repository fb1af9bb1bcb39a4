// Package router matches request paths against named regular expressions.
package router

import (
	"fmt"
	"regexp"

	"github.com/starford/pictura/internal/apperr"
)

// Route names.
const (
	Index          = "index"
	Status         = "status"
	Stats          = "stats"
	User           = "user"
	Images         = "images"
	Image          = "image"
	Metadata       = "metadata"
	ShortURLs      = "shorturls"
	ShortURL       = "shorturl"
	GlobalShortURL = "globalshorturl"
)

// Route is a named path pattern. Named capture groups become request params.
type Route struct {
	Name    string
	Pattern string
}

// Defaults is the built-in route list, matched in order.
var Defaults = []Route{
	{Index, `^/?$`},
	{Status, `^/status(\.(?P<extension>json|xml))?$`},
	{Stats, `^/stats(\.(?P<extension>json|xml))?$`},
	{User, `^/users/(?P<user>[A-Za-z0-9_-]{1,})(\.(?P<extension>json|xml))?$`},
	{Images, `^/users/(?P<user>[A-Za-z0-9_-]{1,})/images(/|\.(?P<extension>json|xml))?$`},
	{Image, `^/users/(?P<user>[A-Za-z0-9_-]{1,})/images/(?P<imageIdentifier>[a-f0-9]{32})(\.(?P<extension>gif|jpg|png))?$`},
	{Metadata, `^/users/(?P<user>[A-Za-z0-9_-]{1,})/images/(?P<imageIdentifier>[a-f0-9]{32})/meta(data)?(\.(?P<extension>json|xml))?$`},
	{ShortURLs, `^/users/(?P<user>[A-Za-z0-9_-]{1,})/images/(?P<imageIdentifier>[a-f0-9]{32})/shorturls(\.(?P<extension>json|xml))?$`},
	{ShortURL, `^/users/(?P<user>[A-Za-z0-9_-]{1,})/images/(?P<imageIdentifier>[a-f0-9]{32})/shorturls/(?P<shortUrlId>[a-zA-Z0-9]{7})$`},
	{GlobalShortURL, `^/s/(?P<shortUrlId>[a-zA-Z0-9]{7})$`},
}

type compiled struct {
	name string
	re   *regexp.Regexp
}

// Table is an ordered, compiled route list. It is immutable once built.
type Table struct {
	routes []compiled
}

// Match is the result of a successful lookup.
type Match struct {
	Route  string
	Params map[string]string
}

// New compiles Defaults followed by extra. An extra route whose name matches
// a default replaces that default's pattern in place.
func New(extra []Route) (*Table, error) {
	routes := make([]Route, len(Defaults))
	copy(routes, Defaults)
	for _, r := range extra {
		replaced := false
		for i := range routes {
			if routes[i].Name == r.Name {
				routes[i].Pattern = r.Pattern
				replaced = true
				break
			}
		}
		if !replaced {
			routes = append(routes, r)
		}
	}

	t := &Table{routes: make([]compiled, 0, len(routes))}
	for _, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("router: route name is required")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("router: compile %s: %w", r.Name, err)
		}
		t.routes = append(t.routes, compiled{name: r.Name, re: re})
	}
	return t, nil
}

// Names returns route names in match order.
func (t *Table) Names() []string {
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.name
	}
	return out
}

// Match finds the first route matching path.
func (t *Table) Match(path string) (*Match, error) {
	for _, r := range t.routes {
		sub := r.re.FindStringSubmatch(path)
		if sub == nil {
			continue
		}
		m := &Match{Route: r.name, Params: map[string]string{}}
		for i, name := range r.re.SubexpNames() {
			if name != "" && sub[i] != "" {
				m.Params[name] = sub[i]
			}
		}
		return m, nil
	}
	return nil, apperr.ErrRouting.Withf("Not Found")
}
