// Package dispatch routes AGI calls to handlers. A Route names a handler and
// one of its actions; the Dispatcher runs the action and follows any
// redirects the handler requests on the same connection.
package dispatch

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
	"unicode"

	"github.com/flowpbx/agigate/internal/agi"
)

// DefaultAction is run when a route names only a handler.
const DefaultAction = "dialup"

// handlerSuffix is optional on handler names: "survey" and "survey_handler"
// resolve to the same handler.
const handlerSuffix = "handler"

// Route selects a handler action. Routes are values; Redirect and Process
// build new routes from the current one instead of mutating it.
type Route struct {
	// Handler is the registered handler name. Any spelling that normalizes
	// to the same identity is accepted.
	Handler string

	// Instance, when set, is used instead of resolving Handler through the
	// registry.
	Instance Handler

	Action string
	Params map[string]any
}

// ParseRoute parses "/handler/action?key=value". A path without an action
// segment selects DefaultAction. Query parameters become route params.
func ParseRoute(path string) (Route, error) {
	u, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return Route{}, &agi.ApplicationError{Msg: fmt.Sprintf("malformed route %q", path), Err: err}
	}

	handler, action, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if handler == "" {
		return Route{}, &agi.ApplicationError{Msg: fmt.Sprintf("malformed route %q: no handler", path)}
	}
	if action == "" {
		action = DefaultAction
	}

	r := Route{Handler: handler, Action: action}
	if q := u.Query(); len(q) > 0 {
		r.Params = make(map[string]any, len(q))
		for k, v := range q {
			if len(v) == 1 {
				r.Params[k] = v[0]
			} else {
				r.Params[k] = v
			}
		}
	}
	return r, nil
}

// String renders the route as a path, without params.
func (r Route) String() string {
	name := r.Handler
	if name == "" && r.Instance != nil {
		name = identityOf(r.Instance)
	}
	return "/" + name + "/" + r.Action
}

// With returns a copy of r updated by the non-zero fields of overrides.
// Override params are merged over the existing params.
func (r Route) With(overrides Route) Route {
	out := r
	if overrides.Handler != "" || overrides.Instance != nil {
		out.Handler = overrides.Handler
		out.Instance = overrides.Instance
	}
	if overrides.Action != "" {
		out.Action = overrides.Action
	}
	out.Params = mergeParams(r.Params, overrides.Params)
	return out
}

// NormalizeHandlerName canonicalizes a handler name so that "FooBar",
// "foo_bar", ":foo_bar" and "foo_bar_handler" compare equal.
func NormalizeHandlerName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), ":")

	var b strings.Builder
	for _, r := range name {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}

	out := b.String()
	if trimmed := strings.TrimSuffix(out, handlerSuffix); trimmed != "" {
		out = trimmed
	}
	return out
}

func mergeParams(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}
