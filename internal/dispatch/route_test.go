package dispatch

import (
	"errors"
	"testing"

	"github.com/flowpbx/agigate/internal/agi"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		path        string
		wantHandler string
		wantAction  string
	}{
		{"/foo/bar", "foo", "bar"},
		{"/foo", "foo", DefaultAction},
		{"foo", "foo", DefaultAction},
		{"/foo/", "foo", DefaultAction},
		{"/survey/start?lang=en", "survey", "start"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, err := ParseRoute(tt.path)
			if err != nil {
				t.Fatalf("ParseRoute: %v", err)
			}
			if r.Handler != tt.wantHandler {
				t.Errorf("handler = %q, want %q", r.Handler, tt.wantHandler)
			}
			if r.Action != tt.wantAction {
				t.Errorf("action = %q, want %q", r.Action, tt.wantAction)
			}
		})
	}
}

func TestParseRouteQueryParams(t *testing.T) {
	r, err := ParseRoute("/survey/start?lang=en&q=1&q=2")
	if err != nil {
		t.Fatalf("ParseRoute: %v", err)
	}
	if r.Params["lang"] != "en" {
		t.Errorf("lang = %v", r.Params["lang"])
	}
	q, ok := r.Params["q"].([]string)
	if !ok || len(q) != 2 {
		t.Errorf("q = %#v", r.Params["q"])
	}
}

func TestParseRouteMalformed(t *testing.T) {
	for _, path := range []string{"", "/", "//bar", "%zz"} {
		_, err := ParseRoute(path)
		var ae *agi.ApplicationError
		if !errors.As(err, &ae) {
			t.Errorf("ParseRoute(%q): expected ApplicationError, got %v", path, err)
		}
	}
}

func TestNormalizeHandlerName(t *testing.T) {
	want := NormalizeHandlerName("foo_bar")
	for _, name := range []string{"FooBar", "foo_bar", ":foo_bar", "foo_bar_handler", "FooBarHandler", "foo-bar"} {
		if got := NormalizeHandlerName(name); got != want {
			t.Errorf("NormalizeHandlerName(%q) = %q, want %q", name, got, want)
		}
	}
	if got := NormalizeHandlerName("handler"); got != "handler" {
		t.Errorf("bare suffix normalized to %q", got)
	}
}

func TestRouteWith(t *testing.T) {
	base := Route{Handler: "survey", Action: "start", Params: map[string]any{"a": 1, "b": 2}}
	next := base.With(Route{Action: "next", Params: map[string]any{"b": 3}})

	if next.Handler != "survey" || next.Action != "next" {
		t.Errorf("next = %s", next)
	}
	if next.Params["a"] != 1 || next.Params["b"] != 3 {
		t.Errorf("params = %v", next.Params)
	}
	if base.Params["b"] != 2 {
		t.Error("With mutated the original route")
	}
}
