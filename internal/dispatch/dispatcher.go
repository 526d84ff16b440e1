package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
)

// DefaultMaxRedirects bounds a redirect chain on one connection.
const DefaultMaxRedirects = 64

// Dispatcher resolves routes and runs handler actions.
type Dispatcher struct {
	registry     *Registry
	maxRedirects int
	logger       *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRedirects overrides DefaultMaxRedirects.
func WithMaxRedirects(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRedirects = n
		}
	}
}

// New creates a dispatcher over the registry.
func New(registry *Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		maxRedirects: DefaultMaxRedirects,
		logger:       logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs route on ch and follows redirects until an action returns
// without one. It does not close the channel.
func (d *Dispatcher) Dispatch(ctx context.Context, ch Channel, route Route) error {
	return d.run(ctx, ch, route, "")
}

// run is the redirect loop. parent is the identity of the handler that
// started a sub-call, or "" at the top level.
func (d *Dispatcher) run(ctx context.Context, ch Channel, route Route, parent string) error {
	var (
		handler  Handler
		identity string
	)

	for redirects := 0; ; redirects++ {
		if redirects > d.maxRedirects {
			return fmt.Errorf("%w: %d redirects, last route %s", ErrRedirectLimit, d.maxRedirects, route)
		}

		next, nextID, err := d.resolve(route, handler, identity)
		if err != nil {
			return err
		}
		if parent != "" && handler == nil && nextID == parent {
			d.logger.Warn("sub-call creates a new instance of the calling handler", "handler", nextID, "action", route.Action)
		}
		handler, identity = next, nextID

		action, ok := handler.Action(route.Action)
		if !ok {
			return &MissingHandlerError{Handler: identity, Action: route.Action, Reason: ActionMissing}
		}

		call, err := d.newCall(ctx, ch, route, identity)
		if err != nil {
			return err
		}

		call.logger.Debug("running action")
		if err := action(ctx, call); err != nil {
			return fmt.Errorf("%s: %w", route, err)
		}

		if call.redirect == nil {
			return nil
		}
		call.logger.Debug("redirecting", "to", call.redirect.String())
		route = *call.redirect
	}
}

// resolve returns the handler for route, reusing current when the
// identities match.
func (d *Dispatcher) resolve(route Route, current Handler, currentID string) (Handler, string, error) {
	if route.Instance != nil {
		id := NormalizeHandlerName(route.Handler)
		if id == "" {
			id = identityOf(route.Instance)
		}
		return route.Instance, id, nil
	}

	id := NormalizeHandlerName(route.Handler)
	if current != nil && id == currentID {
		return current, currentID, nil
	}

	factory, ok := d.registry.lookup(id)
	if !ok {
		return nil, "", &MissingHandlerError{Handler: route.Handler, Action: route.Action, Reason: NotRegistered}
	}
	return factory(), id, nil
}

func (d *Dispatcher) newCall(ctx context.Context, ch Channel, route Route, identity string) (*Call, error) {
	status, err := ch.CallStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading call status: %w", err)
	}
	hash, err := ch.HashData(ctx)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any)
	for k, v := range ch.Params() {
		params[k] = v
	}
	maps.Copy(params, hash)
	maps.Copy(params, route.Params)

	return &Call{
		Channel:    ch,
		route:      route,
		params:     params,
		status:     status,
		identity:   identity,
		dispatcher: d,
		logger:     d.logger.With("handler", identity, "action", route.Action),
	}, nil
}
