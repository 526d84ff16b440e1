package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/agigate/internal/agi"
	"github.com/flowpbx/agigate/internal/dispatch"
)

// Playback answers the call, plays the sound named by the "file" parameter
// or speaks the "text" parameter, then hangs up. A "next" parameter
// redirects to another route instead of hanging up.
type Playback struct {
	logger *slog.Logger
}

// NewPlayback creates a Playback handler.
func NewPlayback(logger *slog.Logger) *Playback {
	return &Playback{logger: logger.With("handler", PlaybackName)}
}

// Name implements dispatch.Named.
func (p *Playback) Name() string { return PlaybackName }

// Action implements dispatch.Handler.
func (p *Playback) Action(name string) (dispatch.ActionFunc, bool) {
	switch name {
	case dispatch.DefaultAction, "play":
		return p.play, true
	}
	return nil, false
}

func (p *Playback) play(ctx context.Context, call *dispatch.Call) error {
	// Outbound calls reach the handler already answered.
	if call.Status() != agi.CallAnswered {
		if _, err := call.Answer(ctx); err != nil {
			return fmt.Errorf("answering: %w", err)
		}
	}

	file := call.ParamString("file")
	text := call.ParamString("text")
	switch {
	case file != "":
		p.logger.Debug("playing sound", "file", file)
		if _, err := call.PlaySound(ctx, file); err != nil {
			return fmt.Errorf("playing %s: %w", file, err)
		}
	case text != "":
		p.logger.Debug("speaking text", "length", len(text))
		if _, err := call.SpeakText(ctx, text); err != nil {
			return fmt.Errorf("speaking text: %w", err)
		}
	default:
		return &agi.ApplicationError{Msg: "playback needs a file or text parameter"}
	}

	if next := call.ParamString("next"); next != "" {
		route, err := dispatch.ParseRoute(next)
		if err != nil {
			return err
		}
		// The next route inherits this activation's params; drop the prompt
		// and the hop so it only plays and redirects what it names itself.
		if route.Params == nil {
			route.Params = make(map[string]any)
		}
		for _, key := range []string{"next", "file", "text"} {
			if _, ok := route.Params[key]; !ok {
				route.Params[key] = ""
			}
		}
		call.Redirect(route)
		return nil
	}

	if _, err := call.HangUp(ctx, ""); err != nil {
		return fmt.Errorf("hanging up: %w", err)
	}
	return nil
}

var (
	_ dispatch.Handler = (*Playback)(nil)
	_ dispatch.Named   = (*Playback)(nil)
)
