package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/agigate/internal/dispatch"
)

// Hangup ends every call it receives. It is the default handler for
// connections that arrive without a script path.
type Hangup struct {
	logger *slog.Logger
}

// NewHangup creates a Hangup handler.
func NewHangup(logger *slog.Logger) *Hangup {
	return &Hangup{logger: logger.With("handler", HangupName)}
}

// Name implements dispatch.Named.
func (h *Hangup) Name() string { return HangupName }

// Action implements dispatch.Handler. Every action hangs up.
func (h *Hangup) Action(string) (dispatch.ActionFunc, bool) {
	return h.hangUp, true
}

func (h *Hangup) hangUp(ctx context.Context, call *dispatch.Call) error {
	h.logger.Info("hanging up call",
		"route", call.Route().String(),
		"caller_id", call.ParamString("agi_callerid"),
		"status", call.Status().String(),
	)
	if _, err := call.HangUp(ctx, ""); err != nil {
		return fmt.Errorf("hanging up: %w", err)
	}
	return nil
}

var (
	_ dispatch.Handler = (*Hangup)(nil)
	_ dispatch.Named   = (*Hangup)(nil)
)
