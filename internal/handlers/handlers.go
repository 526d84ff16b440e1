// Package handlers provides the built-in call handlers every gateway
// registers at startup.
package handlers

import (
	"log/slog"

	"github.com/flowpbx/agigate/internal/dispatch"
)

// Names of the built-in handlers.
const (
	HangupName   = "hangup"
	PlaybackName = "playback"
)

// Register adds the built-in handlers to reg.
func Register(reg *dispatch.Registry, logger *slog.Logger) {
	reg.Register(HangupName, func() dispatch.Handler { return NewHangup(logger) })
	reg.Register(PlaybackName, func() dispatch.Handler { return NewPlayback(logger) })
}
