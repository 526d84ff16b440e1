package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/agigate/internal/agi"
	"github.com/flowpbx/agigate/internal/session"
)

// Channel is the set of call-control operations a handler can use. It is
// implemented by *agi.Conn.
type Channel interface {
	Params() map[string]string
	Param(name string) string
	Script() string

	Answer(ctx context.Context) (int, error)
	HangUp(ctx context.Context, channel string) (int, error)
	ChannelStatus(ctx context.Context, channel string) (int, error)
	Exec(ctx context.Context, app, options string) (string, error)

	PlaySound(ctx context.Context, file string) (string, error)
	Background(ctx context.Context, file string) (string, error)
	PlayTones(ctx context.Context, tones string) (string, error)
	PlayRecordTone(ctx context.Context) (string, error)
	PlayInfoTone(ctx context.Context) (string, error)
	PlayDialTone(ctx context.Context) (string, error)
	PlayBusyTone(ctx context.Context) (string, error)
	SpeakText(ctx context.Context, text string) (string, error)

	Dial(ctx context.Context, address string, waitSeconds, maxCallSeconds int, extraOptions string) (string, error)
	SendDTMF(ctx context.Context, digits string) (string, error)
	MeetMe(ctx context.Context, room string) (string, error)
	Monitor(ctx context.Context, outputFile string) (string, error)
	Wait(ctx context.Context, seconds int) (string, error)
	WaitMusicOnHold(ctx context.Context, seconds int) (string, error)

	GetData(ctx context.Context, file string, timeoutMs, maxDigits int) (string, error)
	StreamFile(ctx context.Context, file string, offset int, escapeDigits string) (string, int, error)
	RecordFile(ctx context.Context, path string, maxSeconds int, beep bool, silenceSeconds int) (string, error)

	GetVariable(ctx context.Context, name string) (string, bool, error)
	SetVariable(ctx context.Context, name, value string) (int, error)
	SetCallerID(ctx context.Context, callerID string) (int, error)

	SayDigits(ctx context.Context, digits, escapeDigits string) (int, error)
	SayNumber(ctx context.Context, number int, escapeDigits string) (int, error)
	SayTime(ctx context.Context, t time.Time, escapeDigits string) (int, error)

	CallStatus(ctx context.Context) (agi.CallStatus, error)
	HashData(ctx context.Context) (map[string]any, error)
	Session(ctx context.Context) (*session.Session, error)
}

var _ Channel = (*agi.Conn)(nil)

// Call is the context of one handler activation. Channel operations are
// available directly on the Call.
type Call struct {
	Channel

	route    Route
	params   map[string]any
	status   agi.CallStatus
	identity string
	redirect *Route

	dispatcher *Dispatcher
	logger     *slog.Logger
}

// Route returns the route that activated the handler.
func (c *Call) Route() Route {
	return c.route
}

// Params returns the merged parameters of the activation: handshake
// parameters, then call hash data, then route params.
func (c *Call) Params() map[string]any {
	return c.params
}

// Param returns one merged parameter.
func (c *Call) Param(name string) any {
	return c.params[name]
}

// ParamString returns a merged parameter formatted as a string, or "".
func (c *Call) ParamString(name string) string {
	v, ok := c.params[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Status is the call status read when the handler was activated.
func (c *Call) Status() agi.CallStatus {
	return c.status
}

// Logger returns the activation logger.
func (c *Call) Logger() *slog.Logger {
	return c.logger
}

// Redirect hands the connection to another route once the current action
// returns. The new route is the current one updated by overrides and
// inherits the merged params of this activation. A later Redirect replaces
// an earlier one.
func (c *Call) Redirect(overrides Route) {
	next := Route{
		Handler:  c.route.Handler,
		Instance: c.route.Instance,
		Action:   c.route.Action,
		Params:   c.params,
	}.With(overrides)
	c.redirect = &next
}

// Process runs another route as a sub-call and returns when its redirect
// chain ends. The current handler resumes afterwards.
func (c *Call) Process(ctx context.Context, overrides Route) error {
	route := Route{
		Handler:  c.route.Handler,
		Instance: c.route.Instance,
		Action:   c.route.Action,
		Params:   c.params,
	}.With(overrides)
	return c.dispatcher.run(ctx, c.Channel, route, c.identity)
}
