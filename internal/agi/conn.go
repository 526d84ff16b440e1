package agi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/agigate/internal/session"
)

// Handshake keys sent by the PBX when a connection opens.
const (
	ParamCallerID      = "agi_callerid"
	ParamChannel       = "agi_channel"
	ParamContext       = "agi_context"
	ParamExtension     = "agi_extension"
	ParamUniqueID      = "agi_uniqueid"
	ParamNetworkScript = "agi_network_script"
)

// Escape digit sets for the SAY and STREAM verbs.
const (
	AllDigits        = "1234567890*#"
	AllNumericDigits = "1234567890"
	AllSpecialDigits = "*#"
)

// Dial defaults.
const (
	DefaultDialWait    = 15
	DefaultDialTimeout = 600
)

// DefaultGetDataTimeout is the GET DATA wait in milliseconds.
const DefaultGetDataTimeout = 2000

// NoDigitLimit lets GET DATA collect digits until the timeout.
const NoDigitLimit = -1

// speakTextScript is the AGI script that renders text to speech.
const speakTextScript = "speak_text.agi"

// argSep separates application arguments in EXEC.
const argSep = ","

// releaseTimeout bounds the session write-back on Close.
const releaseTimeout = 5 * time.Second

// ConnConfig holds the collaborators of a Conn.
type ConnConfig struct {
	// Sessions resolves Conn.Session. Optional.
	Sessions *session.Store

	// StatusVariable is read by CallStatus. Defaults to DIALSTATUS.
	StatusVariable string

	// StatusTable maps StatusVariable values. Defaults to DefaultStatusTable.
	StatusTable StatusTable

	Logger *slog.Logger
}

// Conn is one AGI call. It owns the socket for the lifetime of the call and
// is used by one goroutine at a time.
type Conn struct {
	rwc    io.ReadWriteCloser
	codec  *Codec
	params map[string]string
	cfg    ConnConfig
	logger *slog.Logger

	hashLoaded bool
	hashData   map[string]any
	sess       *session.Session

	closeOnce sync.Once
}

// NewConn reads the handshake block from rwc and returns the connection.
// Handshake lines are "name: value"; the block ends at an empty line.
func NewConn(rwc io.ReadWriteCloser, cfg ConnConfig) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusVariable == "" {
		cfg.StatusVariable = DefaultStatusVariable
	}
	if cfg.StatusTable == nil {
		cfg.StatusTable = DefaultStatusTable()
	}

	c := &Conn{
		rwc:    rwc,
		codec:  NewCodec(rwc, rwc, cfg.Logger),
		params: make(map[string]string),
		cfg:    cfg,
		logger: cfg.Logger,
	}

	for {
		line, err := c.codec.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			c.logger.Debug("ignoring malformed handshake line", "line", line)
			continue
		}
		c.params[name] = value
	}

	c.logger.Debug("agi handshake complete", "params", len(c.params))
	return c, nil
}

// Params returns a copy of the handshake parameters.
func (c *Conn) Params() map[string]string {
	return maps.Clone(c.params)
}

// Param returns one handshake parameter.
func (c *Conn) Param(name string) string {
	return c.params[name]
}

// Script returns the request path from the handshake, e.g. "/survey/start",
// or "" when the PBX sent none.
func (c *Conn) Script() string {
	script := strings.TrimPrefix(c.params[ParamNetworkScript], "/")
	if script == "" {
		return ""
	}
	return "/" + script
}

// command sends cmd and reads its reply. A deadline on ctx bounds the round
// trip; there is no mid-command cancellation otherwise.
func (c *Conn) command(ctx context.Context, cmd string) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d, ok := c.rwc.(interface{ SetDeadline(time.Time) error }); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err := d.SetDeadline(deadline); err != nil {
				c.logger.Debug("setting agi deadline", "error", err)
			}
			defer d.SetDeadline(time.Time{}) //nolint:errcheck
		}
	}

	if err := c.codec.Send(cmd); err != nil {
		return nil, err
	}
	return c.codec.ReadReply()
}

func (c *Conn) intCommand(ctx context.Context, cmd string) (int, error) {
	reply, err := c.command(ctx, cmd)
	if err != nil {
		return -1, err
	}
	return reply.Int(), nil
}

// HangUp hangs up channel, or the current channel when channel is empty.
func (c *Conn) HangUp(ctx context.Context, channel string) (int, error) {
	cmd := "HANGUP"
	if channel != "" {
		cmd += " " + channel
	}
	return c.intCommand(ctx, cmd)
}

// Answer answers the channel.
func (c *Conn) Answer(ctx context.Context) (int, error) {
	return c.intCommand(ctx, "ANSWER")
}

// ChannelStatus returns the Asterisk channel state (0 down .. 7 busy) of
// channel, or of the current channel when channel is empty.
func (c *Conn) ChannelStatus(ctx context.Context, channel string) (int, error) {
	cmd := "CHANNEL STATUS"
	if channel != "" {
		cmd += " " + channel
	}
	return c.intCommand(ctx, cmd)
}

// Exec runs a dialplan application and returns its result.
func (c *Conn) Exec(ctx context.Context, app, options string) (string, error) {
	cmd := "EXEC " + app
	if options != "" {
		cmd += " " + options
	}
	reply, err := c.command(ctx, cmd)
	if err != nil {
		return "", err
	}
	return reply.Result, nil
}

// PlaySound plays a sound file to completion.
func (c *Conn) PlaySound(ctx context.Context, file string) (string, error) {
	return c.Exec(ctx, "Playback", file)
}

// Background plays a sound file while the dialplan keeps listening for digits.
func (c *Conn) Background(ctx context.Context, file string) (string, error) {
	return c.Exec(ctx, "Background", file)
}

// Dial dials address, waiting waitSeconds for an answer. A positive
// maxCallSeconds limits the bridged call. extraOptions are appended to the
// Dial option string.
func (c *Conn) Dial(ctx context.Context, address string, waitSeconds, maxCallSeconds int, extraOptions string) (string, error) {
	options := "g" + extraOptions
	if maxCallSeconds > 0 {
		options += fmt.Sprintf("S(%d)", maxCallSeconds)
	}
	return c.Exec(ctx, "Dial", strings.Join([]string{address, strconv.Itoa(waitSeconds), options}, argSep))
}

// PlayTones plays an Asterisk tone list.
func (c *Conn) PlayTones(ctx context.Context, tones string) (string, error) {
	return c.Exec(ctx, "PlayTones", tones)
}

func (c *Conn) PlayRecordTone(ctx context.Context) (string, error) {
	return c.PlayTones(ctx, "1400/500,0/15000")
}

func (c *Conn) PlayInfoTone(ctx context.Context) (string, error) {
	return c.PlayTones(ctx, "!950/330,!1400/330,!1800/330,0")
}

func (c *Conn) PlayDialTone(ctx context.Context) (string, error) {
	return c.PlayTones(ctx, "440+480/2000,0/4000")
}

func (c *Conn) PlayBusyTone(ctx context.Context) (string, error) {
	return c.PlayTones(ctx, "480+620/500,0/500")
}

// SendDTMF sends digits on the channel.
func (c *Conn) SendDTMF(ctx context.Context, digits string) (string, error) {
	return c.Exec(ctx, "SendDTMF", digits)
}

// MeetMe puts the caller into a conference room created on demand.
func (c *Conn) MeetMe(ctx context.Context, room string) (string, error) {
	return c.Exec(ctx, "MeetMe", room+argSep+"dM")
}

// Monitor records both legs of the call to outputFile.
func (c *Conn) Monitor(ctx context.Context, outputFile string) (string, error) {
	return c.Exec(ctx, "Monitor", strings.Join([]string{"wav", outputFile, "m"}, argSep))
}

// Wait holds the line for the given number of seconds.
func (c *Conn) Wait(ctx context.Context, seconds int) (string, error) {
	return c.Exec(ctx, "Wait", strconv.Itoa(seconds))
}

// WaitMusicOnHold plays hold music for the given number of seconds.
func (c *Conn) WaitMusicOnHold(ctx context.Context, seconds int) (string, error) {
	return c.Exec(ctx, "WaitMusicOnHold", strconv.Itoa(seconds))
}

// SpeakText renders text through the text-to-speech script.
func (c *Conn) SpeakText(ctx context.Context, text string) (string, error) {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	text = strings.TrimSpace(text)
	return c.Exec(ctx, "AGI", speakTextScript+argSep+quoteArg(text))
}

// GetData plays file and collects digits until timeoutMs passes or
// maxDigits are read. Pass NoDigitLimit for no digit limit.
func (c *Conn) GetData(ctx context.Context, file string, timeoutMs, maxDigits int) (string, error) {
	cmd := fmt.Sprintf("GET DATA %s %d", file, timeoutMs)
	if maxDigits > 0 {
		cmd += " " + strconv.Itoa(maxDigits)
	}
	reply, err := c.command(ctx, cmd)
	if err != nil {
		return "", err
	}
	if reply.Result == "-1" {
		return "", &SoundFileNotFoundError{File: file}
	}
	return reply.Result, nil
}

// StreamFile plays file from offset, stopping early on any of escapeDigits.
// It returns the key pressed (empty if none) and the final sample offset:
// -1 when the file played to the end, offset unchanged when it could not be
// opened.
func (c *Conn) StreamFile(ctx context.Context, file string, offset int, escapeDigits string) (string, int, error) {
	reply, err := c.command(ctx, fmt.Sprintf("STREAM FILE %s %s %d", file, quoteArg(escapeDigits), offset))
	if err != nil {
		return "", offset, err
	}

	code, ok := reply.Fields["result"]
	if !ok {
		return "", offset, nil
	}
	endpos, hasEnd := reply.Fields["endpos"]

	switch code {
	case "-1":
		if hasEnd {
			return "", atoi(endpos), nil
		}
		return "", offset, nil
	case "0":
		if !hasEnd || endpos != "0" {
			return "", -1, nil
		}
		return "", offset, nil
	default:
		n, err := strconv.Atoi(code)
		if err != nil {
			return "", atoi(endpos), nil
		}
		return string(rune(n)), atoi(endpos), nil
	}
}

// GetVariable returns a channel variable. ok is false when the variable is
// not set; the PBX reports that as a bare result of 0.
func (c *Conn) GetVariable(ctx context.Context, name string) (string, bool, error) {
	reply, err := c.command(ctx, "GET VARIABLE "+name)
	if err != nil {
		return "", false, err
	}
	if !reply.HasResult || reply.Result == "0" {
		return "", false, nil
	}
	return reply.Result, true, nil
}

// SetVariable sets a channel variable.
func (c *Conn) SetVariable(ctx context.Context, name, value string) (int, error) {
	return c.intCommand(ctx, fmt.Sprintf("SET VARIABLE %s %s", name, quoteArg(value)))
}

// SetCallerID sets the caller id presented on outgoing legs, e.g. "8001235555".
func (c *Conn) SetCallerID(ctx context.Context, callerID string) (int, error) {
	return c.intCommand(ctx, "SET CALLERID "+callerID)
}

// SayDigits speaks each digit, "123" as "one two three".
func (c *Conn) SayDigits(ctx context.Context, digits, escapeDigits string) (int, error) {
	return c.intCommand(ctx, fmt.Sprintf("SAY DIGITS %s %s", digits, quoteArg(escapeDigits)))
}

// SayNumber speaks a number, 123 as "one hundred twenty three".
func (c *Conn) SayNumber(ctx context.Context, number int, escapeDigits string) (int, error) {
	return c.intCommand(ctx, fmt.Sprintf("SAY NUMBER %d %s", number, quoteArg(escapeDigits)))
}

// SayTime speaks the time of day of t.
func (c *Conn) SayTime(ctx context.Context, t time.Time, escapeDigits string) (int, error) {
	return c.intCommand(ctx, fmt.Sprintf("SAY TIME %d %s", t.Unix(), quoteArg(escapeDigits)))
}

// RecordFile records to path (without extension) in GSM format for at most
// maxSeconds, stopping after silenceSeconds of silence or on * or #. The
// directory must already exist on the PBX.
func (c *Conn) RecordFile(ctx context.Context, path string, maxSeconds int, beep bool, silenceSeconds int) (string, error) {
	cmd := fmt.Sprintf("RECORD FILE %s gsm %s %d", path, quoteArg(AllSpecialDigits), maxSeconds*1000)
	if beep {
		cmd += " BEEP"
	}
	cmd += fmt.Sprintf(" s=%d", silenceSeconds)

	reply, err := c.command(ctx, cmd)
	if err != nil {
		return "", err
	}
	return reply.Result, nil
}

// CallStatus reports the outcome of the last Dial from the status variable.
func (c *Conn) CallStatus(ctx context.Context) (CallStatus, error) {
	value, ok, err := c.GetVariable(ctx, c.cfg.StatusVariable)
	if err != nil {
		return CallOffline, err
	}
	return c.cfg.StatusTable.Lookup(value, ok), nil
}

// HashData returns the parameters attached to this call by the call-file
// scheduler, or nil for calls that did not originate there. The variable is
// read once per connection.
func (c *Conn) HashData(ctx context.Context) (map[string]any, error) {
	if c.hashLoaded {
		return c.hashData, nil
	}

	raw, ok, err := c.GetVariable(ctx, HashDataVariable)
	if err != nil {
		return nil, err
	}
	if ok {
		data, err := DecodeHashData(raw)
		if err != nil {
			return nil, &ApplicationError{Msg: "decoding call hash data", Err: err}
		}
		c.hashData = data
	}
	c.hashLoaded = true
	return c.hashData, nil
}

// Session returns the external session for this call. The id comes from the
// hash data "session" key; calls without one get a fresh session. The
// session is resolved on first use and cached.
func (c *Conn) Session(ctx context.Context) (*session.Session, error) {
	if c.sess != nil {
		return c.sess, nil
	}
	if c.cfg.Sessions == nil {
		return nil, ErrNoSessionStore
	}

	data, err := c.HashData(ctx)
	if err != nil {
		return nil, err
	}
	var id string
	if v, ok := data[SessionKey]; ok && v != nil {
		id = fmt.Sprint(v)
	}

	sess, err := c.cfg.Sessions.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return sess, nil
}

// Close releases the session handle, if one was acquired, and closes the
// socket. It is idempotent and never fails; problems are logged.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := c.sess.Release(ctx); err != nil {
				c.logger.Error("failed to release session", "session_id", c.sess.ID(), "error", err)
			}
			cancel()
		}
		if err := c.rwc.Close(); err != nil {
			c.logger.Debug("closing agi socket", "error", err)
		}
	})
	return nil
}

func quoteArg(s string) string {
	return `"` + s + `"`
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
