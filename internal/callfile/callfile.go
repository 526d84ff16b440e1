// Package callfile originates outbound calls by writing Asterisk call files
// into the spool directories the PBX polls.
package callfile

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/agigate/internal/agi"
)

// Channel variables written into every call file.
const (
	VarPhoneNumber = "CALL_PHONENUMBER"
	VarCallerID    = "CALL_CALLERID"
	VarRoute       = "AGI_URL"
	VarServer      = "AGI_SERVER"
)

// Defaults for Call fields left zero.
const (
	DefaultCallerID  = "10"
	DefaultRetryTime = 5
	DefaultWaitTime  = 45
)

const (
	fileSuffix = ".call"
	filePerm   = 0644
)

// Config describes the spool layout and the dialplan entry point for
// originated calls.
type Config struct {
	// OutgoingDir is the active spool; files moved here are dialled at once.
	OutgoingDir string

	// WakeupDir is the deferred spool for calls scheduled for later.
	WakeupDir string

	// StagingDir holds files while they are written. It must be on the same
	// filesystem as the spools. Defaults to "tmp" next to OutgoingDir.
	StagingDir string

	// AGIServer is the host the answered call connects back to.
	AGIServer string

	// CallerID is used when a Call has none.
	CallerID string

	Channel   string
	Context   string
	Extension string
	Priority  int
}

func (c Config) withDefaults() Config {
	out := c
	if out.StagingDir == "" && out.OutgoingDir != "" {
		out.StagingDir = filepath.Join(filepath.Dir(filepath.Clean(out.OutgoingDir)), "tmp")
	}
	if out.CallerID == "" {
		out.CallerID = DefaultCallerID
	}
	if out.Channel == "" {
		out.Channel = "Local/outbound@dialout"
	}
	if out.Context == "" {
		out.Context = "dialout"
	}
	if out.Extension == "" {
		out.Extension = "outbound-handler"
	}
	if out.Priority <= 0 {
		out.Priority = 1
	}
	return out
}

// Call is a request to originate one call.
type Call struct {
	PhoneNumber string
	CallerID    string

	// Route is the absolute path the answered call is dispatched to.
	Route string

	// HashData is handed to the handler through the call-file hash data.
	HashData map[string]any

	// SessionID, when set, is stored in the hash data so the answered call
	// attaches to an existing session.
	SessionID string

	// At schedules the call. The zero time dials immediately.
	At time.Time

	// UniqueID distinguishes calls to the same number in the same minute.
	// Generated when empty; needed to cancel a deferred call.
	UniqueID string

	MaxRetries int
	RetryTime  int
	WaitTime   int

	// Variables are extra channel variables.
	Variables map[string]string
}

// Placement describes a published call file.
type Placement struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	UniqueID string    `json:"unique_id"`
	Deferred bool      `json:"deferred"`
	At       time.Time `json:"at"`
}

// stagingFile is the part of *os.File used while staging a call file.
type stagingFile interface {
	io.Writer
	Name() string
	Chmod(mode os.FileMode) error
	Sync() error
	Close() error
}

// Scheduler writes call files.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	now    func() time.Time
	create func(dir, pattern string) (stagingFile, error)

	placed    atomic.Uint64
	cancelled atomic.Uint64
}

// New creates a scheduler and makes sure the spool directories exist.
func New(cfg Config, logger *slog.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.OutgoingDir == "" || cfg.WakeupDir == "" {
		return nil, fmt.Errorf("callfile: outgoing and wakeup directories are required")
	}
	for _, dir := range []string{cfg.OutgoingDir, cfg.WakeupDir, cfg.StagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("callfile: creating %s: %w", dir, err)
		}
	}

	return &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "callfile"),
		now:    time.Now,
		create: func(dir, pattern string) (stagingFile, error) {
			return os.CreateTemp(dir, pattern)
		},
	}, nil
}

// FileName returns the spool file name for a call. Cancel recomputes it
// from the same inputs. The time is taken in the local zone, so any
// representation of the same instant gives the same name.
func FileName(phoneNumber string, at time.Time, uniqueID string) string {
	return at.Local().Format("1504") + "." + phoneNumber + "." + uniqueID + fileSuffix
}

// Place validates call, renders it and publishes it into the active spool
// (immediate) or the deferred spool (scheduled). The file appears in the
// spool only once fully written.
func (s *Scheduler) Place(call Call) (Placement, error) {
	if err := validate(call); err != nil {
		return Placement{}, err
	}

	now := s.now()
	deferred := !call.At.IsZero()
	at := call.At
	if !deferred {
		at = now
	}
	if call.UniqueID == "" {
		call.UniqueID = uuid.NewString()
	}

	content, err := s.render(call, now, at)
	if err != nil {
		return Placement{}, err
	}

	name := FileName(call.PhoneNumber, at, call.UniqueID)
	dir := s.cfg.OutgoingDir
	if deferred {
		dir = s.cfg.WakeupDir
	}
	dest := filepath.Join(dir, name)

	if err := s.publish(name, content, dest, deferred, at); err != nil {
		return Placement{}, err
	}

	s.placed.Add(1)
	s.logger.Info("call placed",
		"phone_number", call.PhoneNumber,
		"route", call.Route,
		"unique_id", call.UniqueID,
		"deferred", deferred,
		"at", at,
	)
	return Placement{Name: name, Path: dest, UniqueID: call.UniqueID, Deferred: deferred, At: at}, nil
}

// Cancel removes a deferred call. Cancelling a call that is not scheduled
// is not an error.
func (s *Scheduler) Cancel(phoneNumber string, at time.Time, uniqueID string) error {
	if err := validateName(phoneNumber, uniqueID); err != nil {
		return err
	}

	path := filepath.Join(s.cfg.WakeupDir, FileName(phoneNumber, at, uniqueID))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("cancelled call not found", "path", path)
			return nil
		}
		return fmt.Errorf("callfile: removing %s: %w", path, err)
	}

	s.cancelled.Add(1)
	s.logger.Info("call cancelled", "phone_number", phoneNumber, "unique_id", uniqueID)
	return nil
}

// PlacedTotal returns the number of call files published since start.
func (s *Scheduler) PlacedTotal() uint64 { return s.placed.Load() }

// CancelledTotal returns the number of deferred calls removed since start.
func (s *Scheduler) CancelledTotal() uint64 { return s.cancelled.Load() }

// Scheduled is a call file waiting in the deferred spool.
type Scheduled struct {
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	UniqueID    string    `json:"unique_id"`
	At          time.Time `json:"at"`
}

// List returns the calls in the deferred spool ordered by time.
func (s *Scheduler) List() ([]Scheduled, error) {
	entries, err := os.ReadDir(s.cfg.WakeupDir)
	if err != nil {
		return nil, fmt.Errorf("callfile: reading %s: %w", s.cfg.WakeupDir, err)
	}

	var out []Scheduled
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(e.Name(), fileSuffix), ".", 3)
		if len(parts) != 3 {
			s.logger.Debug("skipping unrecognized spool file", "name", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Scheduled{
			Name:        e.Name(),
			PhoneNumber: parts[1],
			UniqueID:    parts[2],
			At:          info.ModTime(),
		})
	}

	slices.SortFunc(out, func(a, b Scheduled) int {
		return a.At.Compare(b.At)
	})
	return out, nil
}

// publish stages content and renames it to dest. The staging file is
// removed on any failure before the rename.
func (s *Scheduler) publish(name string, content []byte, dest string, deferred bool, at time.Time) (err error) {
	f, err := s.create(s.cfg.StagingDir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("callfile: creating staging file: %w", err)
	}
	staged := f.Name()
	closed := false

	defer func() {
		if err == nil {
			return
		}
		if !closed {
			f.Close()
		}
		if rmErr := os.Remove(staged); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("removing staging file", "path", staged, "error", rmErr)
		}
	}()

	n, err := f.Write(content)
	if err == nil && n < len(content) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("callfile: writing %s: %w", staged, err)
	}
	// The PBX reads the spool as a different user.
	if err := f.Chmod(filePerm); err != nil {
		return fmt.Errorf("callfile: chmod %s: %w", staged, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("callfile: syncing %s: %w", staged, err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return fmt.Errorf("callfile: closing %s: %w", staged, err)
	}

	if deferred {
		if err := os.Chtimes(staged, at, at); err != nil {
			return fmt.Errorf("callfile: setting time on %s: %w", staged, err)
		}
	}

	if err := os.Rename(staged, dest); err != nil {
		return fmt.Errorf("callfile: publishing %s: %w", dest, err)
	}
	return nil
}

func (s *Scheduler) render(call Call, now, at time.Time) ([]byte, error) {
	callerID := call.CallerID
	if callerID == "" {
		callerID = s.cfg.CallerID
	}
	retryTime := call.RetryTime
	if retryTime <= 0 {
		retryTime = DefaultRetryTime
	}
	waitTime := call.WaitTime
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}

	data := make(map[string]any, len(call.HashData)+1)
	for k, v := range call.HashData {
		data[k] = v
	}
	if call.SessionID != "" {
		data[agi.SessionKey] = call.SessionID
	}
	hash, err := agi.EncodeHashData(data)
	if err != nil {
		return nil, &agi.ApplicationError{Msg: "encoding call hash data", Err: err}
	}

	const stamp = "01-02-2006 at 15:04 -- Monday"
	var b strings.Builder
	b.WriteString("; generated by agigate\n")
	b.WriteString("; file generated: " + now.Format(stamp) + "\n")
	b.WriteString("; call date: " + at.Format(stamp) + "\n\n")

	directive := func(k, v string) {
		b.WriteString(k + ": " + v + "\n")
	}
	directive("Channel", s.cfg.Channel)
	directive("Callerid", "<"+callerID+">")
	directive("MaxRetries", strconv.Itoa(call.MaxRetries))
	directive("RetryTime", strconv.Itoa(retryTime))
	directive("WaitTime", strconv.Itoa(waitTime))
	directive("Context", s.cfg.Context)
	directive("Extension", s.cfg.Extension)
	directive("Priority", strconv.Itoa(s.cfg.Priority))

	setVar := func(k, v string) {
		directive("SetVar", k+"="+v)
	}
	setVar(VarPhoneNumber, call.PhoneNumber)
	setVar(VarCallerID, callerID)
	setVar(VarRoute, call.Route)
	setVar(VarServer, s.cfg.AGIServer)

	names := make([]string, 0, len(call.Variables))
	for k := range call.Variables {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		setVar(k, call.Variables[k])
	}
	setVar(agi.HashDataVariable, hash)

	// The PBX rejects call files without trailing blank lines.
	b.WriteString("\n\n\n")
	return []byte(b.String()), nil
}

func validate(call Call) error {
	if !strings.HasPrefix(call.Route, "/") {
		return &agi.ApplicationError{Msg: fmt.Sprintf("relative routes cannot be used (found %q)", call.Route)}
	}
	if err := validateName(call.PhoneNumber, call.UniqueID); err != nil {
		return err
	}
	for _, v := range []string{call.Route, call.CallerID} {
		if strings.ContainsAny(v, "\r\n") {
			return &agi.ApplicationError{Msg: "call file values cannot contain line breaks"}
		}
	}
	for k, v := range call.Variables {
		if k == "" || strings.ContainsAny(k, "=\r\n") || strings.ContainsAny(v, "\r\n") {
			return &agi.ApplicationError{Msg: fmt.Sprintf("invalid channel variable %q", k)}
		}
	}
	return nil
}

// validateName checks the parts that end up in the spool file name.
func validateName(phoneNumber, uniqueID string) error {
	if phoneNumber == "" {
		return &agi.ApplicationError{Msg: "phone number is required"}
	}
	if strings.ContainsAny(phoneNumber, "./\\\r\n") {
		return &agi.ApplicationError{Msg: fmt.Sprintf("invalid phone number %q", phoneNumber)}
	}
	if strings.ContainsAny(uniqueID, "/\\\r\n") || uniqueID == ".." {
		return &agi.ApplicationError{Msg: fmt.Sprintf("invalid unique id %q", uniqueID)}
	}
	return nil
}
