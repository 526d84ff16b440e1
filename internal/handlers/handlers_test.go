package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/flowpbx/agigate/internal/agi"
	"github.com/flowpbx/agigate/internal/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel records the verbs a handler issues. Verbs it does not
// implement panic on the nil embedded interface.
type fakeChannel struct {
	dispatch.Channel

	status agi.CallStatus
	verbs  []string
}

func (f *fakeChannel) Params() map[string]string {
	return map[string]string{"agi_callerid": "5551234"}
}

func (f *fakeChannel) CallStatus(context.Context) (agi.CallStatus, error) {
	return f.status, nil
}

func (f *fakeChannel) HashData(context.Context) (map[string]any, error) {
	return nil, nil
}

func (f *fakeChannel) HangUp(_ context.Context, channel string) (int, error) {
	f.verbs = append(f.verbs, "hangup")
	return 1, nil
}

func (f *fakeChannel) Answer(context.Context) (int, error) {
	f.verbs = append(f.verbs, "answer")
	return 0, nil
}

func (f *fakeChannel) PlaySound(_ context.Context, file string) (string, error) {
	f.verbs = append(f.verbs, "play "+file)
	return "0", nil
}

func (f *fakeChannel) SpeakText(_ context.Context, text string) (string, error) {
	f.verbs = append(f.verbs, "speak "+text)
	return "0", nil
}

func newDispatcher() *dispatch.Dispatcher {
	reg := dispatch.NewRegistry()
	Register(reg, testLogger())
	return dispatch.New(reg, testLogger())
}

func dispatchPath(t *testing.T, ch *fakeChannel, path string) error {
	t.Helper()
	route, err := dispatch.ParseRoute(path)
	if err != nil {
		t.Fatalf("ParseRoute(%q): %v", path, err)
	}
	return newDispatcher().Dispatch(context.Background(), ch, route)
}

func TestRegisterNames(t *testing.T) {
	reg := dispatch.NewRegistry()
	Register(reg, testLogger())
	if got := reg.Names(); !slices.Equal(got, []string{"hangup", "playback"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestHangupAnyAction(t *testing.T) {
	for _, path := range []string{"/hangup", "/hangup/whatever", "/HangupHandler/dialup"} {
		ch := &fakeChannel{}
		if err := dispatchPath(t, ch, path); err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if !slices.Equal(ch.verbs, []string{"hangup"}) {
			t.Errorf("%s: verbs = %v", path, ch.verbs)
		}
	}
}

func TestPlaybackFile(t *testing.T) {
	ch := &fakeChannel{status: agi.CallInProgress}
	if err := dispatchPath(t, ch, "/playback?file=welcome"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"answer", "play welcome", "hangup"}
	if !slices.Equal(ch.verbs, want) {
		t.Errorf("verbs = %v, want %v", ch.verbs, want)
	}
}

func TestPlaybackAnsweredSkipsAnswer(t *testing.T) {
	ch := &fakeChannel{status: agi.CallAnswered}
	if err := dispatchPath(t, ch, "/playback/play?text=hello"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"speak hello", "hangup"}
	if !slices.Equal(ch.verbs, want) {
		t.Errorf("verbs = %v, want %v", ch.verbs, want)
	}
}

func TestPlaybackNextRedirects(t *testing.T) {
	ch := &fakeChannel{status: agi.CallAnswered}
	if err := dispatchPath(t, ch, "/playback?file=intro&next=/playback?file=menu"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"play intro", "play menu", "hangup"}
	if !slices.Equal(ch.verbs, want) {
		t.Errorf("verbs = %v, want %v", ch.verbs, want)
	}
}

func TestPlaybackNextDropsPrompt(t *testing.T) {
	ch := &fakeChannel{status: agi.CallAnswered}
	if err := dispatchPath(t, ch, "/playback?file=intro&next=/playback?text=bye"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"play intro", "speak bye", "hangup"}
	if !slices.Equal(ch.verbs, want) {
		t.Errorf("verbs = %v, want %v", ch.verbs, want)
	}
}

func TestPlaybackWithoutPrompt(t *testing.T) {
	ch := &fakeChannel{status: agi.CallAnswered}
	err := dispatchPath(t, ch, "/playback")
	var ae *agi.ApplicationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
}

func TestPlaybackUnknownAction(t *testing.T) {
	ch := &fakeChannel{status: agi.CallAnswered}
	err := dispatchPath(t, ch, "/playback/record")
	var mh *dispatch.MissingHandlerError
	if !errors.As(err, &mh) || mh.Reason != dispatch.ActionMissing {
		t.Fatalf("expected ActionMissing, got %v", err)
	}
}
