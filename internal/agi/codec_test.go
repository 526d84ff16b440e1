package agi

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCodec(input string) (*Codec, *bytes.Buffer) {
	var out bytes.Buffer
	return NewCodec(strings.NewReader(input), &out, testLogger()), &out
}

func TestReadReplySuccess(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantResult string
		wantInt    int
	}{
		{"plain", "200 result=0", "0", 0},
		{"parenthesized value", "200 result=1 (hello world)", "hello world", -1},
		{"timeout", "200 result=5 (timeout)", "5", 5},
		{"negative", "200 result=-1", "-1", -1},
		{"trailing whitespace", "200 result=3   ", "3", 3},
		{"crlf", "200 result=42\r", "42", 42},
		{"extra fields", "200 result=0 endpos=1200", "0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCodec(tt.line + "\n")
			reply, err := c.ReadReply()
			if err != nil {
				t.Fatalf("ReadReply: %v", err)
			}
			if reply.Status != StatusSuccess {
				t.Errorf("status = %d, want 200", reply.Status)
			}
			if reply.Result != tt.wantResult {
				t.Errorf("result = %q, want %q", reply.Result, tt.wantResult)
			}
			if got := reply.Int(); got != tt.wantInt {
				t.Errorf("Int() = %d, want %d", got, tt.wantInt)
			}
		})
	}
}

func TestReadReplyFields(t *testing.T) {
	c, _ := newTestCodec("200 result=55 endpos=8000\n")
	reply, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if reply.Fields["result"] != "55" {
		t.Errorf("result field = %q, want 55", reply.Fields["result"])
	}
	if reply.Fields["endpos"] != "8000" {
		t.Errorf("endpos field = %q, want 8000", reply.Fields["endpos"])
	}
}

func TestReadReplyWithoutValue(t *testing.T) {
	c, _ := newTestCodec("200\n")
	reply, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if reply.HasResult {
		t.Error("expected HasResult to be false")
	}
	if reply.Int() != -1 {
		t.Errorf("Int() = %d, want -1", reply.Int())
	}
}

func TestReadReplyCommandNotFound(t *testing.T) {
	c, _ := newTestCodec("junk from the pbx\n510 Invalid or unknown command (FOO BAR)\n")
	_, err := c.ReadReply()

	var nf *CommandNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected CommandNotFoundError, got %v", err)
	}
	if nf.Command != "FOO BAR" {
		t.Errorf("command = %q, want %q", nf.Command, "FOO BAR")
	}
}

func TestReadReplyUsageBlock(t *testing.T) {
	input := "520-Invalid command syntax.  Proper usage follows:\n" +
		"Usage: GET DATA <file to be streamed> [timeout] [max digits]\n" +
		"Stream the given file.\n" +
		"520 End of proper usage.\n" +
		"200 result=1\n"
	c, _ := newTestCodec(input)

	_, err := c.ReadReply()
	var ue *UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	want := "Usage: GET DATA <file to be streamed> [timeout] [max digits]\nStream the given file."
	if ue.Usage != want {
		t.Errorf("usage = %q, want %q", ue.Usage, want)
	}

	// The block is consumed completely; the next reply is intact.
	reply, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply after usage block: %v", err)
	}
	if reply.Result != "1" {
		t.Errorf("result = %q, want 1", reply.Result)
	}
}

func TestReadReplyUsageBlockWithoutDash(t *testing.T) {
	input := "520 Invalid command syntax. Proper usage follows:\n" +
		"Usage: ANSWER\n" +
		"520 End of proper usage.\n" +
		"200 result=0\n"
	c, _ := newTestCodec(input)

	_, err := c.ReadReply()
	var ue *UsageError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UsageError, got %v", err)
	}
	if ue.Usage != "Usage: ANSWER" {
		t.Errorf("usage = %q, want %q", ue.Usage, "Usage: ANSWER")
	}

	reply, err := c.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply after usage block: %v", err)
	}
	if reply.Status != StatusSuccess || reply.Result != "0" {
		t.Errorf("next reply = %d %q, want 200 0", reply.Status, reply.Result)
	}
}

func TestReadReplyUnknownStatus(t *testing.T) {
	c, _ := newTestCodec("511 Command Not Permitted on a dead channel or intercept routine\n")

	reply, err := c.ReadReply()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Status != 511 {
		t.Errorf("status = %d, want 511", reply.Status)
	}
	if reply.HasResult {
		t.Error("HasResult = true, want false")
	}
	if got := reply.Int(); got != -1 {
		t.Errorf("Int() = %d, want -1", got)
	}
}

func TestReadReplyEOF(t *testing.T) {
	c, _ := newTestCodec("")
	_, err := c.ReadReply()
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	var ae *ApplicationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplicationError, got %T", err)
	}
}

func TestReadIntNonNumeric(t *testing.T) {
	c, _ := newTestCodec("200 result=1 (SIP/100-0001)\n")
	n, err := c.ReadInt()
	if err != nil {
		t.Fatalf("ReadInt: %v", err)
	}
	if n != -1 {
		t.Errorf("ReadInt = %d, want -1", n)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSend(t *testing.T) {
	c, out := newTestCodec("")
	if err := c.Send("ANSWER"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.String() != "ANSWER\n" {
		t.Errorf("wrote %q, want %q", out.String(), "ANSWER\n")
	}

	c = NewCodec(strings.NewReader(""), failingWriter{}, testLogger())
	if err := c.Send("ANSWER"); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}
