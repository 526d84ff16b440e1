package agi

import (
	"bufio"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Status is the three digit code that opens every AGI reply.
type Status int

const (
	StatusSuccess         Status = 200
	StatusCommandNotFound Status = 510
	StatusUsageError      Status = 520
)

// Reply is one decoded 200 reply.
type Reply struct {
	Status Status

	// Result is the primary value of the reply. See parseSuccess for the
	// rules that pick it out of the raw line.
	Result string

	// HasResult is false when the line carried no key=value at all.
	HasResult bool

	// Fields holds every key=value token of the line, e.g. result and endpos
	// for STREAM FILE.
	Fields map[string]string

	// Raw is the line as received, without the line terminator.
	Raw string
}

// Int returns Result as an integer, or -1 when it is missing or not numeric.
func (r *Reply) Int() int {
	if r == nil || !r.HasResult {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(r.Result))
	if err != nil {
		return -1
	}
	return n
}

// Codec frames AGI commands and decodes replies. It is not safe for
// concurrent use; a call issues one command and reads its reply before the
// next command is sent.
type Codec struct {
	r      *bufio.Reader
	w      io.Writer
	logger *slog.Logger
}

// NewCodec creates a codec reading replies from r and writing commands to w.
func NewCodec(r io.Reader, w io.Writer, logger *slog.Logger) *Codec {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Codec{r: br, w: w, logger: logger}
}

// Send writes one command line. Write failures are connection-fatal.
func (c *Codec) Send(cmd string) error {
	c.logger.Debug("agi send", "command", cmd)
	if _, err := io.WriteString(c.w, cmd+"\n"); err != nil {
		return connError("writing command", err)
	}
	return nil
}

// ReadLine reads one line with its terminator stripped.
func (c *Codec) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", connError("reading reply", err)
		}
		// A final unterminated line is still delivered; the next read fails.
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadReply reads one logical reply. Lines that do not begin with a three
// digit status code are skipped; the PBX may emit such noise ahead of a 510.
// A 510 yields *CommandNotFoundError and a 520 yields *UsageError. Any other
// status, such as 511 on a dead channel, yields a reply without a result.
func (c *Codec) ReadReply() (*Reply, error) {
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		c.logger.Debug("agi recv", "line", line)

		switch statusOf(line) {
		case StatusSuccess:
			return c.parseSuccess(line), nil
		case StatusCommandNotFound:
			return nil, &CommandNotFoundError{Command: parenthesized(line)}
		case StatusUsageError:
			return nil, c.readUsage()
		case 0:
			c.logger.Debug("skipping unexpected agi line", "line", line)
		default:
			c.logger.Warn("unexpected agi status", "line", line)
			return &Reply{Status: statusOf(line), Raw: line, Fields: map[string]string{}}, nil
		}
	}
}

// ReadInt reads a reply and returns its result as an integer. A missing or
// non-numeric result becomes -1; protocol and I/O errors are still returned.
func (c *Codec) ReadInt() (int, error) {
	reply, err := c.ReadReply()
	if err != nil {
		return -1, err
	}
	return reply.Int(), nil
}

// readUsage collects a usage block. Both "520-" and "520 " open a block that
// runs up to the next line starting with 520; only the lines in between are
// kept.
func (c *Codec) readUsage() error {
	var lines []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return err
		}
		if statusOf(line) == StatusUsageError {
			break
		}
		lines = append(lines, line)
	}
	return &UsageError{Usage: strings.Join(lines, "\n")}
}

// parseSuccess decodes a 200 line:
//
//	200 result=1 (value)      -> value
//	200 result=5 (timeout)    -> 5
//	200 result=0              -> 0
//	200 result=0 endpos=1200  -> 0, with both keys in Fields
func (c *Codec) parseSuccess(line string) *Reply {
	reply := &Reply{
		Status: StatusSuccess,
		Raw:    line,
		Fields: parseFields(line[3:]),
	}

	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		c.logger.Warn("agi 200 reply without a value", "line", line)
		return reply
	}
	reply.HasResult = true

	lb := strings.IndexByte(line, '(')
	rb := strings.LastIndexByte(line, ')')
	if lb > eq && rb > lb {
		value := line[lb+1 : rb]
		if value == "timeout" {
			value = line[eq+1 : lb]
		}
		reply.Result = strings.TrimSpace(value)
		return reply
	}

	value := strings.TrimRight(line[eq+1:], " \t")
	if sp := strings.IndexByte(value, ' '); sp >= 0 && allFields(value[sp+1:]) {
		value = value[:sp]
	}
	reply.Result = value
	return reply
}

func statusOf(line string) Status {
	if len(line) < 3 {
		return 0
	}
	if len(line) > 3 && line[3] != ' ' && line[3] != '-' {
		return 0
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0
	}
	return Status(code)
}

// parseFields collects the key=value tokens of s. Parenthesized text is skipped.
func parseFields(s string) map[string]string {
	fields := make(map[string]string)
	depth := 0
	for _, tok := range strings.Fields(s) {
		if strings.HasPrefix(tok, "(") {
			depth++
		}
		if depth == 0 {
			if k, v, ok := strings.Cut(tok, "="); ok && k != "" {
				fields[k] = v
			}
		}
		if strings.HasSuffix(tok, ")") && depth > 0 {
			depth--
		}
	}
	return fields
}

func allFields(s string) bool {
	toks := strings.Fields(s)
	if len(toks) == 0 {
		return false
	}
	for _, tok := range toks {
		if !strings.Contains(tok, "=") {
			return false
		}
	}
	return true
}

func parenthesized(line string) string {
	lb := strings.IndexByte(line, '(')
	rb := strings.LastIndexByte(line, ')')
	if lb < 0 || rb <= lb {
		return ""
	}
	return line[lb+1 : rb]
}
