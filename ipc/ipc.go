// Package ipc implements the length-framed, line-aware transport between a
// child worker and its privileged parent, grounded on the teacher's
// ctlwriter/ctlreader pattern in ctl.go: a small text header line followed
// by zero or more length-prefixed binary payload segments. Reads never set
// a deadline — the child has no independent work while waiting for a
// parent reply, so a blocking read is the correct behavior, not an
// oversight.
package ipc

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/nmarriott/mailfdm/mlog"
	"github.com/nmarriott/mailfdm/moxio"
)

// Kind identifies a frame's message type.
type Kind int

const (
	KindAction Kind = iota + 1
	KindDone
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "ACTION"
	case KindDone:
		return "DONE"
	case KindExit:
		return "EXIT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var bp = moxio.NewBufpool(4, 4096)

// Conn is one end of the channel. It is not safe for concurrent use by
// multiple goroutines, matching the single-threaded child.
type Conn struct {
	w   io.Writer
	r   *bufio.Reader
	log *mlog.Log
}

// New wraps rw (typically a *net.UnixConn inherited at fork, or net.Pipe
// for tests) as an IPC channel.
func New(rw io.ReadWriter, log *mlog.Log) *Conn {
	return &Conn{w: rw, r: bufio.NewReader(rw), log: log}
}

func (c *Conn) writeFrame(kind Kind, fields []string, payloads [][]byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %d", int(kind), len(payloads))
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(c.w, b.String()); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	for _, p := range payloads {
		if _, err := fmt.Fprintf(c.w, "%d\n", len(p)); err != nil {
			return fmt.Errorf("writing payload length: %w", err)
		}
		if len(p) > 0 {
			if _, err := c.w.Write(p); err != nil {
				return fmt.Errorf("writing payload: %w", err)
			}
		}
	}
	return nil
}

func (c *Conn) readFrame() (kind Kind, fields []string, payloads [][]byte, err error) {
	line, err := bp.Readline(c.log, c.r)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading frame header: %w", err)
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return 0, nil, nil, fmt.Errorf("malformed frame header %q", line)
	}
	k, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("malformed frame kind %q: %w", parts[0], err)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("malformed payload count %q: %w", parts[1], err)
	}
	fields = parts[2:]

	payloads = make([][]byte, n)
	for i := 0; i < n; i++ {
		lenLine, err := bp.Readline(c.log, c.r)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("reading payload length: %w", err)
		}
		plen, err := strconv.Atoi(lenLine)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("malformed payload length %q: %w", lenLine, err)
		}
		buf := make([]byte, plen)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return 0, nil, nil, fmt.Errorf("reading payload: %w", err)
		}
		payloads[i] = buf
	}
	return Kind(k), fields, payloads, nil
}

func escape(s string) string {
	if s == "" {
		return "-"
	}
	return url.QueryEscape(s)
}

func unescape(s string) (string, error) {
	if s == "-" {
		return "", nil
	}
	return url.QueryUnescape(s)
}
