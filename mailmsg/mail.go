// Package mailmsg owns the per-message state a child works on: the raw
// bytes, the tag map, the wrapped/unwrapped line view, and the keep/drop
// decision. It is grounded on the mail struct and its operations
// (trim_from, find_header, insert_header, fill_wrapped, set_wrapped) in
// fdm's child.c.
package mailmsg

import (
	"bytes"
	"fmt"
	"strings"
)

// Decision is a mail's final disposition.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionKeep
	DecisionDrop
)

func (d Decision) String() string {
	switch d {
	case DecisionKeep:
		return "keep"
	case DecisionDrop:
		return "drop"
	default:
		return "none"
	}
}

// MaxHeaderLine is the longest a single physical header line may be before
// InsertHeader refuses it, per RFC 5322.
const MaxHeaderLine = 998

// RML is the regex-match-list cache: the most recent regexp submatches,
// kept across successive template interpolations of one mail so that a
// match predicate's captures remain visible to a later key/value/action
// template (fdm's m->rml).
type RML struct {
	Submatches []string
}

// Mail is one fetched message and the state accumulated while it moves
// through rule evaluation.
type Mail struct {
	Bytes    []byte
	Size     int
	Body     int // -1 until known.
	Tags     *TagMap
	Wrapped  []int // Byte offsets of folded newlines, found by FillWrapped.
	Decision Decision
	RML      RML
}

// New returns a fresh mail ready to receive fetched bytes, matching the
// child's per-iteration initialization: decision DROP, body unknown.
func New() *Mail {
	return &Mail{
		Body:     -1,
		Tags:     NewTagMap(),
		Decision: DecisionDrop,
	}
}

// SetBytes installs freshly fetched content, recomputing Size and leaving
// Body unknown until the caller locates the header/body boundary.
func (m *Mail) SetBytes(b []byte) {
	m.Bytes = b
	m.Size = len(b)
	m.Body = -1
}

// TrimFrom removes a leading mbox "From " envelope line, if present.
func (m *Mail) TrimFrom() {
	if !bytes.HasPrefix(m.Bytes, []byte("From ")) {
		return
	}
	idx := bytes.IndexByte(m.Bytes, '\n')
	if idx < 0 {
		return
	}
	m.Bytes = m.Bytes[idx+1:]
	m.Size = len(m.Bytes)
	if m.Body >= 0 {
		m.Body -= idx + 1
		if m.Body < 0 {
			m.Body = 0
		}
	}
}

// headerEnd returns the byte offset of the blank line separating headers
// from the body, or len(m.Bytes) if there is none.
func (m *Mail) headerEnd() int {
	if i := bytes.Index(m.Bytes, []byte("\n\n")); i >= 0 {
		return i + 1
	}
	if i := bytes.Index(m.Bytes, []byte("\r\n\r\n")); i >= 0 {
		return i + 2
	}
	return len(m.Bytes)
}

// FindHeader returns the first header matching name (case-insensitive),
// with folded continuation lines joined by a single space. If trim is
// true, leading/trailing whitespace is stripped from the value.
func (m *Mail) FindHeader(name string, trim bool) (string, bool) {
	header := m.Bytes[:m.headerEnd()]
	lines := strings.Split(string(header), "\n")
	prefix := strings.ToLower(name) + ":"

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")
		if !strings.HasPrefix(strings.ToLower(line), prefix) {
			continue
		}
		val := line[len(prefix):]
		for i+1 < len(lines) {
			cont := strings.TrimSuffix(lines[i+1], "\r")
			if len(cont) == 0 || (cont[0] != ' ' && cont[0] != '\t') {
				break
			}
			val += " " + strings.TrimLeft(cont, " \t")
			i++
		}
		if trim {
			val = strings.TrimSpace(val)
		}
		return val, true
	}
	return "", false
}

// InsertHeader prepends a fully formatted header (which may itself contain
// an RFC 5322 fold, i.e. an embedded "\n\t" continuation) to the message.
// It fails if the header's first physical line exceeds MaxHeaderLine
// bytes.
func (m *Mail) InsertHeader(header string) error {
	first := header
	if i := strings.IndexByte(header, '\n'); i >= 0 {
		first = header[:i]
	}
	if len(first) > MaxHeaderLine {
		return fmt.Errorf("header line too long: %d bytes", len(first))
	}

	inserted := []byte(header)
	if len(inserted) == 0 || inserted[len(inserted)-1] != '\n' {
		inserted = append(inserted, '\n')
	}

	m.Bytes = append(inserted, m.Bytes...)
	m.Size = len(m.Bytes)
	if m.Body >= 0 {
		m.Body += len(inserted)
	}
	for i := range m.Wrapped {
		m.Wrapped[i] += len(inserted)
	}
	return nil
}

// Receive installs a write-back delivery's replacement bytes and body
// offset (fdm's mail_receive): Size is recomputed from the new bytes. A
// body offset the parent reports is trusted, since only it knows where its
// rewrite moved the boundary; if the parent reports it unknown (-1), it is
// recomputed from the first blank line of the new bytes. Wrapped is left
// for the caller to rebuild with FillWrapped once TrimFrom has run.
func (m *Mail) Receive(b []byte, body int) {
	m.Bytes = b
	m.Size = len(b)
	if body < 0 {
		if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
			body = i + 2
		} else if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
			body = i + 4
		}
	}
	m.Body = body
}

// FillWrapped scans the message for RFC 5322 folded continuation lines
// (a newline followed by leading whitespace) and records their offsets,
// returning the count found.
func (m *Mail) FillWrapped() int {
	m.Wrapped = m.Wrapped[:0]
	for i := 0; i+1 < len(m.Bytes); i++ {
		if m.Bytes[i] == '\n' && (m.Bytes[i+1] == ' ' || m.Bytes[i+1] == '\t') {
			m.Wrapped = append(m.Wrapped, i)
		}
	}
	return len(m.Wrapped)
}

// SetWrapped rewrites every recorded fold position to byte c: ' ' joins
// folded lines into the unwrapped view predicates evaluate against, '\n'
// restores the wrapped view used for transport and delivery.
func (m *Mail) SetWrapped(c byte) {
	for _, off := range m.Wrapped {
		m.Bytes[off] = c
	}
}

// Destroy releases the mail's backing storage. Every exit path from the
// fetch loop calls it exactly once.
func (m *Mail) Destroy() {
	m.Bytes = nil
	m.Wrapped = nil
	m.Tags = nil
}
