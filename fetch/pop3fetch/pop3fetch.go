// Package pop3fetch is a minimal hand-rolled POP3 client (USER/PASS/
// UIDL/LIST/RETR/DELE/QUIT over net + crypto/tls) adapted to the
// fetch.Backend capability set. No POP3 client library appears anywhere
// in the retrieval pack, so this is the one deliberate exception to
// "never fall back to stdlib where the corpus shows a library": the
// corpus shows no POP3 library at all.
package pop3fetch

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/nmarriott/mailfdm/dedup"
	"github.com/nmarriott/mailfdm/fetch"
	"github.com/nmarriott/mailfdm/mailmsg"
	"github.com/nmarriott/mailfdm/mlog"
)

var log = mlog.New("pop3fetch")

func init() {
	fetch.Register("pop3", func(params map[string]string) (any, error) {
		host, port := params["Host"], params["Port"]
		if host == "" || port == "" {
			return nil, fmt.Errorf("pop3fetch: Host and Port parameters required")
		}
		if params["User"] == "" {
			return nil, fmt.Errorf("pop3fetch: User parameter required")
		}
		var maxSize int
		if s := params["MaxSize"]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("pop3fetch: parsing MaxSize %q: %w", s, err)
			}
			maxSize = n
		}
		return &Backend{
			addr:     net.JoinHostPort(host, port),
			user:     params["User"],
			pass:     params["Pass"],
			useTLS:   params["TLS"] == "true",
			seenPath: params["SeenPath"],
			maxSize:  maxSize,
		}, nil
	})
}

// Backend fetches from one POP3 mailbox. Messages the account keeps
// (decision KEEP) are tracked in a persisted bloom filter keyed by UIDL
// so a later run against the same mailbox, which has no append-only
// cursor the way maildir's new/ directory does, does not redeliver them.
type Backend struct {
	addr, user, pass string
	useTLS           bool
	seenPath         string
	maxSize          int // bytes; 0 disables the oversize check.

	conn net.Conn
	tp   *textproto.Conn
	seen *dedup.Seen

	nums   []int
	uidls  map[int]string
	sizes  map[int]int
	idx    int
	curNum int
}

// Start dials, authenticates, lists messages with UIDL and LIST (for
// per-message size) and filters out anything already recorded as seen
// from a previous run.
func (b *Backend) Start() error {
	conn, err := net.Dial("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("pop3fetch: dialing %s: %w", b.addr, err)
	}
	if b.useTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: hostOnly(b.addr)})
	}
	return b.startOverConn(conn)
}

// startOverConn runs the USER/PASS/UIDL handshake over an already-
// connected conn, split out from Start so tests can drive it over an
// in-memory net.Pipe instead of a real TCP dial.
func (b *Backend) startOverConn(conn net.Conn) error {
	b.conn = conn
	b.tp = textproto.NewConn(conn)

	if _, err := b.tp.ReadLine(); err != nil { // greeting
		return fmt.Errorf("pop3fetch: reading greeting: %w", err)
	}
	if err := b.cmd("USER " + b.user); err != nil {
		return fmt.Errorf("pop3fetch: USER: %w", err)
	}
	if err := b.cmd("PASS " + b.pass); err != nil {
		return fmt.Errorf("pop3fetch: PASS: %w", err)
	}

	lines, err := b.cmdMulti("UIDL")
	if err != nil {
		return fmt.Errorf("pop3fetch: UIDL: %w", err)
	}
	b.uidls = map[int]string{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		b.uidls[n] = fields[1]
	}

	listLines, err := b.cmdMulti("LIST")
	if err != nil {
		return fmt.Errorf("pop3fetch: LIST: %w", err)
	}
	b.sizes = map[int]int{}
	for _, line := range listLines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		sz, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		b.sizes[n] = sz
	}

	if b.seenPath != "" {
		seen, err := dedup.Load(log, b.seenPath, 1<<16, 4)
		if err != nil {
			return fmt.Errorf("pop3fetch: loading seen filter: %w", err)
		}
		b.seen = seen
	}

	for n := range b.uidls {
		if b.seen != nil && b.seen.Has(b.uidls[n]) {
			continue
		}
		b.nums = append(b.nums, n)
	}
	sort.Ints(b.nums)
	return nil
}

// Poll reports how many un-dropped, not-previously-seen messages remain.
func (b *Backend) Poll() (int, error) {
	return len(b.nums) - b.idx, nil
}

// Fetch retrieves the next queued message, or reports StatusOversize
// without issuing RETR if MaxSize is configured and the server's LIST
// size for it exceeds it.
func (b *Backend) Fetch() ([]byte, fetch.Status, error) {
	if b.idx >= len(b.nums) {
		return nil, fetch.StatusComplete, nil
	}
	num := b.nums[b.idx]
	b.idx++
	b.curNum = num

	if b.maxSize > 0 && b.sizes[num] > b.maxSize {
		return nil, fetch.StatusOversize, nil
	}

	if err := b.cmd(fmt.Sprintf("RETR %d", num)); err != nil {
		return nil, fetch.StatusError, fmt.Errorf("pop3fetch: RETR %d: %w", num, err)
	}
	raw, err := b.readDotBody()
	if err != nil {
		return nil, fetch.StatusError, fmt.Errorf("pop3fetch: reading RETR %d body: %w", num, err)
	}
	return raw, fetch.StatusSuccess, nil
}

// Done deletes a dropped message immediately (POP3 commits DELE only at
// QUIT, so Finish still runs QUIT regardless) and records a kept one as
// seen so it is skipped on the next run.
func (b *Backend) Done(decision mailmsg.Decision) error {
	if decision == mailmsg.DecisionDrop {
		if err := b.cmd(fmt.Sprintf("DELE %d", b.curNum)); err != nil {
			return fmt.Errorf("pop3fetch: DELE %d: %w", b.curNum, err)
		}
		return nil
	}
	if b.seen != nil {
		b.seen.Add(b.uidls[b.curNum])
	}
	return nil
}

// Purge persists the seen filter; POP3 has no separate server-side
// commit beyond the DELEs QUIT applies.
func (b *Backend) Purge() error {
	if b.seen == nil || b.seenPath == "" {
		return nil
	}
	if err := b.seen.Write(b.seenPath); err != nil {
		return fmt.Errorf("pop3fetch: persisting seen filter: %w", err)
	}
	return nil
}

// Finish sends QUIT (committing any DELEs) and closes the connection,
// then persists the seen filter one last time. Idempotent: a nil
// connection (Start never ran or already finished) is a no-op.
func (b *Backend) Finish(failed bool) error {
	if b.tp == nil {
		return nil
	}
	err := b.cmd("QUIT")
	closeErr := b.conn.Close()
	b.tp, b.conn = nil, nil
	if err != nil {
		return fmt.Errorf("pop3fetch: QUIT: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("pop3fetch: closing connection: %w", closeErr)
	}
	return b.Purge()
}

func (b *Backend) cmd(line string) error {
	if err := b.tp.PrintfLine("%s", line); err != nil {
		return err
	}
	resp, err := b.tp.ReadLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "+OK") {
		return fmt.Errorf("server replied %q", resp)
	}
	return nil
}

func (b *Backend) cmdMulti(line string) ([]string, error) {
	if err := b.cmd(line); err != nil {
		return nil, err
	}
	return b.tp.ReadDotLines()
}

// readDotBody reads a RETR response's dot-terminated multiline body as
// raw bytes, preserving CRLF line endings as the wire sent them except
// for POP3's leading-dot escaping.
func (b *Backend) readDotBody() ([]byte, error) {
	r := b.tp.DotReader()
	var buf []byte
	scanner := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := scanner.ReadBytes('\n')
		if len(line) > 0 {
			buf = append(buf, line...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
