// Package maildirfetch adapts a Maildir (RFC-ish, new/cur/tmp) mailbox to
// the fetch.Backend capability set, wrapping
// github.com/emersion/go-maildir. It walks new/ first (moving those
// messages into cur/ the way any other MUA would) then any
// already-present cur/ messages, matching fdm's maildir fetch backend.
package maildirfetch

import (
	"fmt"
	"os"
	"sort"

	maildir "github.com/emersion/go-maildir"

	"github.com/nmarriott/mailfdm/fetch"
	"github.com/nmarriott/mailfdm/mailmsg"
)

func init() {
	fetch.Register("maildir", func(params map[string]string) (any, error) {
		path := params["Path"]
		if path == "" {
			return nil, fmt.Errorf("maildirfetch: Path parameter required")
		}
		return &Backend{dir: maildir.Dir(path)}, nil
	})
}

// Backend fetches from one maildir, in new/-then-cur/ order.
type Backend struct {
	dir     maildir.Dir
	queue   []string
	idx     int
	current string // key of the last mail returned by Fetch, for Done.
}

// Start creates the maildir's directory structure if missing, then moves
// anything in new/ into cur/ and queues it ahead of any mail already
// sitting in cur/ from a previous interrupted run.
func (b *Backend) Start() error {
	if err := b.dir.Init(); err != nil {
		return fmt.Errorf("maildirfetch: creating maildir: %w", err)
	}
	fresh, err := b.dir.Unseen()
	if err != nil {
		return fmt.Errorf("maildirfetch: scanning new: %w", err)
	}
	sort.Strings(fresh)

	existing, err := b.dir.Keys()
	if err != nil {
		return fmt.Errorf("maildirfetch: scanning cur: %w", err)
	}
	sort.Strings(existing)
	seen := make(map[string]bool, len(fresh))
	for _, k := range fresh {
		seen[k] = true
	}
	for _, k := range existing {
		if !seen[k] {
			fresh = append(fresh, k)
		}
	}

	b.queue = fresh
	return nil
}

// Poll reports how many messages are queued without consuming any.
func (b *Backend) Poll() (int, error) {
	return len(b.queue) - b.idx, nil
}

// Fetch returns the next queued message's raw bytes.
func (b *Backend) Fetch() ([]byte, fetch.Status, error) {
	if b.idx >= len(b.queue) {
		return nil, fetch.StatusComplete, nil
	}
	key := b.queue[b.idx]
	b.idx++

	name, err := b.dir.Filename(key)
	if err != nil {
		return nil, fetch.StatusError, fmt.Errorf("maildirfetch: locating %s: %w", key, err)
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fetch.StatusError, fmt.Errorf("maildirfetch: reading %s: %w", name, err)
	}
	b.current = key
	return raw, fetch.StatusSuccess, nil
}

// Done leaves a kept message in cur/ (already its home after Start) and
// removes a dropped one.
func (b *Backend) Done(decision mailmsg.Decision) error {
	if decision != mailmsg.DecisionDrop {
		return nil
	}
	if err := b.dir.Remove(b.current); err != nil {
		return fmt.Errorf("maildirfetch: removing %s: %w", b.current, err)
	}
	return nil
}

// Purge is a no-op: maildir deletion in Done is already final, there is
// no separate transactional commit step.
func (b *Backend) Purge() error { return nil }

// Finish does nothing: maildirfetch holds no open handles between calls.
func (b *Backend) Finish(failed bool) error { return nil }
