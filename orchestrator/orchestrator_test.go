package orchestrator

import (
	"context"
	"net"
	"testing"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/fetch"
	"github.com/nmarriott/mailfdm/ipc"
	"github.com/nmarriott/mailfdm/mailmsg"
	"github.com/nmarriott/mailfdm/mlog"
)

var testlog = mlog.New("orchestrator")

// fakeBackend is a golden in-memory fetch backend for orchestrator tests:
// it serves a fixed queue of (bytes, status) pairs and records Done/Purge/
// Finish calls for assertion.
type fakeBackend struct {
	queue   [][]byte
	idx     int
	oneShot fetch.Status // if set and queue is exhausted, returned once instead of StatusComplete.

	doneDecisions []mailmsg.Decision
	purges        int
	finished      bool
	finishFailed  bool
	startErr      error
}

func (f *fakeBackend) Start() error { return f.startErr }

func (f *fakeBackend) Fetch() ([]byte, fetch.Status, error) {
	if f.idx >= len(f.queue) {
		if f.oneShot != 0 {
			s := f.oneShot
			f.oneShot = 0
			return nil, s, nil
		}
		return nil, fetch.StatusComplete, nil
	}
	b := f.queue[f.idx]
	f.idx++
	return b, fetch.StatusSuccess, nil
}

func (f *fakeBackend) Done(d mailmsg.Decision) error {
	f.doneDecisions = append(f.doneDecisions, d)
	return nil
}

func (f *fakeBackend) Purge() error {
	f.purges++
	return nil
}

func (f *fakeBackend) Finish(failed bool) error {
	f.finished = true
	f.finishFailed = failed
	return nil
}

// noopDispatcher never runs (the test rules below carry no actions), but
// satisfies rule.Dispatcher.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(m *mailmsg.Mail, account string, acc config.Account, r config.Rule, action string) error {
	return nil
}

func newConnPair(t *testing.T) (*ipc.Conn, *ipc.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return ipc.New(client, testlog), ipc.New(server, testlog)
}

// drainExit answers the child's EXIT handshake from the other end of the
// pipe, the way a privileged parent would.
func drainExit(t *testing.T, parent *ipc.Conn) {
	t.Helper()
	go func() {
		if _, err := parent.ReadExit(); err != nil {
			return
		}
		_ = parent.WriteExit(ipc.ExitMsg{Status: 0})
	}()
}

func newRunner(t *testing.T, backend any, rules []config.Rule) (*Runner, *fakeBackend) {
	t.Helper()
	child, parent := newConnPair(t)
	drainExit(t, parent)
	fb, _ := backend.(*fakeBackend)
	return &Runner{
		Account:    "alice",
		AccountCfg: config.Account{},
		Global:     config.Global{ImplicitDecision: config.ImplicitKeep},
		Backend:    backend,
		Rules:      rules,
		Dispatch:   noopDispatcher{},
		Conn:       child,
		Progname:   "mailfdm",
		Build:      "test",
	}, fb
}

// Scenario 1: empty message after trim is discarded without reaching the
// rule evaluator, and counters are unaffected.
func TestEmptyMessageDiscarded(t *testing.T) {
	backend := &fakeBackend{queue: [][]byte{{}}}
	r, fb := newRunner(t, backend, nil)

	status := r.Run(context.Background(), OpFetch)
	if status != 0 {
		t.Fatalf("Run() = %d, want 0", status)
	}
	if len(fb.doneDecisions) != 0 {
		t.Fatalf("Done called %d times for an empty message, want 0", len(fb.doneDecisions))
	}
	if !fb.finished {
		t.Fatal("Finish was not called")
	}
}

// Scenario 2: a single ALL rule with Stop and no actions matches but
// leaves the mail at its initial DROP decision, because the implicit
// decision is only applied when the walk does not stop explicitly.
func TestMatchAllStopLeavesInitialDecision(t *testing.T) {
	backend := &fakeBackend{queue: [][]byte{[]byte("Subject: x\r\n\r\nhundred bytes of body text padded out to be long enough, yes.\r\n")}}
	rules := []config.Rule{{All: true, Stop: true}}
	r, fb := newRunner(t, backend, rules)
	r.Global.ImplicitDecision = config.ImplicitKeep // would KEEP if reached; must not be reached.

	status := r.Run(context.Background(), OpFetch)
	if status != 0 {
		t.Fatalf("Run() = %d, want 0", status)
	}
	if len(fb.doneDecisions) != 1 {
		t.Fatalf("Done called %d times, want 1", len(fb.doneDecisions))
	}
	if fb.doneDecisions[0] != mailmsg.DecisionDrop {
		t.Fatalf("decision = %v, want DROP (initial value, implicit decision skipped)", fb.doneDecisions[0])
	}
}

// Scenario 5: OVERSIZE without del_big aborts the account with cause
// "fetching"; with del_big it is accepted into the done-block as DROP.
func TestOversizeWithoutDelBig(t *testing.T) {
	backend := &fakeBackend{oneShot: fetch.StatusOversize}
	r, fb := newRunner(t, backend, nil)
	r.Global.DelBig = false

	status := r.Run(context.Background(), OpFetch)
	if status != 1 {
		t.Fatalf("Run() = %d, want 1", status)
	}
	if len(fb.doneDecisions) != 0 {
		t.Fatalf("Done called %d times, want 0 (aborted before done-block)", len(fb.doneDecisions))
	}
	if !fb.finished || !fb.finishFailed {
		t.Fatalf("Finish(failed) = (%v, %v), want (true, true)", fb.finished, fb.finishFailed)
	}
}

func TestOversizeWithDelBig(t *testing.T) {
	backend := &fakeBackend{oneShot: fetch.StatusOversize}
	r, fb := newRunner(t, backend, nil)
	r.Global.DelBig = true

	status := r.Run(context.Background(), OpFetch)
	if status != 0 {
		t.Fatalf("Run() = %d, want 0", status)
	}
	if len(fb.doneDecisions) != 1 || fb.doneDecisions[0] != mailmsg.DecisionDrop {
		t.Fatalf("doneDecisions = %v, want [DROP]", fb.doneDecisions)
	}
}

// Total fetch count = dropped + kept, when the backend supports Done.
func TestFetchedEqualsKeptPlusDropped(t *testing.T) {
	backend := &fakeBackend{queue: [][]byte{
		[]byte("Subject: a\r\n\r\none\r\n"),
		[]byte("Subject: b\r\n\r\ntwo\r\n"),
		[]byte("Subject: c\r\n\r\nthree\r\n"),
	}}
	r, fb := newRunner(t, backend, nil) // no rules: implicit decision (keep) applies to all.

	status := r.Run(context.Background(), OpFetch)
	if status != 0 {
		t.Fatalf("Run() = %d, want 0", status)
	}
	if len(fb.doneDecisions) != 3 {
		t.Fatalf("Done called %d times, want 3", len(fb.doneDecisions))
	}
	var kept, dropped int
	for _, d := range fb.doneDecisions {
		if d == mailmsg.DecisionKeep {
			kept++
		} else {
			dropped++
		}
	}
	if kept+dropped != 3 {
		t.Fatalf("kept(%d)+dropped(%d) != fetched(3)", kept, dropped)
	}
	if kept != 3 {
		t.Fatalf("kept = %d, want 3 (ImplicitKeep, no rules matched)", kept)
	}
}

// Poll is reported and exits cleanly when the backend does not support it.
func TestPollUnsupported(t *testing.T) {
	backend := &fakeBackend{} // no Poll method.
	r, _ := newRunner(t, backend, nil)

	status := r.Run(context.Background(), OpPoll)
	if status != 0 {
		t.Fatalf("Run() = %d, want 0 (unsupported op is reported, not fatal)", status)
	}
}
