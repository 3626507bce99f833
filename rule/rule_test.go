package rule

import (
	"errors"
	"strings"
	"testing"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/mailmsg"
)

// fakeDispatcher records every action template it is asked to run, so
// tests can assert dispatch order and arguments without a real backend.
type fakeDispatcher struct {
	calls []string
	err   error
}

func (f *fakeDispatcher) Dispatch(mail *mailmsg.Mail, account string, acc config.Account, r config.Rule, actionTemplate string) error {
	f.calls = append(f.calls, actionTemplate)
	return f.err
}

func newMail(raw string) *mailmsg.Mail {
	m := mailmsg.New()
	m.SetBytes([]byte(raw))
	m.FillWrapped()
	return m
}

func TestAccountGateGlob(t *testing.T) {
	rules := []config.Rule{{Accounts: []string{"al*"}, All: true, Actions: []string{"inbox"}}}
	d := &fakeDispatcher{}

	m := newMail("Subject: x\r\n\r\nbody\r\n")
	if _, err := Evaluate(rules, m, "alice", config.Account{}, d); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("calls = %v, want 1 dispatch for matching account glob", d.calls)
	}

	m2 := newMail("Subject: x\r\n\r\nbody\r\n")
	d2 := &fakeDispatcher{}
	if _, err := Evaluate(rules, m2, "bob", config.Account{}, d2); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(d2.calls) != 0 {
		t.Fatalf("calls = %v, want 0 for non-matching account", d2.calls)
	}
}

// The expression evaluator never short-circuits: every expritem's
// predicate runs even once the accumulator result is already determined,
// because predicates have side effects on the regex submatch cache.
func TestExprNoShortCircuit(t *testing.T) {
	rules := []config.Rule{{
		Expr: []config.Expritem{
			{Op: "none", Function: "header", Args: []string{"subject", "nomatch-anywhere"}},
			{Op: "or", Function: "header", Args: []string{"subject", `(hello) (\w+)`}},
			{Op: "and", Function: "header", Args: []string{"subject", `(hello) (spam)`}},
		},
		Actions: []string{"inbox"},
	}}
	d := &fakeDispatcher{}
	m := newMail("Subject: hello spam\r\n\r\nbody\r\n")

	res, err := Evaluate(rules, m, "alice", config.Account{}, d)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected rule to match")
	}
	// The last expritem's capture groups are what remain cached, since it
	// ran last even though the second item alone would have decided the OR.
	if len(m.RML.Submatches) != 2 || m.RML.Submatches[1] != "spam" {
		t.Fatalf("submatches = %v, want the last predicate's captures", m.RML.Submatches)
	}
}

// Scenario 2: a match-all rule with Stop and no actions leaves the mail's
// initial decision untouched, because the implicit decision is only
// applied by the caller when Stopped is false.
func TestStopSkipsImplicitDecision(t *testing.T) {
	rules := []config.Rule{{All: true, Stop: true}}
	d := &fakeDispatcher{}
	m := newMail("Subject: x\r\n\r\nhundred bytes of padding to make this a realistic length, okay.\r\n")

	res, err := Evaluate(rules, m, "alice", config.Account{}, d)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Stopped {
		t.Fatal("expected Stopped")
	}
	if m.Decision != mailmsg.DecisionDrop {
		t.Fatalf("decision = %v, want initial DROP (implicit decision must not run)", m.Decision)
	}

	ApplyKeepAll(m, false, config.Account{})
	if m.Decision != mailmsg.DecisionDrop {
		t.Fatalf("decision = %v, want DROP (keep_all not requested)", m.Decision)
	}
}

func TestNestedRuleStopPropagates(t *testing.T) {
	rules := []config.Rule{
		{
			All: true,
			Rules: []config.Rule{
				{All: true, Stop: true, Actions: []string{"inner"}},
			},
		},
		{All: true, Actions: []string{"outer"}},
	}
	d := &fakeDispatcher{}
	m := newMail("Subject: x\r\n\r\nbody\r\n")

	res, err := Evaluate(rules, m, "alice", config.Account{}, d)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Stopped {
		t.Fatal("expected nested Stop to propagate to the outer walk")
	}
	if len(d.calls) != 1 || d.calls[0] != "inner" {
		t.Fatalf("calls = %v, want [inner] only (outer rule must not run)", d.calls)
	}
}

func TestTaggingInterpolatesValue(t *testing.T) {
	rules := []config.Rule{{All: true, Key: "seen", Value: "yes-%(Subject)"}}
	d := &fakeDispatcher{}
	m := newMail("Subject: hello\r\n\r\nbody\r\n")

	if _, err := Evaluate(rules, m, "alice", config.Account{}, d); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v, ok := m.Tags.Get("seen"); !ok || v != "yes-hello" {
		t.Fatalf("tag seen = %q, %v, want %q", v, ok, "yes-hello")
	}
}

func TestDispatchErrorWrapped(t *testing.T) {
	rules := []config.Rule{{All: true, Actions: []string{"inbox"}}}
	d := &fakeDispatcher{err: errBoom}
	m := newMail("Subject: x\r\n\r\nbody\r\n")

	_, err := Evaluate(rules, m, "alice", config.Account{}, d)
	if err == nil {
		t.Fatal("expected dispatch error to propagate")
	}
	if causeOf(err) != "delivery" {
		t.Fatalf("cause = %q, want delivery", causeOf(err))
	}
}

func TestMatchErrorWrapped(t *testing.T) {
	rules := []config.Rule{{Expr: []config.Expritem{{Function: "nonexistent"}}}}
	d := &fakeDispatcher{}
	m := newMail("Subject: x\r\n\r\nbody\r\n")

	_, err := Evaluate(rules, m, "alice", config.Account{}, d)
	if err == nil {
		t.Fatal("expected unknown predicate to abort the walk")
	}
	if causeOf(err) != "matching" {
		t.Fatalf("cause = %q, want matching", causeOf(err))
	}
}

var errBoom = errors.New("boom")

// causeOf mirrors orchestrator's mapping of rule.Evaluate's wrapped errors
// back to an account-fatal cause label, so tests can assert on it without
// importing orchestrator (which would be a cycle: orchestrator imports rule).
func causeOf(err error) string {
	if strings.HasPrefix(err.Error(), "delivery:") {
		return "delivery"
	}
	return "matching"
}
