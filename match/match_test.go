package match

import (
	"testing"

	"github.com/nmarriott/mailfdm/mailmsg"
)

func newCtx(raw string) *Ctx {
	m := mailmsg.New()
	m.SetBytes([]byte(raw))
	return &Ctx{Mail: m, Account: "test"}
}

func TestHeaderPredicate(t *testing.T) {
	ctx := newCtx("Subject: hello spam world\r\n\r\nbody")
	p, err := Lookup("header")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	ok, err := p.Match(ctx, []string{"subject", `(spam) (\w+)`})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}
	if len(ctx.Mail.RML.Submatches) != 2 || ctx.Mail.RML.Submatches[0] != "spam" {
		t.Fatalf("submatches not cached: %v", ctx.Mail.RML.Submatches)
	}
}

func TestFromtoPredicate(t *testing.T) {
	ctx := newCtx("From: Alice <alice@example.com>\r\n\r\nbody")
	p, _ := Lookup("fromto")
	ok, err := p.Match(ctx, []string{"from", "*@example.com*"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatalf("expected glob match")
	}
}

func TestSizePredicate(t *testing.T) {
	ctx := newCtx("Subject: x\r\n\r\nbody")
	p, _ := Lookup("size")
	ok, err := p.Match(ctx, []string{">=", "5"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatalf("expected size match")
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("nonexistent"); err == nil {
		t.Fatalf("expected error for unknown predicate")
	}
}
