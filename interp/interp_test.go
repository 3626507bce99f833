package interp

import (
	"testing"

	"github.com/nmarriott/mailfdm/mailmsg"
)

func TestExpand(t *testing.T) {
	m := mailmsg.New()
	m.SetBytes([]byte("Subject: hello\r\n\r\nbody"))
	m.Tags.Set("folder", "inbox")
	m.RML.Submatches = []string{"first", "second"}

	cases := []struct {
		tmpl string
		want string
	}{
		{"plain", "plain"},
		{"100%%", "100%"},
		{"folder: %{folder}", "folder: inbox"},
		{"missing: %{nope}", "missing: "},
		{"subject: %(subject)", "subject: hello"},
		{"refs: %1/%2", "refs: first/second"},
		{"refs: %3", "refs: "},
	}
	for _, c := range cases {
		got, err := Expand(c.tmpl, m)
		if err != nil {
			t.Fatalf("Expand(%q): %v", c.tmpl, err)
		}
		if got != c.want {
			t.Fatalf("Expand(%q) = %q, want %q", c.tmpl, got, c.want)
		}
	}
}

func TestExpandErrors(t *testing.T) {
	m := mailmsg.New()
	m.SetBytes([]byte("\r\n"))

	for _, tmpl := range []string{"bad%", "bad%{unterminated", "bad%(unterminated", "bad%x"} {
		if _, err := Expand(tmpl, m); err == nil {
			t.Fatalf("Expand(%q): expected error", tmpl)
		}
	}
}
