package maildirfetch

import (
	"os"
	"path/filepath"
	"testing"

	maildir "github.com/emersion/go-maildir"

	"github.com/nmarriott/mailfdm/fetch"
	"github.com/nmarriott/mailfdm/mailmsg"
)

func TestFetchDoneDrop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Maildir")
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	del, err := maildir.NewDelivery(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := del.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := del.Close(); err != nil {
		t.Fatal(err)
	}

	b := &Backend{dir: d}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	n, err := b.Poll()
	if err != nil || n != 1 {
		t.Fatalf("Poll() = %d, %v, want 1, nil", n, err)
	}

	raw, status, err := b.Fetch()
	if err != nil || status != fetch.StatusSuccess {
		t.Fatalf("Fetch() status=%v err=%v", status, err)
	}
	if string(raw) != "Subject: hi\r\n\r\nbody\r\n" {
		t.Fatalf("Fetch() = %q", raw)
	}

	if _, status, err := b.Fetch(); err != nil || status != fetch.StatusComplete {
		t.Fatalf("second Fetch() status=%v err=%v, want StatusComplete", status, err)
	}

	if err := b.Done(mailmsg.DecisionDrop); err != nil {
		t.Fatal(err)
	}
	keys, err := d.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("after Done(DROP), cur/ has %d keys, want 0", len(keys))
	}
}

func TestFetchDoneKeep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Maildir")
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	del, err := maildir.NewDelivery(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := del.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := del.Close(); err != nil {
		t.Fatal(err)
	}

	b := &Backend{dir: d}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Fetch(); err != nil {
		t.Fatal(err)
	}
	if err := b.Done(mailmsg.DecisionKeep); err != nil {
		t.Fatal(err)
	}
	keys, err := d.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("after Done(KEEP), cur/ has %d keys, want 1", len(keys))
	}
	if err := b.Finish(false); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
