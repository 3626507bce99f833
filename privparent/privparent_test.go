package privparent

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/deliver"
	"github.com/nmarriott/mailfdm/ipc"
	"github.com/nmarriott/mailfdm/mailmsg"
	"github.com/nmarriott/mailfdm/mlog"
)

var testlog = mlog.New("privparent")

func TestWriteBackRoundtrip(t *testing.T) {
	dir := t.TempDir()
	maildirPath := filepath.Join(dir, "Maildir")

	actions := map[string]config.Action{
		"inbox": {Backend: "maildir", Params: map[string]string{"Path": maildirPath}},
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := ipc.New(client, testlog)
	sc := ipc.New(server, testlog)

	srv := &Server{Actions: actions, Conn: sc, Log: testlog}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	d := &deliver.Dispatch{Actions: actions, Conn: cc, DefaultUID: 1000}

	m := mailmsg.New()
	m.SetBytes([]byte("Subject: hi\r\n\r\nbody\r\n"))
	m.FillWrapped()

	if err := d.Dispatch(m, "alice", config.Account{}, config.Rule{}, "inbox"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	const want = "X-Delivered-To:"
	if len(m.Bytes) < len(want) || string(m.Bytes[:len(want)]) != want {
		t.Fatalf("mail was not rewritten with X-Delivered-To, got %q", m.Bytes)
	}
	if m.Body <= 0 {
		t.Fatalf("Body not advanced after write-back, got %d", m.Body)
	}

	if err := cc.WriteExit(ipc.ExitMsg{Status: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.ReadExit(); err != nil {
		t.Fatalf("reading EXIT ack: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	keys, err := readMaildirKeys(maildirPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("maildir has %d messages, want 1", len(keys))
	}
}

func TestStatefulRoundtrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")

	actions := map[string]config.Action{
		"track": {Backend: "audit", Params: map[string]string{"Path": dbPath}},
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := ipc.New(client, testlog)
	sc := ipc.New(server, testlog)

	srv := &Server{Actions: actions, Conn: sc, Log: testlog}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	d := &deliver.Dispatch{Actions: actions, Conn: cc, DefaultUID: 1000}

	m := mailmsg.New()
	m.SetBytes([]byte("Subject: hi\r\n\r\nbody\r\n"))
	m.FillWrapped()
	preSize, preBody := m.Size, m.Body

	if err := d.Dispatch(m, "alice", config.Account{}, config.Rule{}, "track"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if m.Size != preSize || m.Body != preBody {
		t.Fatalf("stateful action changed size/body: got %d/%d, want %d/%d", m.Size, m.Body, preSize, preBody)
	}

	if err := cc.WriteExit(ipc.ExitMsg{Status: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.ReadExit(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	recs, err := deliver.QueryAccount(dbPath, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("audit records for alice = %d, want 1", len(recs))
	}
	if recs[0].Action != "track" || recs[0].UID != 1000 {
		t.Fatalf("audit record = %+v, want action=track uid=1000", recs[0])
	}
}

func readMaildirKeys(path string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(path, "new"))
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Name())
	}
	return keys, nil
}
