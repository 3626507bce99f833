package ipc

import (
	"net"
	"testing"

	"github.com/nmarriott/mailfdm/mlog"
)

var testlog = mlog.New("ipc")

func TestActionRoundtrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, testlog)
	sc := New(server, testlog)

	want := ActionMsg{
		Account:   "alice",
		Action:    "inbox rule",
		UID:       1000,
		MailSize:  42,
		MailBody:  10,
		Tags:      []byte(`[{"key":"message_id","value":"abc"}]`),
		MailBytes: []byte("From: a\r\n\r\nhi"),
	}

	done := make(chan error, 1)
	go func() { done <- cc.WriteAction(want) }()

	got, err := sc.ReadAction()
	if err != nil {
		t.Fatalf("ReadAction: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteAction: %v", err)
	}

	if got.Account != want.Account || got.Action != want.Action || got.UID != want.UID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if string(got.Tags) != string(want.Tags) || string(got.MailBytes) != string(want.MailBytes) {
		t.Fatalf("payload mismatch: got %+v", got)
	}
}

func TestDoneWriteBack(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, testlog)
	sc := New(server, testlog)

	want := DoneMsg{
		WriteBack: true,
		MailSize:  50,
		MailBody:  12,
		Tags:      []byte(`[]`),
		MailBytes: []byte("rewritten mail"),
	}

	done := make(chan error, 1)
	go func() { done <- cc.WriteDone(want) }()

	got, err := sc.ReadDone()
	if err != nil {
		t.Fatalf("ReadDone: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteDone: %v", err)
	}
	if !got.WriteBack || got.MailSize != 50 || string(got.MailBytes) != "rewritten mail" {
		t.Fatalf("got %+v", got)
	}
}

func TestDoneEmptyTagsIsProtocolViolation(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, testlog)
	sc := New(server, testlog)

	go cc.WriteDone(DoneMsg{Tags: nil})

	if _, err := sc.ReadDone(); err == nil {
		t.Fatalf("expected protocol violation error for empty tag map")
	}
}

func TestReadKindDispatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, testlog)
	sc := New(server, testlog)

	go cc.WriteExit(ExitMsg{Status: 1})

	kind, fields, _, err := sc.ReadKind()
	if err != nil {
		t.Fatalf("ReadKind: %v", err)
	}
	if kind != KindExit {
		t.Fatalf("got kind %s, want EXIT", kind)
	}
	exit, err := DecodeExit(fields)
	if err != nil {
		t.Fatalf("DecodeExit: %v", err)
	}
	if exit.Status != 1 {
		t.Fatalf("got status %d, want 1", exit.Status)
	}
}

func TestUnexpectedKindIsError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, testlog)
	sc := New(server, testlog)

	go cc.WriteExit(ExitMsg{Status: 0})

	if _, err := sc.ReadAction(); err == nil {
		t.Fatalf("expected error reading ACTION frame that is actually EXIT")
	}
}
