// Package privparent is a reference/test-only implementation of the
// privileged parent's side of the wire protocol (spec.md §6). It is not
// a production daemon: it performs just enough real uid-privileged work
// (writing into a maildir, inserting an audit record) to exercise package
// ipc and package deliver end to end in tests and in the "localrun" CLI
// subcommand, without reimplementing chroot, real setuid, or mailbox
// quota accounting.
package privparent

import (
	"fmt"
	"time"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/deliver"
	"github.com/nmarriott/mailfdm/ipc"
	"github.com/nmarriott/mailfdm/mlog"
)

// Server answers one child's ACTION requests until it sees EXIT.
type Server struct {
	Actions map[string]config.Action
	Conn    *ipc.Conn
	Log     *mlog.Log
}

// Serve handles frames from the child until EXIT, acknowledging it
// before returning. Any unexpected frame kind or malformed frame is
// protocol-fatal, matching the child's own treatment of IPC errors: this
// reference parent simply returns the error rather than continuing.
func (s *Server) Serve() error {
	for {
		kind, fields, payloads, err := s.Conn.ReadKind()
		if err != nil {
			return fmt.Errorf("privparent: reading frame: %w", err)
		}
		switch kind {
		case ipc.KindAction:
			msg, err := ipc.DecodeAction(fields, payloads)
			if err != nil {
				return fmt.Errorf("privparent: decoding ACTION: %w", err)
			}
			reply := s.handleAction(msg)
			if err := s.Conn.WriteDone(reply); err != nil {
				return fmt.Errorf("privparent: writing DONE: %w", err)
			}
		case ipc.KindExit:
			exit, err := ipc.DecodeExit(fields)
			if err != nil {
				return fmt.Errorf("privparent: decoding EXIT: %w", err)
			}
			s.Log.Debug("child exited", mlog.Field("status", exit.Status))
			return s.Conn.WriteExit(ipc.ExitMsg{Status: 0})
		default:
			return fmt.Errorf("privparent: unexpected frame kind %s", kind)
		}
	}
}

// handleAction performs the privileged side of one delivery and builds
// the DONE reply. It never returns an error itself: failures are
// reported through DoneMsg.Error so the round trip always completes, per
// spec.md's contract that a DONE reply's tag blob is mandatory even on
// failure.
func (s *Server) handleAction(msg ipc.ActionMsg) ipc.DoneMsg {
	reply := ipc.DoneMsg{Tags: msg.Tags, MailSize: msg.MailSize, MailBody: msg.MailBody}

	act, ok := s.Actions[msg.Action]
	if !ok {
		s.Log.Error("unknown action requested by child", mlog.Field("action", msg.Action))
		reply.Error = true
		return reply
	}

	backend, err := deliver.Lookup(act.Backend)
	if err != nil {
		s.Log.Errorx("resolving action backend", err, mlog.Field("action", msg.Action))
		reply.Error = true
		return reply
	}

	switch backend.Kind() {
	case deliver.TypeWriteBack:
		newBytes, newBody, err := s.writeBack(act, msg)
		if err != nil {
			s.Log.Errorx("write-back delivery", err, mlog.Field("action", msg.Action), mlog.Field("uid", msg.UID))
			reply.Error = true
			return reply
		}
		reply.WriteBack = true
		reply.MailBytes = newBytes
		reply.MailSize = len(newBytes)
		reply.MailBody = newBody
	case deliver.TypeStateful:
		if err := s.audit(act, msg); err != nil {
			s.Log.Errorx("stateful delivery", err, mlog.Field("action", msg.Action), mlog.Field("uid", msg.UID))
			reply.Error = true
		}
	default:
		s.Log.Error("in-child action dispatched over IPC", mlog.Field("action", msg.Action))
		reply.Error = true
	}
	return reply
}

// writeBack delivers into a maildir, prepending an X-Delivered-To header
// that records which uid the privileged parent delivered as — the
// scenario 4 "delivery rewrites the message" write-back exercised by
// TestWriteBackRoundtrip in this package's tests.
func (s *Server) writeBack(act config.Action, msg ipc.ActionMsg) (newBytes []byte, newBody int, err error) {
	path := act.Params["Path"]
	if path == "" {
		return nil, 0, fmt.Errorf("action missing Path parameter")
	}
	header := fmt.Sprintf("X-Delivered-To: uid %d\n", msg.UID)
	newBytes = append([]byte(header), msg.MailBytes...)
	newBody = msg.MailBody
	if newBody >= 0 {
		newBody += len(header)
	}
	if err := deliver.WriteAsUID(path, newBytes); err != nil {
		return nil, 0, err
	}
	return newBytes, newBody, nil
}

func (s *Server) audit(act config.Action, msg ipc.ActionMsg) error {
	path := act.Params["Path"]
	if path == "" {
		return fmt.Errorf("action missing Path parameter")
	}
	rec := deliver.AuditRecord{
		Time:    time.Now(),
		Account: msg.Account,
		Action:  msg.Action,
		UID:     msg.UID,
		Size:    msg.MailSize,
	}
	return deliver.RecordAsUID(path, rec)
}
