package ipc

import (
	"fmt"
	"strconv"
)

// ActionMsg requests one delivery, child→parent.
type ActionMsg struct {
	Account   string
	Action    string
	UID       uint32
	MailSize  int
	MailBody  int
	Tags      []byte
	MailBytes []byte
}

// WriteAction sends an ACTION frame.
func (c *Conn) WriteAction(m ActionMsg) error {
	fields := []string{
		escape(m.Account),
		escape(m.Action),
		strconv.FormatUint(uint64(m.UID), 10),
		strconv.Itoa(m.MailSize),
		strconv.Itoa(m.MailBody),
	}
	return c.writeFrame(KindAction, fields, [][]byte{m.Tags, m.MailBytes})
}

// DecodeAction decodes an ACTION frame's fields and payloads, as returned
// by ReadKind.
func DecodeAction(fields []string, payloads [][]byte) (ActionMsg, error) {
	if len(fields) != 5 || len(payloads) != 2 {
		return ActionMsg{}, fmt.Errorf("malformed ACTION frame")
	}
	account, err := unescape(fields[0])
	if err != nil {
		return ActionMsg{}, fmt.Errorf("decoding account: %w", err)
	}
	action, err := unescape(fields[1])
	if err != nil {
		return ActionMsg{}, fmt.Errorf("decoding action: %w", err)
	}
	uid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return ActionMsg{}, fmt.Errorf("decoding uid: %w", err)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return ActionMsg{}, fmt.Errorf("decoding size: %w", err)
	}
	body, err := strconv.Atoi(fields[4])
	if err != nil {
		return ActionMsg{}, fmt.Errorf("decoding body: %w", err)
	}
	return ActionMsg{
		Account:   account,
		Action:    action,
		UID:       uint32(uid),
		MailSize:  size,
		MailBody:  body,
		Tags:      payloads[0],
		MailBytes: payloads[1],
	}, nil
}

// ReadAction reads the next frame, which must be an ACTION frame.
func (c *Conn) ReadAction() (ActionMsg, error) {
	kind, fields, payloads, err := c.readFrame()
	if err != nil {
		return ActionMsg{}, err
	}
	if kind != KindAction {
		return ActionMsg{}, fmt.Errorf("expected ACTION frame, got %s", kind)
	}
	return DecodeAction(fields, payloads)
}

// DoneMsg replies to an ACTION, parent→child. WriteBack distinguishes a
// delivery that rewrote the mail (replacement bytes present) from one
// that must echo MailSize/MailBody unchanged.
type DoneMsg struct {
	Error     bool
	WriteBack bool
	MailSize  int
	MailBody  int
	Tags      []byte
	MailBytes []byte
}

// WriteDone sends a DONE frame.
func (c *Conn) WriteDone(m DoneMsg) error {
	fields := []string{
		boolField(m.Error),
		boolField(m.WriteBack),
		strconv.Itoa(m.MailSize),
		strconv.Itoa(m.MailBody),
	}
	payloads := [][]byte{m.Tags}
	if m.WriteBack {
		payloads = append(payloads, m.MailBytes)
	}
	return c.writeFrame(KindDone, fields, payloads)
}

// DecodeDone decodes a DONE frame's fields and payloads, as returned by
// ReadKind.
func DecodeDone(fields []string, payloads [][]byte) (DoneMsg, error) {
	if len(fields) != 4 {
		return DoneMsg{}, fmt.Errorf("malformed DONE frame")
	}
	writeBack := fields[1] == "1"
	wantPayloads := 1
	if writeBack {
		wantPayloads = 2
	}
	if len(payloads) != wantPayloads {
		return DoneMsg{}, fmt.Errorf("malformed DONE frame: expected %d payloads, got %d", wantPayloads, len(payloads))
	}
	if len(payloads[0]) == 0 {
		return DoneMsg{}, fmt.Errorf("protocol violation: DONE with empty tag map")
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return DoneMsg{}, fmt.Errorf("decoding size: %w", err)
	}
	body, err := strconv.Atoi(fields[3])
	if err != nil {
		return DoneMsg{}, fmt.Errorf("decoding body: %w", err)
	}
	d := DoneMsg{
		Error:     fields[0] == "1",
		WriteBack: writeBack,
		MailSize:  size,
		MailBody:  body,
		Tags:      payloads[0],
	}
	if writeBack {
		d.MailBytes = payloads[1]
	}
	return d, nil
}

// ReadDone reads the next frame, which must be a DONE frame.
func (c *Conn) ReadDone() (DoneMsg, error) {
	kind, fields, payloads, err := c.readFrame()
	if err != nil {
		return DoneMsg{}, err
	}
	if kind != KindDone {
		return DoneMsg{}, fmt.Errorf("expected DONE frame, got %s", kind)
	}
	return DecodeDone(fields, payloads)
}

// ExitMsg signals completion, sent by the child and echoed by the parent
// before the child tears down the channel.
type ExitMsg struct {
	Status int
}

// WriteExit sends an EXIT frame.
func (c *Conn) WriteExit(m ExitMsg) error {
	return c.writeFrame(KindExit, []string{strconv.Itoa(m.Status)}, nil)
}

// DecodeExit decodes an EXIT frame's fields, as returned by ReadKind.
func DecodeExit(fields []string) (ExitMsg, error) {
	if len(fields) != 1 {
		return ExitMsg{}, fmt.Errorf("malformed EXIT frame")
	}
	status, err := strconv.Atoi(fields[0])
	if err != nil {
		return ExitMsg{}, fmt.Errorf("decoding status: %w", err)
	}
	return ExitMsg{Status: status}, nil
}

// ReadExit reads the next frame, which must be an EXIT frame.
func (c *Conn) ReadExit() (ExitMsg, error) {
	kind, fields, _, err := c.readFrame()
	if err != nil {
		return ExitMsg{}, err
	}
	if kind != KindExit {
		return ExitMsg{}, fmt.Errorf("expected EXIT frame, got %s", kind)
	}
	return DecodeExit(fields)
}

// ReadKind reads the next frame and returns its kind with the raw fields
// and payloads, for a side that must dispatch between multiple message
// types (the parent reads either ACTION or EXIT from the child). Decode
// the result with DecodeAction/DecodeDone/DecodeExit as appropriate.
func (c *Conn) ReadKind() (Kind, []string, [][]byte, error) {
	return c.readFrame()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
