package deliver

import (
	"fmt"
	"net/mail"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/interp"
	"github.com/nmarriott/mailfdm/ipc"
	"github.com/nmarriott/mailfdm/mailmsg"
	"github.com/nmarriott/mailfdm/metrics"
	"github.com/nmarriott/mailfdm/mlog"
)

var log = mlog.New("deliver")

// Dispatch resolves action-name templates to configured actions and runs
// each to completion, implementing rule.Dispatcher without importing
// package rule (the interface is structural). It is grounded on
// do_action/match_actions in fdm's child.c.
type Dispatch struct {
	Actions    map[string]config.Action
	Conn       *ipc.Conn
	DefaultUID uint32
}

type namedAction struct {
	name string
	cfg  config.Action
}

// Dispatch interpolates actionTemplate against mail's tags/headers,
// resolves it to one or more configured actions, and runs do_action for
// each in order.
func (d *Dispatch) Dispatch(mail *mailmsg.Mail, accountName string, account config.Account, r config.Rule, actionTemplate string) error {
	name, err := interp.Expand(actionTemplate, mail)
	if err != nil {
		return fmt.Errorf("interpolating action name %q: %w", actionTemplate, err)
	}

	actions, err := d.matchActions(name)
	if err != nil {
		return err
	}
	for _, act := range actions {
		if err := d.doAction(mail, accountName, account, r, act); err != nil {
			metrics.ActionDispatched(accountName, act.name, "error")
			return err
		}
		metrics.ActionDispatched(accountName, act.name, "ok")
	}
	return nil
}

// matchActions resolves name to one or more configured actions: an exact
// key match first, falling back to glob matching against configured
// action names so one interpolated template can fan out to several
// actions. An empty result is a name-mismatch error, per spec.
func (d *Dispatch) matchActions(name string) ([]namedAction, error) {
	if act, ok := d.Actions[name]; ok {
		return []namedAction{{name, act}}, nil
	}
	var matches []namedAction
	for aname, act := range d.Actions {
		if ok, _ := filepath.Match(name, aname); ok {
			matches = append(matches, namedAction{aname, act})
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no action matches %q", name)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].name < matches[j].name })
	return matches, nil
}

// doAction runs one resolved action to completion: tag, resolve kind,
// run in-child directly or round-trip through the privileged parent once
// per resolved delivery user.
func (d *Dispatch) doAction(m *mailmsg.Mail, accountName string, account config.Account, r config.Rule, act namedAction) error {
	m.Tags.Set("action", act.name)

	backend, err := Lookup(act.cfg.Backend)
	if err != nil {
		return fmt.Errorf("action %q: %w", act.name, err)
	}

	if backend.Kind() == TypeInChild {
		return backend.Deliver(&DeliverCtx{Account: accountName, Mail: m, Params: act.cfg.Params})
	}

	uids, err := resolveUsers(m, account, r, act.cfg, d.DefaultUID)
	if err != nil {
		return fmt.Errorf("action %q: resolving delivery users: %w", act.name, err)
	}

	for _, uid := range uids {
		if err := d.deliverRemote(m, accountName, act, backend.Kind(), uid); err != nil {
			return fmt.Errorf("action %q: %w", act.name, err)
		}
	}
	return nil
}

// deliverRemote runs one ACTION/DONE round-trip against the privileged
// parent for a single uid, then applies the reply per spec §4.5 steps
// 4-8: mail is always transmitted in its wrapped view.
func (d *Dispatch) deliverRemote(m *mailmsg.Mail, accountName string, act namedAction, kind Kind, uid uint32) error {
	m.SetWrapped('\n')

	tagsBlob, err := m.Tags.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}
	preSize, preBody := m.Size, m.Body

	req := ipc.ActionMsg{
		Account:   accountName,
		Action:    act.name,
		UID:       uid,
		MailSize:  m.Size,
		MailBody:  m.Body,
		Tags:      tagsBlob,
		MailBytes: m.Bytes,
	}
	if err := d.Conn.WriteAction(req); err != nil {
		log.Fatalx("ipc: sending ACTION", err)
	}
	reply, err := d.Conn.ReadDone()
	if err != nil {
		log.Fatalx("ipc: reading DONE", err)
	}

	newTags, err := mailmsg.UnmarshalTagMap(reply.Tags)
	if err != nil {
		log.Fatalx("ipc: malformed tag map in DONE", err)
	}
	m.Tags = newTags

	if reply.Error {
		return fmt.Errorf("uid %d: delivery failed", uid)
	}

	if kind == TypeWriteBack {
		if !reply.WriteBack {
			log.Fatalx("protocol violation: write-back action replied without replacement mail", nil)
		}
		m.Receive(reply.MailBytes, reply.MailBody)
		m.TrimFrom()
		m.FillWrapped()
		return nil
	}

	if reply.WriteBack || reply.MailSize != preSize || reply.MailBody != preBody {
		log.Fatalx("protocol violation: non write-back action echoed different size/body", nil,
			mlog.Field("presize", preSize), mlog.Field("prebody", preBody),
			mlog.Field("replysize", reply.MailSize), mlog.Field("replybody", reply.MailBody))
	}
	return nil
}

// resolveUsers picks the delivery user list by the precedence chain in
// spec §4.5 step 3: rule.find_uid, rule.users, action.find_uid,
// action.users, account.find_uid, account.users, default uid.
func resolveUsers(m *mailmsg.Mail, account config.Account, r config.Rule, act config.Action, defaultUID uint32) ([]uint32, error) {
	switch {
	case r.FindUID:
		return deriveUIDs(m)
	case len(r.Users) > 0:
		return resolveNamed(r.Users)
	case act.FindUID:
		return deriveUIDs(m)
	case len(act.Users) > 0:
		return resolveNamed(act.Users)
	case account.FindUID:
		return deriveUIDs(m)
	case len(account.Users) > 0:
		return resolveNamed(account.Users)
	default:
		return []uint32{defaultUID}, nil
	}
}

func resolveNamed(users []string) ([]uint32, error) {
	uids := make([]uint32, 0, len(users))
	for _, u := range users {
		uid, _, err := config.ResolveUser(u)
		if err != nil {
			return nil, fmt.Errorf("resolving user %q: %w", u, err)
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// deriveUIDs resolves the delivery user from the mail's envelope
// recipient: the local part of the first address in To, looked up as a
// system user.
func deriveUIDs(m *mailmsg.Mail) ([]uint32, error) {
	to, ok := m.FindHeader("To", true)
	if !ok {
		return nil, fmt.Errorf("find_uid requested but mail has no To header")
	}
	addrs, err := mail.ParseAddressList(to)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("parsing To header %q: %w", to, err)
	}
	local, _, ok := strings.Cut(addrs[0].Address, "@")
	if !ok || local == "" {
		return nil, fmt.Errorf("no local part in address %q", addrs[0].Address)
	}
	uid, _, err := config.ResolveUser(local)
	if err != nil {
		return nil, fmt.Errorf("resolving user %q: %w", local, err)
	}
	return []uint32{uid}, nil
}
