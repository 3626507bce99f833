// Package orchestrator is the per-account processing loop: probe which
// fetch ops a backend supports, drive POLL or FETCH to completion,
// running each fetched mail through the rule evaluator and action
// dispatcher in between, and perform the shutdown handshake with the
// privileged parent. Grounded on do_poll_account/do_fetch_account/
// fetch_got in fdm's child.c.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/fetch"
	"github.com/nmarriott/mailfdm/ipc"
	"github.com/nmarriott/mailfdm/mailmsg"
	"github.com/nmarriott/mailfdm/metrics"
	"github.com/nmarriott/mailfdm/mlog"
	"github.com/nmarriott/mailfdm/rule"
)

var log = mlog.New("orchestrator")

// Op selects which fetch capability this run drives.
type Op int

const (
	OpFetch Op = iota
	OpPoll
)

func (o Op) String() string {
	if o == OpPoll {
		return "poll"
	}
	return "fetch"
}

// Runner is one account's run: the fetch backend, the rule tree matched
// against its mail, the action dispatcher, and the IPC channel used to
// report completion to the privileged parent.
type Runner struct {
	Account    string
	AccountCfg config.Account
	Global     config.Global
	Backend    any // probed for fetch.Starter/Poller/Fetcher/Doner/Purger/Finisher.
	Rules      []config.Rule
	Dispatch   rule.Dispatcher
	Conn       *ipc.Conn

	// FQDN and Progname/Build name the child in the Received header
	// inserted into every fetched mail, unless Global.NoReceived.
	FQDN     string
	Progname string
	Build    string
}

// Counts tallies one run's outcome for logging/metrics.
type Counts struct {
	Fetched int
	Kept    int
	Dropped int
}

// Run drives op to completion and returns the process exit status: 0 on
// clean completion, 1 if any phase reported failure. It always runs
// Finish (if the backend has one) and the EXIT handshake with the parent,
// regardless of how the loop ended.
func (r *Runner) Run(ctx context.Context, op Op) int {
	start := time.Now()
	var cause string
	failed := false
	var counts Counts

	switch op {
	case OpPoll:
		if _, ok := r.Backend.(fetch.Poller); !ok {
			log.Info("poll unsupported by backend, exiting cleanly", mlog.Field("account", r.Account))
			break
		}
		if !r.start(&cause, &failed) {
			break
		}
		r.poll(&cause, &failed)
	case OpFetch:
		if _, ok := r.Backend.(fetch.Fetcher); !ok {
			log.Error("fetch unsupported by backend", mlog.Field("account", r.Account))
			cause, failed = "fetching", true
			break
		}
		if !r.start(&cause, &failed) {
			break
		}
		counts, cause, failed = r.runFetch(ctx)
	}

	if finisher, ok := r.Backend.(fetch.Finisher); ok {
		if err := finisher.Finish(failed); err != nil {
			log.Errorx("finish", err, mlog.Field("account", r.Account))
			failed = true
			if cause == "" {
				cause = "finishing"
			}
		}
	}

	status := 0
	if failed {
		status = 1
	}
	if err := r.Conn.WriteExit(ipc.ExitMsg{Status: status}); err != nil {
		log.Fatalx("sending EXIT", err)
	}
	if _, err := r.Conn.ReadExit(); err != nil {
		log.Fatalx("waiting for EXIT acknowledgement", err)
	}

	elapsed := time.Since(start).Seconds()
	metrics.AccountRunDuration(r.Account, elapsed)
	if failed {
		metrics.AccountFatal(r.Account, cause)
		log.Error("account run failed", mlog.Field("account", r.Account), mlog.Field("op", op.String()),
			mlog.Field("cause", cause), mlog.Field("seconds", elapsed))
		return 1
	}
	log.Info("account run complete", mlog.Field("account", r.Account), mlog.Field("op", op.String()),
		mlog.Field("fetched", counts.Fetched), mlog.Field("kept", counts.Kept), mlog.Field("dropped", counts.Dropped),
		mlog.Field("seconds", elapsed))
	return 0
}

// start calls the backend's Start, if it has one, recording failure and
// cause on error. Returns false if the caller should not proceed to
// POLL/FETCH.
func (r *Runner) start(cause *string, failed *bool) bool {
	starter, ok := r.Backend.(fetch.Starter)
	if !ok {
		return true
	}
	if err := starter.Start(); err != nil {
		log.Errorx("starting fetch backend", err, mlog.Field("account", r.Account))
		*cause, *failed = "fetching", true
		return false
	}
	return true
}

func (r *Runner) poll(cause *string, failed *bool) {
	poller := r.Backend.(fetch.Poller)
	n, err := poller.Poll()
	if err != nil {
		log.Errorx("polling", err, mlog.Field("account", r.Account))
		*cause, *failed = "fetching", true
		return
	}
	log.Info("poll complete", mlog.Field("account", r.Account), mlog.Field("count", n))
}

// runFetch is the FETCH loop of spec.md §4.4: fetch, classify, process,
// done, periodic purge, destroy, repeat until COMPLETE or an
// account-fatal error.
func (r *Runner) runFetch(ctx context.Context) (Counts, string, bool) {
	fetcher := r.Backend.(fetch.Fetcher)
	doner, hasDone := r.Backend.(fetch.Doner)
	purger, hasPurge := r.Backend.(fetch.Purger)

	var counts Counts
	sincePurge := 0

	for {
		select {
		case <-ctx.Done():
			return counts, "shutdown", true
		default:
		}

		m := mailmsg.New()

		raw, status, err := fetcher.Fetch()
		switch status {
		case fetch.StatusError:
			log.Errorx("fetching", err, mlog.Field("account", r.Account))
			m.Destroy()
			return counts, "fetching", true

		case fetch.StatusComplete:
			m.Destroy()
			return counts, "", false

		case fetch.StatusOversize:
			if !r.Global.DelBig {
				log.Error("oversize message, del_big not set", mlog.Field("account", r.Account))
				m.Destroy()
				return counts, "fetching", true
			}
			metrics.MailDiscarded(r.Account, "oversize")
			m.Decision = mailmsg.DecisionDrop
			if hasDone {
				if err := doner.Done(m.Decision); err != nil {
					log.Errorx("deleting oversize message", err, mlog.Field("account", r.Account))
					m.Destroy()
					return counts, "deleting", true
				}
				counts.Fetched++
				counts.Dropped++
			}
			m.Destroy()
			continue
		}

		m.SetBytes(raw)
		m.TrimFrom()
		if m.Size == 0 {
			log.Info("empty message after trim, discarding", mlog.Field("account", r.Account))
			metrics.MailDiscarded(r.Account, "empty")
			m.Destroy()
			continue
		}

		if cause, err := r.fetchGot(m); err != nil {
			log.Errorx("processing message", err, mlog.Field("account", r.Account), mlog.Field("cause", cause))
			m.Destroy()
			return counts, cause, true
		}

		counts.Fetched++
		if m.Decision == mailmsg.DecisionKeep {
			counts.Kept++
		} else {
			counts.Dropped++
		}
		metrics.MailProcessed(r.Account, m.Decision.String())

		if hasDone {
			label := "keeping"
			if m.Decision == mailmsg.DecisionDrop {
				label = "deleting"
			}
			if err := doner.Done(m.Decision); err != nil {
				log.Errorx(label, err, mlog.Field("account", r.Account))
				m.Destroy()
				return counts, label, true
			}
		}

		if r.Global.PurgeAfter > 0 && hasPurge {
			sincePurge++
			if sincePurge >= r.Global.PurgeAfter {
				if err := purger.Purge(); err != nil {
					log.Errorx("purging", err, mlog.Field("account", r.Account))
					m.Destroy()
					return counts, "purging", true
				}
				metrics.Purged(r.Account)
				sincePurge = 0
			}
		}

		m.Destroy()
	}
}

// fetchGot is the per-mail orchestration of spec.md §4.4.1: tag
// message_id, insert Received, build the wrapped-line map, run the rule
// program, apply the implicit decision (only if the walk did not stop
// explicitly) and the keep-all override.
func (r *Runner) fetchGot(m *mailmsg.Mail) (string, error) {
	if mid, ok := m.FindHeader("Message-Id", true); ok && mid != "" {
		m.Tags.Set("message_id", mid)
	}

	if !r.Global.NoReceived {
		if err := r.insertReceived(m); err != nil {
			log.Infox("constructing received header", err, mlog.Field("account", r.Account))
		}
	}

	m.FillWrapped()

	res, err := rule.Evaluate(r.Rules, m, r.Account, r.AccountCfg, r.Dispatch)
	if err != nil {
		return causeOf(err), err
	}
	if !res.Stopped {
		rule.ApplyImplicitDecision(m, r.Global.ImplicitDecision)
	}
	rule.ApplyKeepAll(m, r.Global.KeepAll, r.AccountCfg)
	return "", nil
}

// insertReceived prepends a Received header identifying this child and
// account, per spec.md §4.4.1 step 2. User-controlled fields are
// truncated to 450 bytes each so the combined line stays under
// mailmsg.MaxHeaderLine.
func (r *Runner) insertReceived(m *mailmsg.Mail) error {
	host := r.FQDN
	if host == "" {
		host = "localhost"
	}
	host = truncate(host, 450)
	account := truncate(r.Account, 450)
	line := fmt.Sprintf("Received: by %s (%s %s, account %q);\n\t%s",
		host, r.Progname, r.Build, account, time.Now().Format(time.RFC1123Z))
	return m.InsertHeader(line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// causeOf maps a wrapped error from rule.Evaluate back to the account-
// fatal cause label it originated from (rule.evaluate prefixes errors
// with "matching: " or "delivery: ").
func causeOf(err error) string {
	s := err.Error()
	switch {
	case strings.HasPrefix(s, "delivery:"):
		return "delivery"
	default:
		return "matching"
	}
}
