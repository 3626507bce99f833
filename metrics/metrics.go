// Package metrics exports Prometheus counters and histograms for the child
// orchestrator, mirroring the way the teacher backs every rate/duration log
// line with a matching metric (see metrics/panic.go, metrics/auth.go in the
// retrieval pack).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mailsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailfdm_mails_processed_total",
		Help: "Number of mails fetched and processed, by account and decision (kept/dropped).",
	},
	[]string{"account", "decision"},
)

// MailProcessed records one mail reaching a final keep/drop decision for an
// account.
func MailProcessed(account, decision string) {
	mailsProcessed.WithLabelValues(account, decision).Inc()
}

var mailsDiscarded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailfdm_mails_discarded_total",
		Help: "Number of mails discarded before rule evaluation, by account and reason (empty/oversize).",
	},
	[]string{"account", "reason"},
)

// MailDiscarded records a mail that never reached rule evaluation.
func MailDiscarded(account, reason string) {
	mailsDiscarded.WithLabelValues(account, reason).Inc()
}

var actionsDispatched = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailfdm_actions_dispatched_total",
		Help: "Number of delivery actions dispatched, by account, action name and outcome.",
	},
	[]string{"account", "action", "outcome"},
)

// ActionDispatched records the outcome ("ok" or "error") of one do_action call.
func ActionDispatched(account, action, outcome string) {
	actionsDispatched.WithLabelValues(account, action, outcome).Inc()
}

var runDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mailfdm_account_run_seconds",
		Help:    "Wall-clock duration of one FETCH run for an account.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"account"},
)

// AccountRunDuration records the wall-clock time of one FETCH run, the Go
// equivalent of child.c's "%.3f seconds (average %.3f)" log line.
func AccountRunDuration(account string, seconds float64) {
	runDuration.WithLabelValues(account).Observe(seconds)
}

var purges = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailfdm_purges_total",
		Help: "Number of times the fetch backend's purge operation was called, by account.",
	},
	[]string{"account"},
)

// Purged records one purge() call completing successfully.
func Purged(account string) {
	purges.WithLabelValues(account).Inc()
}

var accountFatal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailfdm_account_fatal_total",
		Help: "Number of account-fatal aborts, by account and cause (fetching/matching/delivery/deleting/keeping/purging).",
	},
	[]string{"account", "cause"},
)

// AccountFatal records an account-fatal abort and its cause label.
func AccountFatal(account, cause string) {
	accountFatal.WithLabelValues(account, cause).Inc()
}
