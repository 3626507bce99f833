// Package config holds the on-disk configuration schema for a child
// worker: a single mailfdm.conf file parsed with sconf, describing the
// accounts to poll, the rule tree evaluated against their mail, and the
// actions rules can dispatch to.
package config

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/nmarriott/mailfdm/mlog"
)

// ImplicitDecision is the decision applied to a mail that falls off the end
// of the rule tree without matching a Stop rule.
type ImplicitDecision string

const (
	ImplicitNone ImplicitDecision = "none"
	ImplicitKeep ImplicitDecision = "keep"
	ImplicitDrop ImplicitDecision = "drop"
)

// Global holds settings that apply to every account, parsed from the top
// level of mailfdm.conf.
type Global struct {
	ChildUID         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nUser (name or numeric uid) the child re-execs itself as before polling any account. Must not be root."`
	DataDir          string            `sconf:"optional" sconf-doc:"Directory for per-account state. No fetch or deliver backend reads it: mbox files and the pop3 seen filter are located by their own Path and SeenPath parameters."`
	DefaultUser      string            `sconf:"optional" sconf-doc:"User (name or numeric uid) used to deliver a mail when no rule, action or account names one explicitly. Default: the user running the parent."`
	KeepAll          bool              `sconf:"optional" sconf-doc:"If true, every mail's decision is forced to KEEP after rule evaluation, overriding DROP. Mirrors fdm's -k/keep-all flag."`
	ImplicitDecision ImplicitDecision  `sconf:"optional" sconf-doc:"Decision applied to a mail that reaches the end of an account's rule tree without an explicit Stop: none, keep or drop. Default: keep."`
	DelBig           bool              `sconf:"optional" sconf-doc:"If true, delete (rather than leave on the backend) messages larger than the backend's configured size limit instead of treating them as account-fatal."`
	PurgeAfter       int               `sconf:"optional" sconf-doc:"Number of processed mails after which the fetch backend's purge operation is called, committing deletions. 0 disables periodic purging. Purge is not called separately at the end of a run."`
	NoReceived       bool              `sconf:"optional" sconf-doc:"If true, do not prepend a Received header to fetched mail."`
	Hostname         string            `sconf:"optional" sconf-doc:"Hostname used in the Received header. Default: the system hostname."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. orchestrator, rule, deliver, fetch, ipc)."`

	ChildUIDResolved   uint32 `sconf:"-" json:"-"`
	ChildGIDResolved   uint32 `sconf:"-" json:"-"`
	DefaultUIDResolved uint32 `sconf:"-" json:"-"`
	DefaultGIDResolved uint32 `sconf:"-" json:"-"`
}

// Account is one mailbox to poll, paired with the rules evaluated against
// everything it yields.
type Account struct {
	Disabled bool              `sconf:"optional" sconf-doc:"If true, this account is skipped entirely."`
	Backend  string            `sconf-doc:"Fetch backend name: maildir or pop3."`
	Params   map[string]string `sconf:"optional" sconf-doc:"Backend-specific parameters, e.g. Path for maildir, or Host/Port/User/Pass/TLS/MaxSize for pop3."`
	Keep     bool              `sconf:"optional" sconf-doc:"If true, fetched mail is left on the backend: after rule evaluation the decision is forced to KEEP, whatever a rule or the global ImplicitDecision chose."`
	FindUID  bool              `sconf:"optional" sconf-doc:"If true, resolve the delivery uid from the mail's envelope recipient instead of Users/DefaultUser."`
	Users    []string          `sconf:"optional" sconf-doc:"Users (name or numeric uid) to deliver matched mail as, used as a last resort when no rule or action names one."`
	Rules    []Rule            `sconf:"optional" sconf-doc:"Rule tree evaluated, in order, against every mail fetched for this account."`
}

// Expritem is one predicate application inside a Rule's boolean expression,
// evaluated left-to-right with the teacher's non-short-circuiting NONE/OR/AND
// operator chain (predicates can have side effects on the regex-match cache).
type Expritem struct {
	Op       string   `sconf:"optional" sconf-doc:"Operator joining this item to the running result: none (first item), or, and."`
	Invert   bool     `sconf:"optional" sconf-doc:"If true, negate this predicate's result before combining with Op."`
	Function string   `sconf-doc:"Predicate name: header, fromto, size, spamscore, attachment or script."`
	Args     []string `sconf:"optional" sconf-doc:"Positional arguments passed to the predicate."`
}

// Rule is one node of an account's rule tree.
type Rule struct {
	Accounts []string   `sconf:"optional" sconf-doc:"Glob patterns restricting which account names this rule applies to, when rules are shared via a common list. Empty matches the enclosing account."`
	All      bool       `sconf:"optional" sconf-doc:"If true, this rule always matches and Expr is ignored."`
	Expr     []Expritem `sconf:"optional" sconf-doc:"Boolean expression evaluated against the mail. Ignored if All is true."`
	Key      string     `sconf:"optional" sconf-doc:"Tag name to set when this rule matches, with Value interpolated against the mail's existing tags."`
	Value    string     `sconf:"optional" sconf-doc:"Template interpolated and stored under Key when this rule matches."`
	Actions  []string   `sconf:"optional" sconf-doc:"Action names to dispatch when this rule matches, each interpolated as a template against the mail's tags."`
	Rules    []Rule     `sconf:"optional" sconf-doc:"Nested rules evaluated, in order, only if this rule matches."`
	Stop     bool       `sconf:"optional" sconf-doc:"If true, stop evaluating further rules at this level (and above) once this rule matches."`
	FindUID  bool       `sconf:"optional" sconf-doc:"If true, resolve the delivery uid from the mail's envelope recipient for actions dispatched by this rule."`
	Users    []string   `sconf:"optional" sconf-doc:"Users (name or numeric uid) to deliver as, for actions dispatched by this rule, overriding the account's Users."`
}

// Action is a named delivery target rules can dispatch matched mail to.
type Action struct {
	Backend string            `sconf-doc:"Deliver backend name: maildir, mbox, pipe or script."`
	Params  map[string]string `sconf:"optional" sconf-doc:"Backend-specific parameters, e.g. Path for maildir/mbox, Command for pipe, Script for script."`
	FindUID bool              `sconf:"optional" sconf-doc:"If true, resolve the delivery uid from the mail's envelope recipient."`
	Users   []string          `sconf:"optional" sconf-doc:"Users (name or numeric uid) to deliver as, overriding the account's Users. A rule's FindUID or Users take precedence over these."`
}

// Static is the parsed form of mailfdm.conf.
type Static struct {
	Global   Global            `sconf-doc:"Settings applying to every account."`
	Accounts map[string]Account `sconf-doc:"Accounts to poll, keyed by name."`
	Actions  map[string]Action  `sconf-doc:"Named delivery actions, referenced by name from rules."`
}

// ResolveUsers fills in the *Resolved uid/gid fields of Global by looking up
// ChildUID and DefaultUser the way the teacher resolves its own User field
// in mox-/dir.go: numeric strings are uid/gid pairs equal to each other,
// anything else is looked up with os/user.
func (g *Global) ResolveUsers() error {
	uid, gid, err := lookupUser(g.ChildUID)
	if err != nil {
		return fmt.Errorf("resolving ChildUID %q: %w", g.ChildUID, err)
	}
	if uid == 0 {
		return fmt.Errorf("ChildUID %q resolves to root, refusing", g.ChildUID)
	}
	g.ChildUIDResolved, g.ChildGIDResolved = uid, gid

	if g.DefaultUser != "" {
		uid, gid, err := lookupUser(g.DefaultUser)
		if err != nil {
			return fmt.Errorf("resolving DefaultUser %q: %w", g.DefaultUser, err)
		}
		g.DefaultUIDResolved, g.DefaultGIDResolved = uid, gid
	}
	return nil
}

// LogLevels resolves LogLevel and PackageLogLevels into the map mlog.SetConfig
// expects, the same post-processing the teacher's mox-/config.go does for its
// own Log/PackageLogLevels fields.
func (g *Global) LogLevels() (map[string]mlog.Level, error) {
	def, ok := mlog.Levels[g.LogLevel]
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", g.LogLevel)
	}
	levels := map[string]mlog.Level{"": def}
	for pkg, s := range g.PackageLogLevels {
		lvl, ok := mlog.Levels[s]
		if !ok {
			return nil, fmt.Errorf("invalid log level %q for package %q", s, pkg)
		}
		levels[pkg] = lvl
	}
	return levels, nil
}

// ResolveUser looks up a Users/FindUID-style entry (name or numeric uid).
func ResolveUser(s string) (uid, gid uint32, err error) {
	return lookupUser(s)
}

func lookupUser(s string) (uid, gid uint32, err error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), uint32(n), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid %q for user %q: %w", u.Uid, s, err)
	}
	g, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid %q for user %q: %w", u.Gid, s, err)
	}
	return uint32(n), uint32(g), nil
}
