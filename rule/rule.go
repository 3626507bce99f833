// Package rule walks an account's rule tree and evaluates its boolean
// expressions, grounded on do_rules/do_expr in fdm's child.c. It calls out
// to a Dispatcher (implemented by package deliver) for the delivery step,
// so this package never needs to know about action backends.
package rule

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/interp"
	"github.com/nmarriott/mailfdm/mailmsg"
	"github.com/nmarriott/mailfdm/match"
	"github.com/nmarriott/mailfdm/mlog"
)

var log = mlog.New("rule")

// Dispatcher resolves and runs one action-name template against a matched
// rule.
type Dispatcher interface {
	Dispatch(mail *mailmsg.Mail, accountName string, account config.Account, r config.Rule, actionTemplate string) error
}

// Result is the outcome of evaluating a rule list.
type Result struct {
	Matched bool
	Stopped bool
	Cause   string
}

// Evaluate walks rules against mail in order, per spec: account gate,
// predicate gate, tagging, delivery, nested rules, stop flag.
func Evaluate(rules []config.Rule, mail *mailmsg.Mail, accountName string, account config.Account, dispatch Dispatcher) (Result, error) {
	var res Result
	stopped, err := evaluate(rules, mail, accountName, account, dispatch, &res)
	res.Stopped = stopped
	return res, err
}

func evaluate(rules []config.Rule, mail *mailmsg.Mail, accountName string, account config.Account, dispatch Dispatcher, res *Result) (stopped bool, err error) {
	for _, r := range rules {
		if !accountGate(r, accountName) {
			continue
		}

		matched, err := predicateGate(r, mail, accountName)
		if err != nil {
			return false, fmt.Errorf("matching: %w", err)
		}
		if !matched {
			continue
		}
		res.Matched = true

		if r.Key != "" {
			if err := tag(r, mail); err != nil {
				// Interpolation failures leave the tag unset; not fatal.
				_ = err
			}
		}

		if len(r.Actions) > 0 {
			for _, tmpl := range r.Actions {
				if err := dispatch.Dispatch(mail, accountName, account, r, tmpl); err != nil {
					return false, fmt.Errorf("delivery: %w", err)
				}
			}
		}

		if len(r.Rules) > 0 {
			childStopped, err := evaluate(r.Rules, mail, accountName, account, dispatch, res)
			if err != nil {
				return false, err
			}
			if childStopped {
				return true, nil
			}
		}

		if r.Stop {
			return true, nil
		}
	}
	return false, nil
}

func accountGate(r config.Rule, accountName string) bool {
	if len(r.Accounts) == 0 {
		return true
	}
	for _, pat := range r.Accounts {
		if ok, _ := filepath.Match(strings.ToLower(pat), strings.ToLower(accountName)); ok {
			return true
		}
	}
	return false
}

func predicateGate(r config.Rule, mail *mailmsg.Mail, accountName string) (bool, error) {
	if r.All {
		return true, nil
	}
	mail.SetWrapped(' ')
	matched, err := evalExpr(r.Expr, mail, accountName)
	mail.SetWrapped('\n')
	return matched, err
}

// evalExpr evaluates an ordered expression against the accumulator rules
// in spec.md §4.3.1: left-to-right, no short-circuiting, because
// predicates have observable side effects on the regex-match cache.
func evalExpr(items []config.Expritem, mail *mailmsg.Mail, accountName string) (bool, error) {
	acc := false
	for i, item := range items {
		pred, err := match.Lookup(item.Function)
		if err != nil {
			return false, err
		}
		cres, err := pred.Match(&match.Ctx{Mail: mail, Account: accountName}, item.Args)
		if err != nil {
			return false, fmt.Errorf("expritem %d (%s): %w", i, item.Function, err)
		}
		if item.Invert {
			cres = !cres
		}
		switch strings.ToLower(item.Op) {
		case "and":
			acc = acc && cres
		default: // "", "none", "or" all combine as OR per spec.md's op table.
			acc = acc || cres
		}
	}
	return acc, nil
}

func tag(r config.Rule, mail *mailmsg.Mail) error {
	key, err := interp.Expand(r.Key, mail)
	if err != nil || key == "" {
		return err
	}
	value, err := interp.Expand(r.Value, mail)
	if err != nil {
		return err
	}
	mail.Tags.Set(key, value)
	return nil
}

// ApplyImplicitDecision sets mail.Decision per the configured
// implicit-decision policy, if the rule walk reached the end of the tree
// without an explicit Stop (spec.md scenario 2: if Stopped is true, the
// caller must not call this at all, leaving the mail's initial decision
// untouched).
func ApplyImplicitDecision(mail *mailmsg.Mail, decision config.ImplicitDecision) {
	switch decision {
	case config.ImplicitKeep:
		mail.Decision = mailmsg.DecisionKeep
	case config.ImplicitDrop:
		mail.Decision = mailmsg.DecisionDrop
	default:
		log.Info("no implicit decision configured, defaulting to keep")
		mail.Decision = mailmsg.DecisionKeep
	}
}

// ApplyKeepAll forces KEEP when keep-all is requested globally or for the
// account, overriding any decision made above.
func ApplyKeepAll(mail *mailmsg.Mail, globalKeepAll bool, account config.Account) {
	if globalKeepAll || account.Keep {
		mail.Decision = mailmsg.DecisionKeep
	}
}
