// Package match implements the predicate interface evaluated by rule
// expressions. Each predicate is a narrow, independently pluggable
// capability (fdm's struct match table of function pointers becomes a Go
// interface implemented by each predicate type), registered by name so
// config.Expritem.Function can select one at load time.
package match

import (
	"fmt"

	"github.com/nmarriott/mailfdm/mailmsg"
)

// Ctx is the per-message evaluation state a predicate sees: the mail and
// the account name (for diagnostics).
type Ctx struct {
	Mail    *mailmsg.Mail
	Account string
}

// Predicate evaluates one expritem. Match may return an error, which
// aborts the whole rule walk (spec.md's "matching" account-fatal cause).
type Predicate interface {
	Match(ctx *Ctx, args []string) (bool, error)
	Describe(args []string) string
}

var registry = map[string]Predicate{}

// Register adds a predicate under name, for use by config.Expritem.Function.
// Called from each predicate's init().
func Register(name string, p Predicate) {
	registry[name] = p
}

// Lookup returns the predicate registered under name.
func Lookup(name string) (Predicate, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown match predicate %q", name)
	}
	return p, nil
}
