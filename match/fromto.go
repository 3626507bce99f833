package match

import (
	"fmt"
	"path/filepath"
	"strings"
)

// fromtoPred glob-matches an address header (From or To) with stdlib
// path/filepath.Match, the same way the teacher uses glob patterns for
// account-name gating in rule.accounts.
type fromtoPred struct{}

func init() { Register("fromto", fromtoPred{}) }

// Match expects args = [headerName, globPattern].
func (fromtoPred) Match(ctx *Ctx, args []string) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("fromto: expected 2 arguments, got %d", len(args))
	}
	name, pattern := args[0], args[1]

	val, ok := ctx.Mail.FindHeader(name, true)
	if !ok {
		return false, nil
	}
	ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(val))
	if err != nil {
		return false, fmt.Errorf("fromto: bad glob pattern %q: %w", pattern, err)
	}
	return ok, nil
}

func (fromtoPred) Describe(args []string) string {
	if len(args) != 2 {
		return "fromto(?)"
	}
	return fmt.Sprintf("fromto(%s) ~ %s", args[0], args[1])
}
