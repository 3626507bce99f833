package match

import (
	"fmt"
	"strconv"
)

// sizePred compares the mail's byte size against a threshold.
type sizePred struct{}

func init() { Register("size", sizePred{}) }

// Match expects args = [operator, bytes], operator one of <, <=, >, >=, ==.
func (sizePred) Match(ctx *Ctx, args []string) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("size: expected 2 arguments, got %d", len(args))
	}
	op := args[0]
	threshold, err := strconv.Atoi(args[1])
	if err != nil {
		return false, fmt.Errorf("size: bad threshold %q: %w", args[1], err)
	}
	sz := ctx.Mail.Size
	switch op {
	case "<":
		return sz < threshold, nil
	case "<=":
		return sz <= threshold, nil
	case ">":
		return sz > threshold, nil
	case ">=":
		return sz >= threshold, nil
	case "==":
		return sz == threshold, nil
	default:
		return false, fmt.Errorf("size: unknown operator %q", op)
	}
}

func (sizePred) Describe(args []string) string {
	if len(args) != 2 {
		return "size(?)"
	}
	return fmt.Sprintf("size %s %s", args[0], args[1])
}
