package match

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/teamwork/spamc"
)

// spamscorePred asks a spamd daemon for a spam score and compares it
// against a threshold, grounded in the CrawX-go-imap-assassin spamc
// wiring (spamc.New(host, dialer), then a synchronous check call per
// message).
type spamscorePred struct{}

func init() { Register("spamscore", spamscorePred{}) }

const spamcTimeout = 20 * time.Second

// Match expects args = [spamdAddress, thresholdScore].
func (spamscorePred) Match(ctx *Ctx, args []string) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("spamscore: expected 2 arguments, got %d", len(args))
	}
	addr := args[0]
	threshold, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return false, fmt.Errorf("spamscore: bad threshold %q: %w", args[1], err)
	}

	client := spamc.New(addr, &net.Dialer{Timeout: spamcTimeout})
	rctx, cancel := context.WithTimeout(context.Background(), spamcTimeout)
	defer cancel()

	out, err := client.Check(rctx, bytes.NewReader(ctx.Mail.Bytes), nil)
	if err != nil {
		return false, fmt.Errorf("spamscore: querying %s: %w", addr, err)
	}
	return out.Score >= threshold, nil
}

func (spamscorePred) Describe(args []string) string {
	if len(args) != 2 {
		return "spamscore(?)"
	}
	return fmt.Sprintf("spamscore(%s) >= %s", args[0], args[1])
}
