package match

import (
	"bytes"
	"fmt"

	"github.com/jhillyerd/enmime/v2"
)

// attachmentPred reports whether the mail has at least one MIME
// attachment, grounded in inbucket's use of enmime for MIME-aware mail
// inspection.
type attachmentPred struct{}

func init() { Register("attachment", attachmentPred{}) }

// Match takes no arguments.
func (attachmentPred) Match(ctx *Ctx, args []string) (bool, error) {
	if len(args) != 0 {
		return false, fmt.Errorf("attachment: expected 0 arguments, got %d", len(args))
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(ctx.Mail.Bytes))
	if err != nil {
		return false, fmt.Errorf("attachment: parsing MIME envelope: %w", err)
	}
	return len(env.Attachments) > 0, nil
}

func (attachmentPred) Describe(args []string) string {
	return "attachment"
}
