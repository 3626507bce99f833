package deliver

import (
	"fmt"
	"os"
	"time"
)

// mboxBackend appends mail to a single mbox file, in-child, grounded in
// fdm's own mbox deliver backend: a synthesized "From " envelope line
// followed by the message and a trailing blank line. No locking: each
// child runs single-threaded against one account, so an mbox file is
// only ever appended to by one writer at a time.
type mboxBackend struct{}

func init() { Register("mbox", mboxBackend{}) }

func (mboxBackend) Kind() Kind { return TypeInChild }

func (mboxBackend) Deliver(ctx *DeliverCtx) error {
	path := ctx.Params["Path"]
	if path == "" {
		return fmt.Errorf("mbox: Path parameter required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("mbox: opening %s: %w", path, err)
	}
	defer f.Close()

	envelope := fmt.Sprintf("From mailfdm %s\n", time.Now().UTC().Format(time.ANSIC))
	if _, err := f.WriteString(envelope); err != nil {
		return fmt.Errorf("mbox: writing envelope to %s: %w", path, err)
	}
	if _, err := f.Write(ctx.Mail.Bytes); err != nil {
		return fmt.Errorf("mbox: writing body to %s: %w", path, err)
	}
	if len(ctx.Mail.Bytes) == 0 || ctx.Mail.Bytes[len(ctx.Mail.Bytes)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return fmt.Errorf("mbox: writing trailing newline to %s: %w", path, err)
		}
	}
	if _, err := f.WriteString("\n"); err != nil {
		return fmt.Errorf("mbox: writing separator to %s: %w", path, err)
	}
	return nil
}
