package deliver

import (
	"fmt"

	maildir "github.com/emersion/go-maildir"
)

// maildirBackend is registered purely so the in-child dispatcher can learn
// its Kind (write-back); the actual uid-privileged write happens in the
// privileged parent via WriteAsUID, grounded in emersion's go-maildir
// Delivery type.
type maildirBackend struct{}

func init() { Register("maildir", maildirBackend{}) }

func (maildirBackend) Kind() Kind { return TypeWriteBack }

func (maildirBackend) Deliver(ctx *DeliverCtx) error {
	return fmt.Errorf("maildir: write-back backend cannot run in-child")
}

// WriteAsUID delivers mail into the maildir at path, the way the
// privileged parent does on behalf of a child's WRITE-BACK action. The
// caller is responsible for having already become uid/gid.
func WriteAsUID(path string, body []byte) error {
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		return fmt.Errorf("maildir: creating %s: %w", path, err)
	}
	del, err := maildir.NewDelivery(path)
	if err != nil {
		return fmt.Errorf("maildir: starting delivery into %s: %w", path, err)
	}
	if _, err := del.Write(body); err != nil {
		_ = del.Abort()
		return fmt.Errorf("maildir: writing into %s: %w", path, err)
	}
	if err := del.Close(); err != nil {
		return fmt.Errorf("maildir: closing delivery into %s: %w", path, err)
	}
	return nil
}
