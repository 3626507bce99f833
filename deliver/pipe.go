package deliver

import (
	"bytes"
	"fmt"
	"os/exec"
)

// pipeBackend runs a shell command in-child, feeding the mail to its
// stdin, the Go analogue of fdm's pipe action.
type pipeBackend struct{}

func init() { Register("pipe", pipeBackend{}) }

func (pipeBackend) Kind() Kind { return TypeInChild }

func (pipeBackend) Deliver(ctx *DeliverCtx) error {
	command := ctx.Params["Command"]
	if command == "" {
		return fmt.Errorf("pipe: Command parameter required")
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = bytes.NewReader(ctx.Mail.Bytes)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pipe: running %q: %w: %s", command, err, stderr.String())
	}
	return nil
}
