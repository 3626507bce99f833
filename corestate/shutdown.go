package corestate

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Shutdown is canceled the moment a termination signal arrives. The child
// orchestrator checks it between mails (and ipc round-trips check it
// indirectly, since those block on I/O rather than polling) to decide
// whether to abandon the current mail and run cleanup instead of asking the
// backend for another one.
var Shutdown context.Context
var shutdownCancel context.CancelFunc

func init() {
	Shutdown, shutdownCancel = context.WithCancel(context.Background())
}

// InstallSignals ignores SIGINT, which belongs to the foreground parent
// process group, not to this child, and arranges for SIGTERM to cancel
// Shutdown and invoke cleanup: a termination signal runs a cleanup pass
// that purges any partial temporary state (e.g. a half-written maildir tmp
// file) and exits non-zero, rather than running the normal finish/EXIT
// handshake.
//
// cleanup is called at most once, from a dedicated goroutine, and must not
// block indefinitely: the process is exiting right after it returns.
func InstallSignals(cleanup func()) {
	signal.Ignore(os.Interrupt)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM)
	go func() {
		<-sigc
		shutdownCancel()
		if cleanup != nil {
			cleanup()
		}
		os.Exit(1)
	}()
}
