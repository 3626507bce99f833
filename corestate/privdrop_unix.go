//go:build unix

package corestate

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmarriott/mailfdm/mlog"
)

// We don't use just setuid because it is hard to guarantee that no other
// privileged goroutine has been started before we get here: init functions
// in imported packages can start goroutines of their own, and setuid only
// reliably drops privileges for the calling thread. So, the way the parent
// process drops privileges before ever binding a listener, the child
// re-execs itself under the target uid/gid instead of calling setuid in
// place.

// ChildEnv marks a process as the already-unprivileged reexec of itself, so
// ReexecUnprivileged does not loop.
const ChildEnv = "MAILFDM_CHILD_REEXEC"

// ReexecUnprivileged re-executes the current process under uid/gid if the
// effective uid is 0, passing extraFiles through as inherited file
// descriptors starting at fd 3. It returns without doing anything if the
// process is not running as root, or if it is itself already the reexec'd
// child (detected through ChildEnv).
//
// When a reexec happens, this function never returns to the caller: it
// waits for the child to exit and calls os.Exit with the child's exit code,
// forwarding SIGTERM/SIGINT to it in the meantime.
func ReexecUnprivileged(log *mlog.Log, uid, gid uint32, extraFiles []*os.File) {
	if os.Geteuid() != 0 {
		log.Debug("not root, not dropping privileges")
		return
	}
	if os.Getenv(ChildEnv) != "" {
		return
	}

	prog, err := os.Executable()
	if err != nil {
		log.Fatalx("finding executable for reexec", err)
	}

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	files = append(files, extraFiles...)

	env := append(os.Environ(), ChildEnv+"=1")
	p, err := os.StartProcess(prog, os.Args, &os.ProcAttr{
		Env:   env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uid,
				Gid: gid,
			},
		},
	})
	if err != nil {
		log.Fatalx("reexec as unprivileged user", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		p.Signal(sig)
	}()

	st, err := p.Wait()
	if err != nil {
		log.Fatalx("waiting for reexec'd child", err)
	}
	log.Debug("reexec'd child exited", mlog.Field("exitcode", st.ExitCode()))
	os.Exit(st.ExitCode())
}

// Dropto is used by callers certain no other privileged goroutine has
// started yet (tests, single-threaded tools invoked directly as root). The
// child orchestrator itself always goes through ReexecUnprivileged.
func Dropto(uid, gid uint32) error {
	if err := syscall.Setgroups(nil); err != nil {
		return fmt.Errorf("dropping supplementary groups: %w", err)
	}
	if err := syscall.Setgid(int(gid)); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := syscall.Setuid(int(uid)); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}
