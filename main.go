// Command mailfdm is the privilege-separated mail fetcher/deliverer
// child worker. It is always invoked by a privileged parent process (out
// of scope for this repository, see SPEC_FULL.md §10) which owns
// mailfdm.conf, forks one child per account, and passes it a connected
// socket on fd 3 to speak the wire protocol package ipc implements.
//
// The "localrun" subcommand runs a child against a real account without
// a parent, backed by this repository's own reference privparent.Server
// instead, for local testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/nmarriott/mailfdm/config"
	"github.com/nmarriott/mailfdm/corestate"
	"github.com/nmarriott/mailfdm/deliver"
	"github.com/nmarriott/mailfdm/fetch"
	_ "github.com/nmarriott/mailfdm/fetch/maildirfetch"
	_ "github.com/nmarriott/mailfdm/fetch/pop3fetch"
	"github.com/nmarriott/mailfdm/ipc"
	"github.com/nmarriott/mailfdm/mlog"
	"github.com/nmarriott/mailfdm/orchestrator"
	"github.com/nmarriott/mailfdm/privparent"
)

var xlog = mlog.New("main")

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "child":
		cmdChild(os.Args[2:])
	case "localrun":
		cmdLocalrun(os.Args[2:])
	case "describeconfig":
		cmdDescribeconfig(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mailfdm command ...

commands:
	child configfile account (fetch|poll)
		run as the privilege-separated child for one account,
		speaking the wire protocol over the socket inherited on fd 3
	localrun configfile account (fetch|poll)
		like child, but backed by an in-process reference parent
		instead of an inherited fd, for local testing
	describeconfig
		print an annotated example mailfdm.conf to stdout
`)
	os.Exit(2)
}

func parseOp(s string) orchestrator.Op {
	switch s {
	case "fetch":
		return orchestrator.OpFetch
	case "poll":
		return orchestrator.OpPoll
	default:
		xlog.Fatal("op must be fetch or poll", mlog.Field("op", s))
		panic("unreachable")
	}
}

func cmdDescribeconfig(args []string) {
	fs := flag.NewFlagSet("describeconfig", flag.ExitOnError)
	fs.Parse(args)
	if err := config.Describe(&config.Static{}); err != nil {
		xlog.Fatalx("describing config", err)
	}
}

// loadRunner parses configfile, resolves account, constructs its fetch
// backend and action dispatcher, and builds an orchestrator.Runner wired
// against conn as the IPC channel to the privileged parent.
func loadRunner(configfile, account string, conn *ipc.Conn) *orchestrator.Runner {
	st, err := config.Parse(configfile)
	if err != nil {
		xlog.Fatalx("loading config", err)
	}
	acc, ok := st.Accounts[account]
	if !ok {
		xlog.Fatal("unknown account", mlog.Field("account", account))
	}
	if acc.Disabled {
		xlog.Fatal("account is disabled", mlog.Field("account", account))
	}

	backend, err := fetch.New(acc.Backend, acc.Params)
	if err != nil {
		xlog.Fatalx("constructing fetch backend", err, mlog.Field("account", account))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	if st.Global.Hostname != "" {
		hostname = st.Global.Hostname
	}

	defaultUID := st.Global.DefaultUIDResolved

	return &orchestrator.Runner{
		Account:    account,
		AccountCfg: acc,
		Global:     st.Global,
		Backend:    backend,
		Rules:      acc.Rules,
		Dispatch: &deliver.Dispatch{
			Actions:    st.Actions,
			Conn:       conn,
			DefaultUID: defaultUID,
		},
		Conn:     conn,
		FQDN:     hostname,
		Progname: "mailfdm",
		Build:    buildVersion,
	}
}

// buildVersion is overridden at link time with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func cmdChild(args []string) {
	fs := flag.NewFlagSet("child", flag.ExitOnError)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 3 {
		usage()
	}
	configfile, account, op := rest[0], rest[1], parseOp(rest[2])

	st, err := config.Parse(configfile)
	if err != nil {
		xlog.Fatalx("loading config", err)
	}
	levels, err := st.Global.LogLevels()
	if err != nil {
		xlog.Fatalx("resolving log levels", err)
	}
	mlog.SetConfig(levels)

	sock := os.NewFile(3, "ipc")
	if sock == nil {
		xlog.Fatal("fd 3 is not a valid socket, must be run by a privileged parent")
	}
	// If we're still root, re-exec as the configured ChildUID's uid/gid,
	// carrying the inherited ipc socket through to fd 3 again. This
	// returns without re-executing if we're not root or are already the
	// reexec'd child.
	corestate.ReexecUnprivileged(xlog, st.Global.ChildUIDResolved, st.Global.ChildGIDResolved, []*os.File{sock})

	conn, err := net.FileConn(sock)
	if err != nil {
		xlog.Fatalx("wrapping inherited socket", err)
	}
	defer conn.Close()

	r := loadRunner(configfile, account, ipc.New(conn, xlog.WithRunID(corestate.Cid())))

	var cleaned bool
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
	}
	corestate.InstallSignals(cleanup)

	status := r.Run(corestate.Shutdown, op)
	os.Exit(status)
}

// cmdLocalrun runs a child against a real account, backed by an
// in-process privparent.Server over net.Pipe instead of an inherited fd,
// so the full fetch/rule/dispatch/IPC pipeline can be exercised without a
// privileged parent process.
func cmdLocalrun(args []string) {
	fs := flag.NewFlagSet("localrun", flag.ExitOnError)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 3 {
		usage()
	}
	configfile, account, op := rest[0], rest[1], parseOp(rest[2])

	st, err := config.Parse(configfile)
	if err != nil {
		xlog.Fatalx("loading config", err)
	}
	levels, err := st.Global.LogLevels()
	if err != nil {
		xlog.Fatalx("resolving log levels", err)
	}
	mlog.SetConfig(levels)

	childSide, parentSide := net.Pipe()
	defer childSide.Close()
	defer parentSide.Close()

	parentLog := mlog.New("privparent")
	srv := &privparent.Server{Actions: st.Actions, Conn: ipc.New(parentSide, parentLog), Log: parentLog}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	r := loadRunner(configfile, account, ipc.New(childSide, xlog.WithRunID(corestate.Cid())))
	status := r.Run(context.Background(), op)

	if err := <-done; err != nil {
		xlog.Errorx("reference parent exited with error", err)
	}
	os.Exit(status)
}
