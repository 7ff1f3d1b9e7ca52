// Command p2psync is the peer CLI: group management against the tracker and the
// background refresh of the local mirror.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/client"
	"github.com/and161185/p2psync/internal/config"
	"github.com/and161185/p2psync/internal/filetree"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `p2psync peer CLI
Usage:
  p2psync [-config dir] [-timeout d] [-v] <cmd> [args]

Commands:
  version
  whoami
  groups
  create      -group <name> -rw <token> -ro <token>
  join        -group <name> -token <token>
  restore     -group <name>
  role        -group <name> -action CHANGE_MASTER|ADD_MASTER|MAKE_IT_RW|MAKE_IT_RO -peer <id>
  peers       -group <name> [-all]
  files       -group <name> [-local]
  leave       -group <name>
  disconnect  -group <name>
  exit
  add         -group <name> -path <tree path> -file <local file>
  update      -group <name> -path <tree path> -file <local file>
  rm          -group <name> -path <tree path>
  run                                           (refresh until interrupted)
`

// errUsage makes run exit with status 2.
var errUsage = errors.New("usage")

// app carries what every subcommand needs.
type app struct {
	cfg     *config.Peer
	log     *zap.Logger
	timeout time.Duration
	out     io.Writer
	errOut  io.Writer
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Getenv, os.Stdin, os.Stdout, os.Stderr))
}

// run dispatches one subcommand and returns the process exit status.
func run(ctx context.Context, args []string, getenv config.Getenv, in io.Reader, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("p2psync", flag.ContinueOnError)
	fs.SetOutput(errOut)
	cfgDir := fs.String("config", config.Dir(getenv), "configuration directory")
	timeout := fs.Duration("timeout", 30*time.Second, "tracker request timeout")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() { fmt.Fprint(errOut, usageText) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(out, "p2psync %s (%s)\n", version, buildDate)
		return 0
	}

	zcfg := zap.NewDevelopmentConfig()
	zcfg.OutputPaths = []string{"stderr"}
	if !*verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.EnsurePeer(*cfgDir, in, errOut)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	a := &app{cfg: cfg, log: logger, timeout: *timeout, out: out, errOut: errOut}

	h, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(errOut, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err := h(ctx, a, rest); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

// session opens a tracker connection. The returned func says BYE.
func (a *app) session(ctx context.Context) (*client.Client, func(), error) {
	c, err := client.Dial(ctx, a.cfg.TrackerAddr, a.cfg.PeerID, client.WithTimeout(a.timeout))
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		bctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		_ = c.Bye(bctx)
	}, nil
}

func (a *app) loadTree() (*filetree.Tree, error) {
	return filetree.Load(a.cfg.TreeFile)
}

func (a *app) saveTree(t *filetree.Tree) error {
	return t.Save(a.cfg.TreeFile)
}

func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// interrupted derives a context cancelled on SIGINT/SIGTERM.
func interrupted(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
