package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/client"
	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/filetree"
	"github.com/and161185/p2psync/internal/protocol"
	"github.com/and161185/p2psync/internal/syncer"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"whoami":     cmdWhoami,
	"groups":     cmdGroups,
	"create":     cmdCreate,
	"join":       cmdJoin,
	"restore":    groupCmd("restore", (*client.Client).Restore, "group restored"),
	"role":       cmdRole,
	"peers":      cmdPeers,
	"files":      cmdFiles,
	"leave":      cmdLeave,
	"disconnect": groupCmd("disconnect", (*client.Client).Disconnect, "group disconnected"),
	"exit":       cmdExit,
	"add":        cmdAdd,
	"update":     cmdUpdate,
	"rm":         cmdRemove,
	"run":        cmdRun,
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

func required(a *app, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			fmt.Fprintf(a.errOut, "-%s is required\n", pairs[i])
			return errUsage
		}
	}
	return nil
}

// tracked runs fn inside a tracker session bounded by the request timeout.
func (a *app) tracked(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	c, bye, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer bye()
	return fn(ctx, c)
}

func cmdWhoami(_ context.Context, a *app, _ []string) error {
	a.printJSON(map[string]string{"peerID": a.cfg.PeerID, "tracker": a.cfg.TrackerAddr})
	return nil
}

func cmdGroups(ctx context.Context, a *app, _ []string) error {
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		groups, err := c.Groups(ctx)
		if err != nil {
			return err
		}
		a.printJSON(groups)
		return nil
	})
}

func cmdCreate(ctx context.Context, a *app, args []string) error {
	fs := a.flags("create")
	group := fs.String("group", "", "group name")
	rw := fs.String("rw", "", "read-write token")
	ro := fs.String("ro", "", "read-only token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group, "rw", *rw, "ro", *ro); err != nil {
		return err
	}
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		if err := c.Create(ctx, *group, *rw, *ro); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "group %s created\n", *group)
		return nil
	})
}

func cmdJoin(ctx context.Context, a *app, args []string) error {
	fs := a.flags("join")
	group := fs.String("group", "", "group name")
	token := fs.String("token", "", "access token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group, "token", *token); err != nil {
		return err
	}
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		role, err := c.Join(ctx, *group, *token)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "joined %s as %s\n", *group, role)
		return nil
	})
}

// groupCmd builds a subcommand that takes only -group.
func groupCmd(name string, call func(*client.Client, context.Context, string) error, done string) command {
	return func(ctx context.Context, a *app, args []string) error {
		fs := a.flags(name)
		group := fs.String("group", "", "group name")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := required(a, "group", *group); err != nil {
			return err
		}
		return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
			if err := call(c, ctx, *group); err != nil {
				return err
			}
			fmt.Fprintln(a.out, done)
			return nil
		})
	}
}

func cmdRole(ctx context.Context, a *app, args []string) error {
	fs := a.flags("role")
	group := fs.String("group", "", "group name")
	action := fs.String("action", "", "CHANGE_MASTER, ADD_MASTER, MAKE_IT_RW or MAKE_IT_RO")
	peer := fs.String("peer", "", "target peer id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group, "action", *action, "peer", *peer); err != nil {
		return err
	}
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		if err := c.Role(ctx, *group, *action, *peer); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "role changed")
		return nil
	})
}

func cmdPeers(ctx context.Context, a *app, args []string) error {
	fs := a.flags("peers")
	group := fs.String("group", "", "group name")
	all := fs.Bool("all", false, "include inactive members")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group); err != nil {
		return err
	}
	sel := protocol.PeersActive
	if *all {
		sel = protocol.PeersAll
	}
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		peers, err := c.Peers(ctx, *group, sel)
		if err != nil {
			return err
		}
		a.printJSON(peers)
		return nil
	})
}

func cmdFiles(ctx context.Context, a *app, args []string) error {
	fs := a.flags("files")
	group := fs.String("group", "", "group name")
	local := fs.Bool("local", false, "list the local mirror instead of the tracker catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group); err != nil {
		return err
	}
	if *local {
		t, err := a.loadTree()
		if err != nil {
			return err
		}
		files, err := t.Files(*group)
		if err != nil {
			return err
		}
		a.printJSON(files)
		return nil
	}
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		files, err := c.GetFiles(ctx, *group)
		if err != nil {
			return err
		}
		a.printJSON(files)
		return nil
	})
}

func cmdLeave(ctx context.Context, a *app, args []string) error {
	fs := a.flags("leave")
	group := fs.String("group", "", "group name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group); err != nil {
		return err
	}
	if err := a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		return c.Leave(ctx, *group)
	}); err != nil {
		return err
	}
	t, err := a.loadTree()
	if err != nil {
		return err
	}
	if err := t.RemoveGroup(*group); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if err := a.saveTree(t); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "group left")
	return nil
}

func cmdExit(ctx context.Context, a *app, _ []string) error {
	return a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		if err := c.Exit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "disconnected from every group")
		return nil
	})
}

// local runs fn with a syncer over the saved tree and saves the tree afterwards,
// including after a failed publish.
func (a *app) local(ctx context.Context, group string, fn func(context.Context, *syncer.Syncer, *filetree.Tree) error) error {
	t, err := a.loadTree()
	if err != nil {
		return err
	}
	if !t.HasGroup(group) {
		if err := t.AddGroup(group); err != nil {
			return err
		}
	}
	runErr := a.tracked(ctx, func(ctx context.Context, c *client.Client) error {
		s := syncer.New(c, t, syncer.DirTransfer{Root: a.cfg.DataDir}, syncer.WithLogger(a.log))
		return fn(ctx, s, t)
	})
	if err := a.saveTree(t); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func fileFlags(a *app, name string, args []string) (group, path, file string, err error) {
	fs := a.flags(name)
	g := fs.String("group", "", "group name")
	p := fs.String("path", "", "path inside the group")
	f := fs.String("file", "", "local file")
	if err := fs.Parse(args); err != nil {
		return "", "", "", err
	}
	if err := required(a, "group", *g, "file", *f); err != nil {
		return "", "", "", err
	}
	if *p == "" {
		*p = filepath.Base(*f)
	}
	return *g, filepath.ToSlash(*p), *f, nil
}

func cmdAdd(ctx context.Context, a *app, args []string) error {
	group, path, file, err := fileFlags(a, "add", args)
	if err != nil {
		return err
	}
	st, err := os.Stat(file)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	return a.local(ctx, group, func(ctx context.Context, s *syncer.Syncer, _ *filetree.Tree) error {
		if err := s.AddFile(ctx, group, path, abs, st.Size(), st.ModTime().Unix()); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s added to %s\n", path, group)
		return nil
	})
}

func cmdUpdate(ctx context.Context, a *app, args []string) error {
	group, path, file, err := fileFlags(a, "update", args)
	if err != nil {
		return err
	}
	st, err := os.Stat(file)
	if err != nil {
		return err
	}
	return a.local(ctx, group, func(ctx context.Context, s *syncer.Syncer, _ *filetree.Tree) error {
		if err := s.UpdateFile(ctx, group, path, st.Size(), st.ModTime().Unix()); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s updated in %s\n", path, group)
		return nil
	})
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	fs := a.flags("rm")
	group := fs.String("group", "", "group name")
	path := fs.String("path", "", "path inside the group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(a, "group", *group, "path", *path); err != nil {
		return err
	}
	return a.local(ctx, *group, func(ctx context.Context, s *syncer.Syncer, _ *filetree.Tree) error {
		if err := s.RemoveFile(ctx, *group, *path); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s removed from %s\n", *path, *group)
		return nil
	})
}

func cmdRun(ctx context.Context, a *app, args []string) error {
	fs := a.flags("run")
	once := fs.Bool("once", false, "run a single refresh and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, err := a.loadTree()
	if err != nil {
		return err
	}

	ctx, stop := interrupted(ctx)
	defer stop()
	c, bye, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer bye()

	hctx, cancel := a.withTimeout(ctx)
	publicIP, err := c.Here(hctx, a.cfg.ListenIP, a.cfg.ListenPort)
	cancel()
	if err != nil {
		return fmt.Errorf("register address: %w", err)
	}
	a.log.Info("registered", zap.String("peer", a.cfg.PeerID), zap.String("publicIP", publicIP))

	s := syncer.New(c, t, syncer.DirTransfer{Root: a.cfg.DataDir},
		syncer.WithLogger(a.log),
		syncer.WithInterval(a.cfg.SyncInterval),
	)
	var runErr error
	if *once {
		runErr = s.Cycle(ctx)
	} else {
		runErr = s.Run(ctx)
	}
	if err := a.saveTree(t); err != nil {
		return errors.Join(runErr, fmt.Errorf("save tree: %w", err))
	}
	return runErr
}
