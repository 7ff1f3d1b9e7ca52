package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/limiter"
	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/store"
	"github.com/and161185/p2psync/internal/wire"
)

// ROLE sub-actions.
const (
	RoleChangeMaster = "CHANGE_MASTER"
	RoleAddMaster    = "ADD_MASTER"
	RoleMakeRW       = "MAKE_IT_RW"
	RoleMakeRO       = "MAKE_IT_RO"
)

// PEERS selectors.
const (
	PeersActive = "ACTIVE"
	PeersAll    = "ALL"
)

// args splits simple space-delimited arguments and enforces their count.
func args(req Request, n int) ([]string, error) {
	f := strings.Fields(req.Args)
	if len(f) != n {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", errs.ErrInvalidRequest, req.Action, n, len(f))
	}
	return f, nil
}

// payloadArgs splits "<group> <payload>" where payload may contain spaces.
func payloadArgs(req Request) (string, string, error) {
	name, payload, ok := strings.Cut(req.Args, " ")
	if !ok || name == "" || strings.TrimSpace(payload) == "" {
		return "", "", fmt.Errorf("%w: %s expects a group and a payload", errs.ErrInvalidRequest, req.Action)
	}
	return name, payload, nil
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (e *Engine) here(ctx context.Context, req Request) (string, error) {
	a, err := args(req, 2)
	if err != nil {
		return "", err
	}
	addr := model.Address{PrivateIP: a[0], PrivatePort: a[1], PublicIP: req.PublicIP}
	if err := e.peers.Put(ctx, req.PeerID, addr); err != nil {
		return "", fmt.Errorf("register peer: %w", err)
	}
	return req.PublicIP, nil
}

func (e *Engine) infoCmd(_ context.Context, _ Request) (string, error) {
	return wire.Encode(e.info)
}

func (e *Engine) groups(_ context.Context, req Request) (string, error) {
	out := make(map[string]model.GroupInfo)
	for _, g := range e.store.Groups() {
		info := g.PublicInfo()
		info.Status = model.StatusOther
		if m, ok := g.Member(req.PeerID); ok {
			info.Role = m.Role
			info.Status = model.StatusRestorable
			if m.Active {
				info.Status = model.StatusActive
			}
		}
		out[g.Name] = info
	}
	return wire.Encode(out)
}

func (e *Engine) create(_ context.Context, req Request) (string, error) {
	a, err := args(req, 3)
	if err != nil {
		return "", err
	}
	name := a[0]
	g, err := e.store.Create(name, a[1], a[2])
	if err != nil {
		return "", fail(err, "IMPOSSIBLE TO CREATE GROUP %s", name)
	}
	g.AddPeer(req.PeerID, true, model.RoleMaster)
	return fmt.Sprintf("GROUP %s SUCCESSFULLY CREATED", name), nil
}

// join takes the store lock itself so limiter round trips never hold it.
func (e *Engine) join(ctx context.Context, req Request) (string, error) {
	a, err := args(req, 2)
	if err != nil {
		return "", err
	}
	name, token := a[0], a[1]
	if err := e.store.View(func() error {
		_, err := e.store.Group(name)
		return err
	}); err != nil {
		return "", fail(err, "IMPOSSIBLE TO JOIN GROUP %s", name)
	}

	ipHash := limiter.HashIP(req.PublicIP)
	if e.joins != nil {
		ok, retry, err := e.joins.Allow(ctx, name, ipHash)
		if err != nil {
			return "", fmt.Errorf("join limiter: %w", err)
		}
		if !ok {
			e.log.Info("join throttled", zap.String("group", name), zap.Duration("retry", retry))
			return "", fail(errs.ErrTooManyAttempts, "IMPOSSIBLE TO JOIN GROUP %s", name)
		}
	}

	var mode string
	err = e.store.Update(func() error {
		g, err := e.store.Group(name)
		if err != nil {
			return err
		}
		var role model.Role
		switch {
		case tokenEqual(token, g.TokenRW):
			role, mode = model.RoleRW, "ReadWrite"
		case tokenEqual(token, g.TokenRO):
			role, mode = model.RoleRO, "ReadOnly"
		default:
			return errs.ErrWrongToken
		}
		if m, ok := g.Member(req.PeerID); ok && m.Role == model.RoleMaster && g.Masters() == 1 {
			return errs.ErrLastMaster
		}
		g.AddPeer(req.PeerID, true, role)
		return nil
	})

	if e.joins != nil {
		switch {
		case errors.Is(err, errs.ErrWrongToken):
			if _, _, ferr := e.joins.Failure(ctx, name, ipHash); ferr != nil {
				e.log.Warn("join limiter failure", zap.Error(ferr))
			}
		case err == nil || errors.Is(err, errs.ErrLastMaster):
			if serr := e.joins.Success(ctx, name, ipHash); serr != nil {
				e.log.Warn("join limiter reset", zap.Error(serr))
			}
		}
	}
	if err != nil {
		return "", fail(err, "IMPOSSIBLE TO JOIN GROUP %s", name)
	}
	return fmt.Sprintf("GROUP %s JOINED IN %s MODE", name, mode), nil
}

func (e *Engine) restore(_ context.Context, req Request) (string, error) {
	a, err := args(req, 1)
	if err != nil {
		return "", err
	}
	name := a[0]
	g, err := e.store.Group(name)
	if err != nil {
		return "", fail(err, "IT'S NOT POSSIBLE TO RESTORE GROUP %s", name)
	}
	m, ok := g.Member(req.PeerID)
	if !ok {
		return "", fail(errs.ErrNotMember, "IT'S NOT POSSIBLE TO RESTORE GROUP %s", name)
	}
	if m.Active {
		return "", fail(errs.ErrAlreadyActive, "IT'S NOT POSSIBLE TO RESTORE GROUP %s", name)
	}
	g.RestorePeer(req.PeerID)
	return fmt.Sprintf("GROUP %s RESTORED", name), nil
}

func (e *Engine) role(_ context.Context, req Request) (string, error) {
	a, err := args(req, 3)
	if err != nil {
		return "", err
	}
	action, target, name := a[0], a[1], a[2]
	switch action {
	case RoleChangeMaster, RoleAddMaster, RoleMakeRW, RoleMakeRO:
	default:
		return "", fmt.Errorf("%w: unknown role action %s", errs.ErrInvalidRequest, action)
	}

	g, err := e.store.Group(name)
	if err != nil {
		return "", fail(err, "OPERATION NOT ALLOWED")
	}
	caller, ok := g.Member(req.PeerID)
	if !ok {
		return "", fail(errs.ErrNotMember, "OPERATION NOT ALLOWED")
	}
	tgt, ok := g.Member(target)
	if !ok {
		return "", fail(errs.ErrNotMember, "OPERATION NOT ALLOWED")
	}
	if caller.Role != model.RoleMaster {
		return "", errs.ErrNotAllowed
	}

	next := map[string]model.Role{req.PeerID: caller.Role, target: tgt.Role}
	switch action {
	case RoleChangeMaster:
		next[target] = model.RoleMaster
		if target != req.PeerID {
			next[req.PeerID] = model.RoleRW
		}
	case RoleAddMaster:
		next[target] = model.RoleMaster
	case RoleMakeRW:
		next[target] = model.RoleRW
	case RoleMakeRO:
		next[target] = model.RoleRO
	}

	masters := g.Masters()
	for id, r := range next {
		m, _ := g.Member(id)
		if m.Role == model.RoleMaster && r != model.RoleMaster {
			masters--
		}
		if m.Role != model.RoleMaster && r == model.RoleMaster {
			masters++
		}
	}
	if masters < 1 {
		return "", fail(errs.ErrLastMaster, "OPERATION NOT ALLOWED")
	}

	for id, r := range next {
		if err := g.SetRole(id, r); err != nil {
			return "", err
		}
	}
	return "OPERATION ALLOWED", nil
}

// peersCmd lists members under the read lock and resolves addresses after it.
func (e *Engine) peersCmd(ctx context.Context, req Request) (string, error) {
	a, err := args(req, 2)
	if err != nil {
		return "", err
	}
	name, sel := a[0], a[1]
	if sel != PeersActive && sel != PeersAll {
		return "", fmt.Errorf("%w: peers selector must be %s or %s", errs.ErrInvalidRequest, PeersActive, PeersAll)
	}

	out := make([]model.PeerInfo, 0)
	err = e.store.View(func() error {
		g, err := e.store.Group(name)
		if err != nil {
			return err
		}
		if _, ok := g.Member(req.PeerID); !ok {
			return errs.ErrNotMember
		}
		for _, m := range g.Members() {
			if m.PeerID == req.PeerID {
				continue
			}
			if sel == PeersActive && !m.Active {
				continue
			}
			out = append(out, model.PeerInfo{PeerID: m.PeerID, Active: m.Active, Role: m.Role})
		}
		return nil
	})
	if err != nil {
		return "", fail(err, "IMPOSSIBLE TO LIST PEERS OF GROUP %s", name)
	}

	if sel != PeersAll {
		for i := range out {
			addr, ok, err := e.peers.Get(ctx, out[i].PeerID)
			if err != nil {
				return "", fmt.Errorf("lookup peer %s: %w", out[i].PeerID, err)
			}
			if ok {
				out[i].Address = &addr
			}
		}
	}
	return wire.Encode(out)
}

// writable resolves the group and checks the caller may mutate its catalog.
func (e *Engine) writable(req Request, name, label string) (*store.Group, error) {
	g, err := e.store.Group(name)
	if err != nil {
		return nil, fail(err, "%s", label)
	}
	m, ok := g.Member(req.PeerID)
	if !ok {
		return nil, fail(errs.ErrNotMember, "%s", label)
	}
	if !m.Role.CanWrite() {
		return nil, fail(errs.ErrReadOnly, "%s", label)
	}
	return g, nil
}

func (e *Engine) addedFiles(_ context.Context, req Request) (string, error) {
	name, payload, err := payloadArgs(req)
	if err != nil {
		return "", err
	}
	g, err := e.writable(req, name, "IMPOSSIBLE TO ADD FILES")
	if err != nil {
		return "", err
	}
	files, err := wire.DecodeFiles(payload)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		g.AddFile(f.TreePath, f.Filesize, f.Timestamp)
	}
	return "FILES SUCCESSFULLY ADDED", nil
}

func (e *Engine) updatedFiles(_ context.Context, req Request) (string, error) {
	name, payload, err := payloadArgs(req)
	if err != nil {
		return "", err
	}
	g, err := e.writable(req, name, "IMPOSSIBLE TO UPDATE FILES")
	if err != nil {
		return "", err
	}
	files, err := wire.DecodeFiles(payload)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		g.UpdateFile(f.TreePath, f.Filesize, f.Timestamp)
	}
	return "FILES SUCCESSFULLY UPDATED", nil
}

func (e *Engine) removedFiles(_ context.Context, req Request) (string, error) {
	name, payload, err := payloadArgs(req)
	if err != nil {
		return "", err
	}
	g, err := e.writable(req, name, "IMPOSSIBLE TO REMOVE FILES")
	if err != nil {
		return "", err
	}
	paths, err := wire.DecodePaths(payload)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		g.RemoveFile(p)
	}
	return "FILES REMOVED FROM THE GROUP", nil
}

func (e *Engine) getFiles(_ context.Context, req Request) (string, error) {
	a, err := args(req, 1)
	if err != nil {
		return "", err
	}
	name := a[0]
	g, err := e.store.Group(name)
	if err != nil {
		return "", fail(err, "IMPOSSIBLE TO GET FILES OF GROUP %s", name)
	}
	if _, ok := g.Member(req.PeerID); !ok {
		return "", fail(errs.ErrNotMember, "IMPOSSIBLE TO GET FILES OF GROUP %s", name)
	}
	return wire.EncodeFiles(g.Files())
}

func (e *Engine) leave(_ context.Context, req Request) (string, error) {
	a, err := args(req, 1)
	if err != nil {
		return "", err
	}
	name := a[0]
	g, err := e.store.Group(name)
	if err != nil {
		return "", fail(err, "IMPOSSIBLE TO LEAVE GROUP %s", name)
	}
	if m, ok := g.Member(req.PeerID); ok && m.Role == model.RoleMaster && g.Masters() == 1 && len(g.Members()) > 1 {
		return "", fail(errs.ErrLastMaster, "IMPOSSIBLE TO LEAVE GROUP %s", name)
	}
	g.RemovePeer(req.PeerID)
	return "GROUP LEFT", nil
}

func (e *Engine) disconnect(_ context.Context, req Request) (string, error) {
	a, err := args(req, 1)
	if err != nil {
		return "", err
	}
	name := a[0]
	g, err := e.store.Group(name)
	if err != nil {
		return "", fail(err, "IMPOSSIBLE TO DISCONNECT FROM GROUP %s", name)
	}
	g.DisconnectPeer(req.PeerID)
	return "GROUP DISCONNECTED", nil
}

func (e *Engine) exit(_ context.Context, req Request) (string, error) {
	for _, g := range e.store.Groups() {
		if m, ok := g.Member(req.PeerID); ok && m.Active {
			g.DisconnectPeer(req.PeerID)
		}
	}
	return "PEER DISCONNECTED", nil
}

func (e *Engine) bye(_ context.Context, _ Request) (string, error) {
	return "BYE PEER", nil
}
