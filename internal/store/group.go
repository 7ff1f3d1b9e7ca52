package store

import (
	"sort"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
)

// Group owns the membership map and the file catalog of one synchronization group.
// A Group is not safe for concurrent use; the owning Store serializes access.
type Group struct {
	Name    string
	TokenRW string
	TokenRO string

	peers map[string]*model.Membership
	files map[string]model.FileMeta
}

// NewGroup constructs an empty group.
func NewGroup(name, tokenRW, tokenRO string) *Group {
	return &Group{
		Name:    name,
		TokenRW: tokenRW,
		TokenRO: tokenRO,
		peers:   make(map[string]*model.Membership),
		files:   make(map[string]model.FileMeta),
	}
}

// AddPeer inserts or overwrites the membership record of peerID.
func (g *Group) AddPeer(peerID string, active bool, role model.Role) {
	g.peers[peerID] = &model.Membership{PeerID: peerID, Role: role, Active: active}
}

// RemovePeer deletes the membership record (permanent departure).
func (g *Group) RemovePeer(peerID string) {
	delete(g.peers, peerID)
}

// DisconnectPeer marks the member inactive and keeps the record for a later RESTORE.
func (g *Group) DisconnectPeer(peerID string) {
	if m, ok := g.peers[peerID]; ok {
		m.Active = false
	}
}

// RestorePeer marks the member active. The caller checks membership and inactivity first.
func (g *Group) RestorePeer(peerID string) {
	if m, ok := g.peers[peerID]; ok {
		m.Active = true
	}
}

// SetRole changes the role of an existing member.
func (g *Group) SetRole(peerID string, role model.Role) error {
	m, ok := g.peers[peerID]
	if !ok {
		return errs.ErrNotMember
	}
	m.Role = role
	return nil
}

// Member returns a copy of the membership record of peerID.
func (g *Group) Member(peerID string) (model.Membership, bool) {
	m, ok := g.peers[peerID]
	if !ok {
		return model.Membership{}, false
	}
	return *m, true
}

// Members returns copies of all membership records ordered by peer ID.
func (g *Group) Members() []model.Membership {
	out := make([]model.Membership, 0, len(g.peers))
	for _, m := range g.peers {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Masters counts members holding the Master role.
func (g *Group) Masters() int {
	n := 0
	for _, m := range g.peers {
		if m.Role == model.RoleMaster {
			n++
		}
	}
	return n
}

// AddFile inserts or overwrites a catalog entry.
func (g *Group) AddFile(treePath string, size, timestamp int64) {
	g.files[treePath] = model.FileMeta{TreePath: treePath, Filesize: size, Timestamp: timestamp}
}

// UpdateFile overwrites the fingerprint of an existing entry; a missing path is a no-op.
func (g *Group) UpdateFile(treePath string, size, timestamp int64) {
	if _, ok := g.files[treePath]; !ok {
		return
	}
	g.files[treePath] = model.FileMeta{TreePath: treePath, Filesize: size, Timestamp: timestamp}
}

// RemoveFile deletes a catalog entry; a missing path is a no-op.
func (g *Group) RemoveFile(treePath string) {
	delete(g.files, treePath)
}

// File returns the catalog entry for treePath.
func (g *Group) File(treePath string) (model.FileMeta, bool) {
	f, ok := g.files[treePath]
	return f, ok
}

// Files returns the catalog ordered by tree path.
func (g *Group) Files() []model.FileMeta {
	out := make([]model.FileMeta, 0, len(g.files))
	for _, f := range g.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TreePath < out[j].TreePath })
	return out
}

// PublicInfo returns the listing view of the group. Role and Status are left empty:
// they depend on who is asking.
func (g *Group) PublicInfo() model.GroupInfo {
	active := 0
	for _, m := range g.peers {
		if m.Active {
			active++
		}
	}
	return model.GroupInfo{Name: g.Name, Active: active, Total: len(g.peers)}
}
