// Package store holds the tracker's authoritative group membership and file catalogs.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
)

// Store owns every Group of the tracker behind a single lock.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

// New constructs an empty store.
func New() *Store {
	return &Store{groups: make(map[string]*Group)}
}

// Update runs fn holding the write lock. All mutations go through Update.
func (s *Store) Update(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// View runs fn holding the read lock.
func (s *Store) View(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn()
}

// Create registers a new group. Caller holds the write lock.
func (s *Store) Create(name, tokenRW, tokenRO string) (*Group, error) {
	if _, ok := s.groups[name]; ok {
		return nil, errs.ErrGroupExists
	}
	g := NewGroup(name, tokenRW, tokenRO)
	s.groups[name] = g
	return g, nil
}

// Group looks up a group by name. Caller holds a lock.
func (s *Store) Group(name string) (*Group, error) {
	g, ok := s.groups[name]
	if !ok {
		return nil, errs.ErrGroupNotFound
	}
	return g, nil
}

// Groups returns every group ordered by name. Caller holds a lock.
func (s *Store) Groups() []*Group {
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot captures the persisted layout of the store. It takes the read lock itself.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap model.Snapshot
	for _, g := range s.Groups() {
		snap.Groups = append(snap.Groups, model.GroupRecord{Name: g.Name, TokenRW: g.TokenRW, TokenRO: g.TokenRO})
		for _, m := range g.Members() {
			snap.Memberships = append(snap.Memberships, model.MembershipRecord{
				PeerID: m.PeerID, GroupName: g.Name, Role: m.Role,
			})
		}
		for _, f := range g.Files() {
			snap.Catalog = append(snap.Catalog, model.CatalogRecord{
				GroupName: g.Name, TreePath: f.TreePath, Filesize: f.Filesize, Timestamp: f.Timestamp,
			})
		}
	}
	return snap
}

// Restore replaces the store content with snap. Every restored member is inactive.
func (s *Store) Restore(snap model.Snapshot) error {
	groups := make(map[string]*Group, len(snap.Groups))
	for _, r := range snap.Groups {
		groups[r.Name] = NewGroup(r.Name, r.TokenRW, r.TokenRO)
	}
	for _, r := range snap.Memberships {
		g, ok := groups[r.GroupName]
		if !ok {
			return fmt.Errorf("membership %s@%s: %w", r.PeerID, r.GroupName, errs.ErrGroupNotFound)
		}
		g.AddPeer(r.PeerID, false, r.Role)
	}
	for _, r := range snap.Catalog {
		g, ok := groups[r.GroupName]
		if !ok {
			return fmt.Errorf("catalog %s@%s: %w", r.TreePath, r.GroupName, errs.ErrGroupNotFound)
		}
		g.AddFile(r.TreePath, r.Filesize, r.Timestamp)
	}

	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()
	return nil
}

// PublicInfos lists the public view of every group ordered by name. It takes the read
// lock itself.
func (s *Store) PublicInfos() []model.GroupInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.GroupInfo, 0, len(s.groups))
	for _, g := range s.Groups() {
		out = append(out, g.PublicInfo())
	}
	return out
}

// PublicInfo returns the public view of one group. It takes the read lock itself.
func (s *Store) PublicInfo(name string) (model.GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, err := s.Group(name)
	if err != nil {
		return model.GroupInfo{}, err
	}
	return g.PublicInfo(), nil
}
