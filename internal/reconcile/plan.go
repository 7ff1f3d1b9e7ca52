// Package reconcile diffs a group's tracker catalog against the peer's local mirror
// and drives the resulting sync actions.
package reconcile

import (
	"github.com/and161185/p2psync/internal/model"
)

// Direction of a re-sync.
type Direction int

const (
	// Pull replaces the local copy with the tracker's version.
	Pull Direction = iota
	// Push publishes the local version to the tracker.
	Push
)

func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// Resync is a path known to both sides with differing fingerprints.
type Resync struct {
	Local     model.LocalFile
	Remote    model.FileMeta
	Direction Direction
}

// Plan lists the actions needed to bring one group's mirror in line with the catalog.
type Plan struct {
	Download    []model.FileMeta
	Resync      []Resync
	Upload      []model.LocalFile
	DeleteLocal []model.LocalFile
}

// Len counts planned actions.
func (p Plan) Len() int {
	return len(p.Download) + len(p.Resync) + len(p.Upload) + len(p.DeleteLocal)
}

// Empty reports whether nothing needs to be done.
func (p Plan) Empty() bool { return p.Len() == 0 }

// Compute diffs remote against local for a member holding role.
//
// Remote paths missing locally are downloaded. Paths on both sides with different
// fingerprints are re-synced: pushed when the local copy is newer and the role may
// write, pulled otherwise. A local-only path that was synchronized before has been
// removed remotely and is deleted; an unsynchronized one is a local addition and is
// uploaded when the role may write. Files already Synchronizing are left alone.
func Compute(remote []model.FileMeta, local []model.LocalFile, role model.Role) Plan {
	var p Plan

	byPath := make(map[string]model.LocalFile, len(local))
	for _, l := range local {
		byPath[l.Filename] = l
	}
	seen := make(map[string]bool, len(remote))

	for _, r := range remote {
		seen[r.TreePath] = true
		l, ok := byPath[r.TreePath]
		if !ok {
			p.Download = append(p.Download, r)
			continue
		}
		if l.Status == model.Synchronizing || l.Meta().Fingerprint() == r.Fingerprint() {
			continue
		}
		dir := Pull
		if role.CanWrite() && l.Timestamp > r.Timestamp {
			dir = Push
		}
		p.Resync = append(p.Resync, Resync{Local: l, Remote: r, Direction: dir})
	}

	for _, l := range local {
		if seen[l.Filename] || l.Status == model.Synchronizing {
			continue
		}
		switch {
		case l.Status == model.Synchronized:
			p.DeleteLocal = append(p.DeleteLocal, l)
		case role.CanWrite():
			p.Upload = append(p.Upload, l)
		}
	}
	return p
}
