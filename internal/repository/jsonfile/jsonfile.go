// Package jsonfile stores the tracker snapshot as three JSON documents in a session
// directory.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/and161185/p2psync/internal/fsutil"
	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/repository"
)

// Session file names.
const (
	GroupsFile      = "groups.json"
	MembershipsFile = "memberships.json"
	CatalogFile     = "catalog.json"
)

// Repo implements repository.SnapshotRepository on the local filesystem.
type Repo struct {
	dir string
}

var _ repository.SnapshotRepository = (*Repo)(nil)

// New constructs a repository rooted at dir. The directory is created on Save.
func New(dir string) *Repo { return &Repo{dir: dir} }

// Load implements repository.SnapshotRepository. Missing files are empty collections.
func (r *Repo) Load(_ context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := r.read(GroupsFile, &snap.Groups); err != nil {
		return model.Snapshot{}, err
	}
	if err := r.read(MembershipsFile, &snap.Memberships); err != nil {
		return model.Snapshot{}, err
	}
	if err := r.read(CatalogFile, &snap.Catalog); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// Save implements repository.SnapshotRepository. Each file is replaced atomically.
// A done ctx is checked once, before anything is written.
func (r *Repo) Save(ctx context.Context, snap model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Groups == nil {
		snap.Groups = []model.GroupRecord{}
	}
	if snap.Memberships == nil {
		snap.Memberships = []model.MembershipRecord{}
	}
	if snap.Catalog == nil {
		snap.Catalog = []model.CatalogRecord{}
	}
	if err := r.write(GroupsFile, snap.Groups); err != nil {
		return err
	}
	if err := r.write(MembershipsFile, snap.Memberships); err != nil {
		return err
	}
	return r.write(CatalogFile, snap.Catalog)
}

func (r *Repo) read(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(r.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (r *Repo) write(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(r.dir, name), b); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
