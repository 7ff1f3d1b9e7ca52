package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/model"
)

// Tree is the part of the local mirror Apply mutates.
type Tree interface {
	AddNode(group, path string, f model.LocalFile) error
	UpdateNode(group, path string, size, timestamp int64) error
	SetStatus(group, path string, status model.FileStatus, progress int) error
	SetLocalPath(group, path, local string) error
	RemoveNode(group, path string) error
}

// Transfer moves file content between peers. Content transfer itself lives outside
// this package.
type Transfer interface {
	// Download fetches f and returns the local path it was stored at.
	Download(ctx context.Context, group string, f model.FileMeta) (string, error)
	// Upload makes the local copy available to other members.
	Upload(ctx context.Context, group string, f model.LocalFile) error
}

// Catalog publishes catalog mutations to the tracker.
type Catalog interface {
	AddedFiles(ctx context.Context, group string, files []model.FileMeta) error
	UpdatedFiles(ctx context.Context, group string, files []model.FileMeta) error
}

// Result summarizes an Apply run.
type Result struct {
	Downloaded int
	Pulled     int
	Pushed     int
	Uploaded   int
	Deleted    int
}

// Applier executes plans against a tree.
type Applier struct {
	Tree     Tree
	Transfer Transfer
	Catalog  Catalog
	Log      *zap.Logger
}

func (a *Applier) log() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// Apply runs every action of p for group. Failed actions are reported together and
// leave the tree in a state the next Compute retries from.
func (a *Applier) Apply(ctx context.Context, group string, p Plan) (Result, error) {
	var (
		res  Result
		errz []error
	)
	note := func(err error) {
		if err != nil {
			errz = append(errz, err)
		}
	}

	for _, r := range p.Download {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := a.download(ctx, group, r); err != nil {
			note(err)
			continue
		}
		res.Downloaded++
	}

	var pushed []model.LocalFile
	for _, rs := range p.Resync {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if rs.Direction == Push {
			if err := a.Transfer.Upload(ctx, group, rs.Local); err != nil {
				note(fmt.Errorf("upload %s: %w", rs.Local.Filename, err))
				continue
			}
			pushed = append(pushed, rs.Local)
			continue
		}
		if err := a.pull(ctx, group, rs); err != nil {
			note(err)
			continue
		}
		res.Pulled++
	}
	if len(pushed) > 0 {
		if err := a.Catalog.UpdatedFiles(ctx, group, metas(pushed)); err != nil {
			note(fmt.Errorf("publish updates: %w", err))
		} else {
			res.Pushed = len(pushed)
			a.markSynced(group, pushed)
		}
	}

	var added []model.LocalFile
	for _, l := range p.Upload {
		if err := a.Transfer.Upload(ctx, group, l); err != nil {
			note(fmt.Errorf("upload %s: %w", l.Filename, err))
			continue
		}
		added = append(added, l)
	}
	if len(added) > 0 {
		if err := a.Catalog.AddedFiles(ctx, group, metas(added)); err != nil {
			note(fmt.Errorf("publish additions: %w", err))
		} else {
			res.Uploaded = len(added)
			a.markSynced(group, added)
		}
	}

	for _, l := range p.DeleteLocal {
		if err := a.Tree.RemoveNode(group, l.Filename); err != nil {
			note(fmt.Errorf("remove %s: %w", l.Filename, err))
			continue
		}
		res.Deleted++
	}

	a.log().Debug("plan applied",
		zap.String("group", group),
		zap.Int("downloaded", res.Downloaded),
		zap.Int("pulled", res.Pulled),
		zap.Int("pushed", res.Pushed),
		zap.Int("uploaded", res.Uploaded),
		zap.Int("deleted", res.Deleted),
	)
	return res, errors.Join(errz...)
}

func (a *Applier) download(ctx context.Context, group string, r model.FileMeta) error {
	rec := model.LocalFile{
		Filesize:       r.Filesize,
		Timestamp:      r.Timestamp,
		Status:         model.Unsynchronized,
		PreviousChunks: []string{},
	}
	if err := a.Tree.AddNode(group, r.TreePath, rec); err != nil {
		return fmt.Errorf("track %s: %w", r.TreePath, err)
	}
	_ = a.Tree.SetStatus(group, r.TreePath, model.Synchronizing, 0)

	local, err := a.Transfer.Download(ctx, group, r)
	if err != nil {
		// Without a local copy the record must not look current.
		_ = a.Tree.RemoveNode(group, r.TreePath)
		return fmt.Errorf("download %s: %w", r.TreePath, err)
	}
	if err := a.Tree.SetLocalPath(group, r.TreePath, local); err != nil {
		return err
	}
	return a.Tree.SetStatus(group, r.TreePath, model.Synchronized, 0)
}

func (a *Applier) pull(ctx context.Context, group string, rs Resync) error {
	path := rs.Remote.TreePath
	_ = a.Tree.SetStatus(group, path, model.Synchronizing, 0)
	local, err := a.Transfer.Download(ctx, group, rs.Remote)
	if err != nil {
		_ = a.Tree.SetStatus(group, path, model.Unsynchronized, 0)
		return fmt.Errorf("download %s: %w", path, err)
	}
	if err := a.Tree.SetLocalPath(group, path, local); err != nil {
		return err
	}
	if err := a.Tree.UpdateNode(group, path, rs.Remote.Filesize, rs.Remote.Timestamp); err != nil {
		return err
	}
	return a.Tree.SetStatus(group, path, model.Synchronized, 0)
}

func (a *Applier) markSynced(group string, files []model.LocalFile) {
	for _, f := range files {
		if err := a.Tree.SetStatus(group, f.Filename, model.Synchronized, 0); err != nil {
			a.log().Warn("mark synchronized", zap.String("group", group), zap.String("path", f.Filename), zap.Error(err))
		}
	}
}

func metas(files []model.LocalFile) []model.FileMeta {
	out := make([]model.FileMeta, 0, len(files))
	for _, f := range files {
		out = append(out, f.Meta())
	}
	return out
}
