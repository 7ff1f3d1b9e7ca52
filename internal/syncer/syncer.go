// Package syncer runs the peer's periodic refresh against the tracker and publishes
// local file changes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/p2psync/internal/filetree"
	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/reconcile"
)

// DefaultInterval is the refresh period when none is configured.
const DefaultInterval = 30 * time.Second

// Tracker is the part of the tracker session the syncer drives.
type Tracker interface {
	reconcile.Catalog
	Groups(ctx context.Context) (map[string]model.GroupInfo, error)
	GetFiles(ctx context.Context, group string) ([]model.FileMeta, error)
	RemovedFiles(ctx context.Context, group string, paths []string) error
}

// Syncer reconciles every active group on a fixed interval.
type Syncer struct {
	tracker  Tracker
	tree     *filetree.Tree
	applier  *reconcile.Applier
	log      *zap.Logger
	interval time.Duration
	step     time.Duration

	stop    atomic.Bool
	running sync.Mutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Syncer) { s.log = l } }

// WithInterval sets the refresh period.
func WithInterval(d time.Duration) Option { return func(s *Syncer) { s.interval = d } }

// WithStep sets how often the wait between cycles checks for a stop request.
func WithStep(d time.Duration) Option { return func(s *Syncer) { s.step = d } }

// New constructs a syncer over tree. Content moves through xfer.
func New(t Tracker, tree *filetree.Tree, xfer reconcile.Transfer, opts ...Option) *Syncer {
	s := &Syncer{
		tracker:  t,
		tree:     tree,
		log:      zap.NewNop(),
		interval: DefaultInterval,
		step:     time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.applier = &reconcile.Applier{Tree: tree, Transfer: xfer, Catalog: t, Log: s.log}
	return s
}

// Run refreshes until ctx is done or Stop is called. A cycle in progress always
// completes.
func (s *Syncer) Run(ctx context.Context) error {
	s.running.Lock()
	defer s.running.Unlock()
	for {
		if err := s.Cycle(ctx); err != nil {
			s.log.Warn("refresh failed", zap.Error(err))
		}
		if !s.wait(ctx) {
			return nil
		}
	}
}

// wait sleeps for one interval in steps, returning false when asked to stop.
func (s *Syncer) wait(ctx context.Context) bool {
	t := time.NewTicker(s.step)
	defer t.Stop()
	deadline := time.Now().Add(s.interval)
	for {
		if s.stop.Load() || ctx.Err() != nil {
			return false
		}
		if !time.Now().Before(deadline) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

// Stop asks Run to return and waits until it has.
func (s *Syncer) Stop() {
	s.stop.Store(true)
	s.running.Lock()
	defer s.running.Unlock()
}

// Cycle performs one full refresh: groups, then each active group's catalog.
func (s *Syncer) Cycle(ctx context.Context) error {
	groups, err := s.tracker.Groups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	names := make([]string, 0, len(groups))
	for name, g := range groups {
		if g.Status == model.StatusActive {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var errz []error
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.syncGroup(ctx, name, groups[name].Role); err != nil {
			errz = append(errz, fmt.Errorf("group %s: %w", name, err))
		}
	}
	return errors.Join(errz...)
}

func (s *Syncer) syncGroup(ctx context.Context, group string, role model.Role) error {
	if !s.tree.HasGroup(group) {
		if err := s.tree.AddGroup(group); err != nil {
			return err
		}
	}
	remote, err := s.tracker.GetFiles(ctx, group)
	if err != nil {
		return fmt.Errorf("get files: %w", err)
	}
	local, err := s.tree.Files(group)
	if err != nil {
		return err
	}
	plan := reconcile.Compute(remote, local, role)
	if plan.Empty() {
		return nil
	}
	s.log.Info("reconciling",
		zap.String("group", group),
		zap.Int("download", len(plan.Download)),
		zap.Int("resync", len(plan.Resync)),
		zap.Int("upload", len(plan.Upload)),
		zap.Int("delete", len(plan.DeleteLocal)),
	)
	_, err = s.applier.Apply(ctx, group, plan)
	return err
}

// AddFile tracks a new local file and publishes it. If publishing fails the record
// stays Unsynchronized and a later cycle uploads it.
func (s *Syncer) AddFile(ctx context.Context, group, treePath, localPath string, size, timestamp int64) error {
	rec := model.LocalFile{
		Filepath:       localPath,
		Filesize:       size,
		Timestamp:      timestamp,
		Status:         model.Unsynchronized,
		PreviousChunks: []string{},
	}
	if err := s.tree.AddNode(group, treePath, rec); err != nil {
		return err
	}
	meta := model.FileMeta{TreePath: treePath, Filesize: size, Timestamp: timestamp}
	if err := s.tracker.AddedFiles(ctx, group, []model.FileMeta{meta}); err != nil {
		return fmt.Errorf("publish %s: %w", treePath, err)
	}
	return s.tree.SetStatus(group, treePath, model.Synchronized, 0)
}

// UpdateFile records a new fingerprint for a tracked file and publishes it.
func (s *Syncer) UpdateFile(ctx context.Context, group, treePath string, size, timestamp int64) error {
	if err := s.tree.UpdateNode(group, treePath, size, timestamp); err != nil {
		return err
	}
	if err := s.tree.SetStatus(group, treePath, model.Unsynchronized, 0); err != nil {
		return err
	}
	meta := model.FileMeta{TreePath: treePath, Filesize: size, Timestamp: timestamp}
	if err := s.tracker.UpdatedFiles(ctx, group, []model.FileMeta{meta}); err != nil {
		return fmt.Errorf("publish %s: %w", treePath, err)
	}
	return s.tree.SetStatus(group, treePath, model.Synchronized, 0)
}

// RemoveFile drops a file from the group catalog, then from the local tree.
func (s *Syncer) RemoveFile(ctx context.Context, group, treePath string) error {
	if _, err := s.tree.File(group, treePath); err != nil {
		return err
	}
	if err := s.tracker.RemovedFiles(ctx, group, []string{treePath}); err != nil {
		return fmt.Errorf("publish removal of %s: %w", treePath, err)
	}
	return s.tree.RemoveNode(group, treePath)
}

// DirTransfer maps catalog entries onto a local directory without moving content.
// Peer-to-peer content transfer is provided elsewhere.
type DirTransfer struct {
	Root string
}

// Download returns the path the content of f is expected at.
func (d DirTransfer) Download(_ context.Context, group string, f model.FileMeta) (string, error) {
	return filepath.Join(d.Root, group, filepath.FromSlash(f.TreePath)), nil
}

// Upload is a no-op: local content is served from where it already lives.
func (DirTransfer) Upload(context.Context, string, model.LocalFile) error { return nil }
