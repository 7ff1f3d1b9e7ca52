// Package filetree keeps a peer's local mirror of every joined group as a forest of
// directory and leaf nodes. Leaves own the local file records.
package filetree

import (
	"fmt"
	"strings"
	"sync"

	"github.com/and161185/p2psync/internal/errs"
	"github.com/and161185/p2psync/internal/model"
	"github.com/and161185/p2psync/internal/wire"
)

type node struct {
	name     string
	isDir    bool
	children []*node
	file     *model.LocalFile
}

func newDir(name string) *node { return &node{name: name, isDir: true} }

func (n *node) child(name string) (*node, int) {
	for i, c := range n.children {
		if c.name == name {
			return c, i
		}
	}
	return nil, -1
}

func (n *node) detach(i int) {
	n.children = append(n.children[:i], n.children[i+1:]...)
}

// Entry is a read-only view of a tree node.
type Entry struct {
	Name  string
	IsDir bool
	File  *model.LocalFile // copy of the leaf record, nil for directories
}

// Tree is safe for concurrent use.
type Tree struct {
	mu    sync.RWMutex
	roots []*node
}

// New constructs an empty forest.
func New() *Tree { return &Tree{} }

func (t *Tree) root(group string) (*node, int) {
	for i, r := range t.roots {
		if r.name == group {
			return r, i
		}
	}
	return nil, -1
}

func (t *Tree) mustRoot(group string) (*node, error) {
	r, _ := t.root(group)
	if r == nil {
		return nil, fmt.Errorf("group %s: %w", group, errs.ErrNotFound)
	}
	return r, nil
}

// AddGroup adds an empty root for group.
func (t *Tree) AddGroup(group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, _ := t.root(group); r != nil {
		return fmt.Errorf("group %s: %w", group, errs.ErrAlreadyExists)
	}
	t.roots = append(t.roots, newDir(group))
	return nil
}

// RemoveGroup drops a group root together with every record below it.
func (t *Tree) RemoveGroup(group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, i := t.root(group)
	if i < 0 {
		return fmt.Errorf("group %s: %w", group, errs.ErrNotFound)
	}
	t.roots = append(t.roots[:i], t.roots[i+1:]...)
	return nil
}

// HasGroup reports whether group has a root.
func (t *Tree) HasGroup(group string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, _ := t.root(group)
	return r != nil
}

// Groups lists the group roots in insertion order.
func (t *Tree) Groups() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.roots))
	for _, r := range t.roots {
		out = append(out, r.name)
	}
	return out
}

// find walks path from the group root. It returns the chain of nodes from the root
// to the target inclusive.
func (t *Tree) find(group, path string) ([]*node, error) {
	r, err := t.mustRoot(group)
	if err != nil {
		return nil, err
	}
	if err := wire.ValidTreePath(path); err != nil {
		return nil, err
	}
	chain := []*node{r}
	cur := r
	for _, seg := range strings.Split(path, "/") {
		if !cur.isDir {
			return nil, fmt.Errorf("%s: %w", path, errs.ErrNotFound)
		}
		next, _ := cur.child(seg)
		if next == nil {
			return nil, fmt.Errorf("%s: %w", path, errs.ErrNotFound)
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

func (t *Tree) leaf(group, path string) (*node, error) {
	chain, err := t.find(group, path)
	if err != nil {
		return nil, err
	}
	n := chain[len(chain)-1]
	if n.isDir {
		return nil, fmt.Errorf("%s is a directory: %w", path, errs.ErrNotFound)
	}
	return n, nil
}

// FindNode resolves path under group. There is no partial-match fallback.
func (t *Tree) FindNode(group, path string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	chain, err := t.find(group, path)
	if err != nil {
		return Entry{}, err
	}
	n := chain[len(chain)-1]
	e := Entry{Name: n.name, IsDir: n.isDir}
	if n.file != nil {
		f := *n.file
		e.File = &f
	}
	return e, nil
}

// File returns a copy of the leaf record at path.
func (t *Tree) File(group, path string) (model.LocalFile, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.leaf(group, path)
	if err != nil {
		return model.LocalFile{}, err
	}
	return *n.file, nil
}

// AddNode inserts a leaf at path, creating intermediate directories. An existing node
// at path is a duplicate.
func (t *Tree) AddNode(group, path string, f model.LocalFile) error {
	if err := wire.ValidTreePath(path); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.mustRoot(group)
	if err != nil {
		return err
	}

	segs := strings.Split(path, "/")
	cur := r
	for _, seg := range segs[:len(segs)-1] {
		next, _ := cur.child(seg)
		if next == nil {
			next = newDir(seg)
			cur.children = append(cur.children, next)
		} else if !next.isDir {
			return fmt.Errorf("%s: %s is a file: %w", path, seg, errs.ErrAlreadyExists)
		}
		cur = next
	}

	name := segs[len(segs)-1]
	if existing, _ := cur.child(name); existing != nil {
		return fmt.Errorf("%s: %w", path, errs.ErrAlreadyExists)
	}
	f.GroupName = group
	f.Filename = path
	cur.children = append(cur.children, &node{name: name, file: &f})
	return nil
}

// UpdateNode overwrites the fingerprint of the leaf at path. It never creates one.
func (t *Tree) UpdateNode(group, path string, size, timestamp int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.leaf(group, path)
	if err != nil {
		return err
	}
	n.file.Filesize = size
	n.file.Timestamp = timestamp
	return nil
}

// SetStatus changes the sync status of the leaf at path. Progress is kept only while
// Synchronizing.
func (t *Tree) SetStatus(group, path string, status model.FileStatus, progress int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.leaf(group, path)
	if err != nil {
		return err
	}
	n.file.Status = status
	n.file.Progress = 0
	if status == model.Synchronizing {
		n.file.Progress = progress
	}
	return nil
}

// SetLocalPath records where the leaf's content lives on disk.
func (t *Tree) SetLocalPath(group, path, local string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.leaf(group, path)
	if err != nil {
		return err
	}
	n.file.Filepath = local
	return nil
}

// RemoveNode detaches the leaf at path and prunes directories left empty, stopping at
// the first ancestor with children. The group root is never pruned.
func (t *Tree) RemoveNode(group, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	chain, err := t.find(group, path)
	if err != nil {
		return err
	}
	if chain[len(chain)-1].isDir {
		return fmt.Errorf("%s is a directory: %w", path, errs.ErrNotFound)
	}

	for i := len(chain) - 1; i > 0; i-- {
		parent := chain[i-1]
		_, idx := parent.child(chain[i].name)
		parent.detach(idx)
		if len(parent.children) > 0 || i-1 == 0 {
			break
		}
	}
	return nil
}

// TreePaths lists every leaf path under group in pre-order.
func (t *Tree) TreePaths(group string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, err := t.mustRoot(group)
	if err != nil {
		return nil, err
	}
	var out []string
	walk(r, "", func(p string, _ *node) { out = append(out, p) })
	return out, nil
}

// Files returns copies of every leaf record under group in pre-order.
func (t *Tree) Files(group string) ([]model.LocalFile, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, err := t.mustRoot(group)
	if err != nil {
		return nil, err
	}
	var out []model.LocalFile
	walk(r, "", func(_ string, n *node) { out = append(out, *n.file) })
	return out, nil
}

func walk(dir *node, prefix string, visit func(path string, leaf *node)) {
	for _, c := range dir.children {
		p := c.name
		if prefix != "" {
			p = prefix + "/" + c.name
		}
		if c.isDir {
			walk(c, p, visit)
			continue
		}
		visit(p, c)
	}
}
