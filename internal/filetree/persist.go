package filetree

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/and161185/p2psync/internal/fsutil"
	"github.com/and161185/p2psync/internal/model"
)

// jsonNode is the on-disk layout of a node.
type jsonNode struct {
	NodeName string           `json:"nodeName"`
	IsDir    bool             `json:"isDir"`
	Childs   []jsonNode       `json:"childs"`
	Info     *model.LocalFile `json:"info,omitempty"`
}

func toJSON(n *node) jsonNode {
	j := jsonNode{NodeName: n.name, IsDir: n.isDir, Childs: []jsonNode{}}
	if !n.isDir {
		f := *n.file
		j.Info = &f
		return j
	}
	for _, c := range n.children {
		j.Childs = append(j.Childs, toJSON(c))
	}
	return j
}

// fromJSON rebuilds the subtree at rel inside group; rel is empty for the root.
func fromJSON(j jsonNode, group, rel string) (*node, error) {
	where := group
	if rel != "" {
		where += "/" + rel
	}
	if !j.IsDir {
		if j.Info == nil {
			return nil, fmt.Errorf("leaf %s has no file record", where)
		}
		if j.Info.Filename != rel || j.Info.GroupName != group {
			return nil, fmt.Errorf("leaf %s records %s/%s", where, j.Info.GroupName, j.Info.Filename)
		}
		f := *j.Info
		return &node{name: j.NodeName, file: &f}, nil
	}
	if rel != "" && len(j.Childs) == 0 {
		return nil, fmt.Errorf("empty directory %s", where)
	}
	n := newDir(j.NodeName)
	for _, c := range j.Childs {
		if dup, _ := n.child(c.NodeName); dup != nil {
			return nil, fmt.Errorf("duplicate node %s/%s", where, c.NodeName)
		}
		sub := c.NodeName
		if rel != "" {
			sub = rel + "/" + c.NodeName
		}
		cn, err := fromJSON(c, group, sub)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

// MarshalJSON encodes the forest as a list of group roots.
func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]jsonNode, 0, len(t.roots))
	for _, r := range t.roots {
		out = append(out, toJSON(r))
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces the forest with the decoded one.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var in []jsonNode
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	roots := make([]*node, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, j := range in {
		if !j.IsDir {
			return fmt.Errorf("group root %s is not a directory", j.NodeName)
		}
		if seen[j.NodeName] {
			return fmt.Errorf("duplicate group root %s", j.NodeName)
		}
		seen[j.NodeName] = true
		r, err := fromJSON(j, j.NodeName, "")
		if err != nil {
			return err
		}
		roots = append(roots, r)
	}
	t.mu.Lock()
	t.roots = roots
	t.mu.Unlock()
	return nil
}

// Load reads a forest saved by Save. A missing file yields an empty tree.
func Load(path string) (*Tree, error) {
	t := New()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", path, err)
	}
	return t, nil
}

// Save writes the forest to path atomically.
func (t *Tree) Save(path string) error {
	b, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	return fsutil.WriteFileAtomic(path, b)
}
