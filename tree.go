package pathkv

import (
	"fmt"
	"strings"
)

// Branch is one stored location: a path and the scalar found there.
type Branch struct {
	Path Path   `msgpack:"p" json:"path"`
	Leaf string `msgpack:"l" json:"leaf"`
}

func (b Branch) Validate() error {
	return b.Path.Validate()
}

func (b Branch) IsZero() bool {
	return b.Path == nil && b.Leaf == ""
}

func (b Branch) String() string {
	return fmt.Sprintf("%s=%q", b.Path.Key(), b.Leaf)
}

// Tree is a flat document representation. Branch order matters only when
// branches overlap: later ones win.
type Tree []Branch

func (t Tree) Validate() error {
	for i, b := range t {
		if err := b.Validate(); err != nil {
			return validationErrf("tree", b.Path, err, "branch %d", i+1)
		}
	}
	return nil
}

// Paths returns the path of each branch, in order.
func (t Tree) Paths() []Path {
	paths := make([]Path, len(t))
	for i, b := range t {
		paths[i] = b.Path
	}
	return paths
}

// Prepend returns a copy of the tree with prefix added in front of every path.
func (t Tree) Prepend(prefix Path) Tree {
	out := make(Tree, len(t))
	for i, b := range t {
		out[i] = Branch{prefix.Append(b.Path...), b.Leaf}
	}
	return out
}

// Select returns the branches located at or below prefix.
func (t Tree) Select(prefix Path) Tree {
	var out Tree
	for _, b := range t {
		if b.Path.HasPrefix(prefix) {
			out = append(out, Branch{b.Path.Clone(), b.Leaf})
		}
	}
	return out
}

// Clean drops zero-value branches, which appear when a tree is built by index
// and some slots are never filled.
func (t Tree) Clean() Tree {
	out := make(Tree, 0, len(t))
	for _, b := range t {
		if !b.IsZero() {
			out = append(out, b)
		}
	}
	return out
}

func (t Tree) String() string {
	var buf strings.Builder
	for i, b := range t {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(b.String())
	}
	return buf.String()
}
