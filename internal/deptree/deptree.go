// Package deptree indexes the parent/upstream relations of an attempt's
// tasks for fast traversal. The index holds ids, not task rows; it is
// rebuilt from a relation snapshot whenever the executor needs one, so
// concurrent task insertion never invalidates a traversal.
package deptree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/utsubo/chidori/internal/model"
)

var ErrUnknownTask = errors.New("task id is not in the tree")

type node struct {
	id        int64
	parentID  *int64
	upstreams []int64
	children  []int64
}

// Index is an immutable view over one attempt's task relations.
type Index struct {
	nodes map[int64]*node
	order []int64
}

// New builds an index from a relation snapshot. Children are recorded in id
// order regardless of input order.
func New(rels []model.TaskRelation) *Index {
	ix := &Index{nodes: make(map[int64]*node, len(rels))}
	for _, rel := range rels {
		ix.nodes[rel.ID] = &node{
			id:        rel.ID,
			parentID:  rel.ParentID,
			upstreams: rel.Upstreams,
		}
		ix.order = append(ix.order, rel.ID)
	}
	sort.Slice(ix.order, func(i, j int) bool { return ix.order[i] < ix.order[j] })
	for _, id := range ix.order {
		n := ix.nodes[id]
		if n.parentID != nil {
			if parent, ok := ix.nodes[*n.parentID]; ok {
				parent.children = append(parent.children, id)
			}
		}
	}
	return ix
}

// RootID returns the single parentless task.
func (ix *Index) RootID() (int64, error) {
	var root int64
	found := false
	for _, id := range ix.order {
		if ix.nodes[id].parentID == nil {
			if found {
				return 0, fmt.Errorf("tree has multiple roots: %d and %d", root, id)
			}
			root = id
			found = true
		}
	}
	if !found {
		return 0, errors.New("tree has no root")
	}
	return root, nil
}

// Has reports whether id is in the tree.
func (ix *Index) Has(id int64) bool {
	_, ok := ix.nodes[id]
	return ok
}

// AncestorsFromRoot returns id's ancestors ordered root first, excluding id
// itself. The root task yields an empty list.
func (ix *Index) AncestorsFromRoot(id int64) ([]int64, error) {
	n, ok := ix.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	var out []int64
	for n.parentID != nil {
		parent, ok := ix.nodes[*n.parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %d of %d", ErrUnknownTask, *n.parentID, n.id)
		}
		out = append(out, parent.id)
		n = parent
	}
	// collected nearest first, reverse to root first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Descendants returns the transitive children of id in id order, excluding
// id itself.
func (ix *Index) Descendants(id int64) ([]int64, error) {
	n, ok := ix.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	var out []int64
	ix.walkChildren(n, func(child *node) {
		out = append(out, child.id)
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// VisibleParamSources returns the task ids whose stored outputs are visible
// to id, ordered farthest source first so that merging in order lets the
// nearest source win. The list covers id and each of its ancestors, each
// together with its upstream siblings and their whole subtrees; a diamond
// contributes each id once.
func (ix *Index) VisibleParamSources(id int64) ([]int64, error) {
	n, ok := ix.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	seen := make(map[int64]bool)
	var nearFirst []int64
	add := func(x int64) {
		if !seen[x] {
			seen[x] = true
			nearFirst = append(nearFirst, x)
		}
	}
	for {
		add(n.id)
		ix.walkUpstreamSiblings(n, seen, &nearFirst)
		if n.parentID == nil {
			break
		}
		parent, ok := ix.nodes[*n.parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %d of %d", ErrUnknownTask, *n.parentID, n.id)
		}
		n = parent
	}
	out := make([]int64, len(nearFirst))
	for i, x := range nearFirst {
		out[len(nearFirst)-1-i] = x
	}
	return out, nil
}

func (ix *Index) walkChildren(n *node, fn func(*node)) {
	for _, childID := range n.children {
		child := ix.nodes[childID]
		fn(child)
		ix.walkChildren(child, fn)
	}
}

// walkUpstreamSiblings visits each upstream of n, the upstream's whole
// subtree, and then the upstream's own upstreams, recursively.
func (ix *Index) walkUpstreamSiblings(n *node, seen map[int64]bool, out *[]int64) {
	for _, upID := range n.upstreams {
		up, ok := ix.nodes[upID]
		if !ok || seen[upID] {
			continue
		}
		seen[upID] = true
		*out = append(*out, upID)
		ix.walkChildren(up, func(child *node) {
			if !seen[child.id] {
				seen[child.id] = true
				*out = append(*out, child.id)
			}
		})
		ix.walkUpstreamSiblings(up, seen, out)
	}
}
