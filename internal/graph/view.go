package graph

import (
	"context"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/dag"
)

// ViewNode is the read-only projection of one commit for the presentation
// layer.
type ViewNode struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parentId,omitempty"`
	Children  []string `json:"children,omitempty"`
	Message   string   `json:"message"`
	Author    string   `json:"author,omitempty"`
	Timestamp string   `json:"timestamp"`
	IsHead    bool     `json:"isHead"`
	IsMain    bool     `json:"isMain"`
	IsVisible bool     `json:"isVisible"`
	Branches  []string `json:"branches,omitempty"`
}

// View is the rendered tree: nodes in display order, topologically earlier
// subtrees first, plus the root ids that start each subtree.
type View struct {
	Roots []string   `json:"roots"`
	Nodes []ViewNode `json:"nodes"`
}

// Render projects a VisibleCommitSet into the presentation tree. Roots are
// ordered by merge-base topology, then timestamp, then id; children of a
// node are ordered the same way, so the output is reproducible.
func Render(ctx context.Context, index dag.Index, set *VisibleCommitSet) (*View, error) {
	branchesByTarget := make(map[plumbing.Hash][]string)
	for name, target := range set.Refs {
		branchesByTarget[target] = append(branchesByTarget[target], name)
	}
	for _, names := range branchesByTarget {
		sort.Strings(names)
	}

	var roots []plumbing.Hash
	for id, node := range set.Nodes {
		if node.Parent.IsZero() {
			roots = append(roots, id)
		}
	}
	if err := sortByTopology(ctx, index, set, roots); err != nil {
		return nil, err
	}

	view := &View{}
	for _, root := range roots {
		view.Roots = append(view.Roots, root.String())
		if err := appendSubtree(ctx, index, set, branchesByTarget, view, root); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func appendSubtree(ctx context.Context, index dag.Index, set *VisibleCommitSet, branches map[plumbing.Hash][]string, view *View, id plumbing.Hash) error {
	node := set.Nodes[id]
	vn := ViewNode{
		ID:        id.String(),
		Message:   node.Commit.Message,
		Author:    node.Commit.Author.Name,
		Timestamp: node.Commit.Author.When.Format(time.RFC3339),
		IsHead:    id == set.Head,
		IsMain:    node.IsMain,
		IsVisible: node.IsVisible,
		Branches:  branches[id],
	}
	if !node.Parent.IsZero() {
		vn.ParentID = node.Parent.String()
	}

	children := append([]plumbing.Hash(nil), node.Children...)
	if err := sortByTopology(ctx, index, set, children); err != nil {
		return err
	}
	for _, child := range children {
		vn.Children = append(vn.Children, child.String())
	}
	view.Nodes = append(view.Nodes, vn)

	for _, child := range children {
		if err := appendSubtree(ctx, index, set, branches, view, child); err != nil {
			return err
		}
	}
	return nil
}

// sortByTopology orders siblings so that an ancestor sorts before its
// descendant; unrelated commits fall back to timestamp, then id.
func sortByTopology(ctx context.Context, index dag.Index, set *VisibleCommitSet, ids []plumbing.Hash) error {
	var sortErr error
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if ok, err := index.IsAncestor(ctx, a, b); err == nil && ok && a != b {
			return true
		} else if err != nil {
			sortErr = err
		}
		if ok, err := index.IsAncestor(ctx, b, a); err == nil && ok {
			return false
		} else if err != nil {
			sortErr = err
		}
		na, nb := set.Nodes[a], set.Nodes[b]
		ta, tb := na.Commit.Author.When, nb.Commit.Author.When
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.String() < b.String()
	})
	return sortErr
}
