// Package graph derives the set of commits a user should currently see.
// The set is computed from the event log plus current refs and is never
// persisted as authoritative; recomputability from the log is what makes
// undo correct.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/dag"
	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
)

// Node is one visible (or hidden-but-anchoring) commit in the derived set.
type Node struct {
	Commit *facade.Commit

	// Parent is the nearest ancestor that is itself part of the set, zero
	// for roots. The object's real parents live in Commit.Parents.
	Parent   plumbing.Hash
	Children []plumbing.Hash

	IsMain    bool // on the main branch line
	IsVisible bool // false for abandoned commits kept only as anchors
}

// VisibleCommitSet is the derived working set as of some transaction.
type VisibleCommitSet struct {
	Nodes map[plumbing.Hash]*Node
	Head  plumbing.Hash
	Main  plumbing.Hash
	Refs  map[string]plumbing.Hash
}

// HorizonFunc bounds how far back ancestors of a head are included. It
// returns the boundary commit (itself included in the set) and whether a
// boundary applies. The default stops at the merge-base with main.
type HorizonFunc func(ctx context.Context, index dag.Index, head, main plumbing.Hash) (plumbing.Hash, bool, error)

// MergeBaseHorizon is the default horizon: ancestors are included down to
// the merge-base with the main branch, inclusive.
func MergeBaseHorizon(ctx context.Context, index dag.Index, head, main plumbing.Hash) (plumbing.Hash, bool, error) {
	if main.IsZero() {
		return plumbing.ZeroHash, false, nil
	}
	return indexMergeBase(ctx, index, head, main)
}

func indexMergeBase(ctx context.Context, index dag.Index, a, b plumbing.Hash) (plumbing.Hash, bool, error) {
	mb, ok, err := index.MergeBase(ctx, a, b)
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	return mb, ok, nil
}

// Builder assembles VisibleCommitSets from the log, the ancestry index, and
// current refs.
type Builder struct {
	objects facade.ObjectAccess
	index   dag.Index
	store   *eventlog.Store
	mainRef string
	horizon HorizonFunc
}

// NewBuilder wires a builder. mainRef is the full ref name of the main
// branch; horizon may be nil for the merge-base default.
func NewBuilder(objects facade.ObjectAccess, index dag.Index, store *eventlog.Store, mainRef string, horizon HorizonFunc) *Builder {
	if horizon == nil {
		horizon = MergeBaseHorizon
	}
	return &Builder{
		objects: objects,
		index:   index,
		store:   store,
		mainRef: mainRef,
		horizon: horizon,
	}
}

// VisibleCommits computes the working set as of the given transaction
// boundary (eventlog.Latest for the newest).
func (b *Builder) VisibleCommits(ctx context.Context, asOf uint64) (*VisibleCommitSet, error) {
	replayer, err := eventlog.FromStore(b.store)
	if err != nil {
		return nil, err
	}
	if asOf == eventlog.Latest {
		asOf = replayer.MaxTransaction()
	}

	refs := replayer.RefsAsOf(asOf)
	head := refs["HEAD"]
	delete(refs, "HEAD")

	// At the newest boundary the repository's own refs win over the fold:
	// an external mutation the hooks missed must still show up.
	if asOf == replayer.MaxTransaction() {
		current, err := b.objects.ListRefs()
		if err != nil {
			return nil, err
		}
		for name, target := range current {
			refs[name] = target
		}
		if h, err := b.objects.ReadRef("HEAD"); err == nil {
			head = h
		}
	}

	main := refs[b.mainRef]
	active := replayer.ActiveAsOf(asOf)

	heads := make(map[plumbing.Hash]bool)
	for _, target := range refs {
		heads[target] = true
	}
	if !head.IsZero() {
		heads[head] = true
	}
	for id, visible := range active {
		if visible {
			heads[id] = true
		}
	}

	set := &VisibleCommitSet{
		Nodes: make(map[plumbing.Hash]*Node),
		Head:  head,
		Main:  main,
		Refs:  refs,
	}

	for id := range heads {
		if err := b.collectFrom(ctx, set, id, main); err != nil {
			// A head the log knows about may have been garbage collected
			// externally; NotFound is propagated, not swallowed.
			return nil, err
		}
	}

	refTargets := make(map[plumbing.Hash]bool)
	for _, target := range refs {
		refTargets[target] = true
	}
	b.markVisibility(set, active, refTargets)
	b.prune(set)
	if err := b.link(set); err != nil {
		return nil, err
	}
	if err := b.markMain(ctx, set, main); err != nil {
		return nil, err
	}
	return set, nil
}

// collectFrom adds head and its ancestors up to the horizon boundary.
func (b *Builder) collectFrom(ctx context.Context, set *VisibleCommitSet, head, main plumbing.Hash) error {
	if _, ok := set.Nodes[head]; ok {
		return nil
	}

	boundary, bounded, err := b.horizon(ctx, b.index, head, main)
	if err != nil {
		if errors.Is(err, dag.ErrUnknownObject) {
			return fmt.Errorf("head %s: %w", head.String()[:7], err)
		}
		return err
	}

	var exclude []plumbing.Hash
	if bounded {
		exclude = append(exclude, boundary)
	}
	ids, err := b.index.Range(ctx, []plumbing.Hash{head}, exclude)
	if err != nil {
		return err
	}
	if bounded {
		ids = append(ids, boundary)
	}

	for _, id := range ids {
		if _, ok := set.Nodes[id]; ok {
			continue
		}
		commit, err := b.objects.GetCommit(id)
		if err != nil {
			return err
		}
		set.Nodes[id] = &Node{Commit: commit, IsVisible: true}
	}
	return nil
}

// markVisibility applies the log's abandoned/hidden verdicts. A surviving
// ref overrides a hide.
func (b *Builder) markVisibility(set *VisibleCommitSet, active map[plumbing.Hash]bool, refTargets map[plumbing.Hash]bool) {
	for id, node := range set.Nodes {
		visible, mentioned := active[id]
		if mentioned && !visible && !refTargets[id] {
			node.IsVisible = false
		}
	}
}

// prune drops hidden commits with no surviving descendants. Hidden commits
// that still anchor visible work stay in the set, flagged invisible.
func (b *Builder) prune(set *VisibleCommitSet) {
	hasKeptDescendant := make(map[plumbing.Hash]bool)
	for changed := true; changed; {
		changed = false
		for id, node := range set.Nodes {
			if node.IsVisible || hasKeptDescendant[id] || id == set.Head || id == set.Main {
				continue
			}
			keep := false
			for other, otherNode := range set.Nodes {
				if other == id {
					continue
				}
				if !otherNode.IsVisible && !hasKeptDescendant[other] {
					continue
				}
				if containsParent(otherNode.Commit.Parents, id) {
					keep = true
					break
				}
			}
			if keep {
				if !hasKeptDescendant[id] {
					hasKeptDescendant[id] = true
					changed = true
				}
				continue
			}
			delete(set.Nodes, id)
			changed = true
		}
	}
}

func containsParent(parents []plumbing.Hash, id plumbing.Hash) bool {
	for _, p := range parents {
		if p == id {
			return true
		}
	}
	return false
}

// link fills in the within-set parent and children edges. The nearest
// in-set ancestor is found by walking first parents through the facade.
func (b *Builder) link(set *VisibleCommitSet) error {
	for id, node := range set.Nodes {
		cur := node.Commit
		for len(cur.Parents) > 0 {
			parent := cur.Parents[0]
			if _, ok := set.Nodes[parent]; ok {
				node.Parent = parent
				set.Nodes[parent].Children = append(set.Nodes[parent].Children, id)
				break
			}
			next, err := b.objects.GetCommit(parent)
			if err != nil {
				if errors.Is(err, facade.ErrNotFound) {
					break // history beyond the horizon was collected away
				}
				return err
			}
			cur = next
		}
	}
	return nil
}

func (b *Builder) markMain(ctx context.Context, set *VisibleCommitSet, main plumbing.Hash) error {
	if main.IsZero() {
		return nil
	}
	for id, node := range set.Nodes {
		onMain, err := b.index.IsAncestor(ctx, id, main)
		if err != nil {
			return err
		}
		node.IsMain = onMain
	}
	return nil
}
