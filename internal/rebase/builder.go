package rebase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kurobon/restack/internal/dag"
	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
	"github.com/kurobon/restack/internal/graph"
)

// Options tune plan synthesis.
type Options struct {
	// KeepEmpty keeps commits that would become empty after reparenting
	// instead of emitting Skip.
	KeepEmpty bool
}

// Synthesizer computes transplant plans from the visible commit set and the
// ancestry index.
type Synthesizer struct {
	objects facade.ObjectAccess
	index   dag.Index
	builder *graph.Builder
}

// NewSynthesizer wires a synthesizer.
func NewSynthesizer(objects facade.ObjectAccess, index dag.Index, builder *graph.Builder) *Synthesizer {
	return &Synthesizer{objects: objects, index: index, builder: builder}
}

// Synthesize computes the ordered plan that transplants the subtree rooted
// at root onto dest. Ancestors come before descendants; sibling lineages
// keep their observed relative order.
func (s *Synthesizer) Synthesize(ctx context.Context, root, dest plumbing.Hash, opts Options) (*Plan, error) {
	set, err := s.builder.VisibleCommits(ctx, eventlog.Latest)
	if err != nil {
		return nil, err
	}
	if _, ok := set.Nodes[root]; !ok {
		return nil, fmt.Errorf("subtree root %s not in visible set: %w", short(root), facade.ErrNotFound)
	}
	destCommit, err := s.objects.GetCommit(dest)
	if err != nil {
		return nil, err
	}
	rootCommit := set.Nodes[root].Commit

	subtree := collectSubtree(set, root)
	ordered, err := s.topoOrder(ctx, subtree, rootCommit)
	if err != nil {
		return nil, err
	}

	empty := make(map[plumbing.Hash]bool)
	if !opts.KeepEmpty {
		if empty, err = s.detectEmpty(ctx, ordered, subtree, dest, destCommit.Tree); err != nil {
			return nil, err
		}
	}

	plan := &Plan{ID: uuid.NewString(), Root: root, Dest: dest}
	for _, id := range ordered {
		commit := set.Nodes[id].Commit
		parents, err := s.planParents(commit, root, dest, subtree)
		if err != nil {
			return nil, err
		}

		if len(commit.Parents) > 1 {
			plan.Commands = append(plan.Commands,
				Merge{Commit: id, Parents: parents, Mainline: 0},
				RegisterPostRewrite{Old: id})
			continue
		}
		if empty[id] {
			plan.Commands = append(plan.Commands, Skip{Commit: id, Parents: parents, Reason: SkipEmptyAfterRebase})
			continue
		}
		plan.Commands = append(plan.Commands,
			Pick{Commit: id, Parents: parents},
			RegisterPostRewrite{Old: id})
	}
	return plan, nil
}

// collectSubtree gathers root and its descendants within the visible set,
// following the set's child links.
func collectSubtree(set *graph.VisibleCommitSet, root plumbing.Hash) map[plumbing.Hash]bool {
	subtree := make(map[plumbing.Hash]bool)
	stack := []plumbing.Hash{root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if subtree[cur] {
			continue
		}
		subtree[cur] = true
		stack = append(stack, set.Nodes[cur].Children...)
	}
	return subtree
}

// topoOrder orders the subtree ancestors-first using the index's
// deterministic range ordering, restricted to subtree members.
func (s *Synthesizer) topoOrder(ctx context.Context, subtree map[plumbing.Hash]bool, rootCommit *facade.Commit) ([]plumbing.Hash, error) {
	heads := make([]plumbing.Hash, 0, len(subtree))
	for id := range subtree {
		heads = append(heads, id)
	}
	ranged, err := s.index.Range(ctx, heads, rootCommit.Parents)
	if err != nil {
		return nil, err
	}

	ordered := make([]plumbing.Hash, 0, len(subtree))
	for _, id := range ranged {
		if subtree[id] {
			ordered = append(ordered, id)
		}
	}
	if len(ordered) != len(subtree) {
		// Range dropped a member it should have ordered; the index
		// produced an impossible topology.
		return nil, fmt.Errorf("%w: %w", ErrCycleDetected, facade.ErrInternalInconsistency)
	}
	return ordered, nil
}

// planParents maps a commit's parents into the plan's coordinate space:
// the root reparents onto dest, in-subtree parents stay as old ids for the
// executor to resolve, and external parents are kept verbatim after
// checking they resolve at all.
func (s *Synthesizer) planParents(commit *facade.Commit, root, dest plumbing.Hash, subtree map[plumbing.Hash]bool) ([]plumbing.Hash, error) {
	if commit.ID == root {
		if len(commit.Parents) <= 1 {
			return []plumbing.Hash{dest}, nil
		}
		parents := append([]plumbing.Hash(nil), commit.Parents...)
		parents[0] = dest
		return parents, nil
	}

	parents := make([]plumbing.Hash, len(commit.Parents))
	for i, p := range commit.Parents {
		parents[i] = p
		if subtree[p] {
			continue
		}
		if _, err := s.objects.GetCommit(p); err != nil {
			if errors.Is(err, facade.ErrNotFound) {
				return nil, fmt.Errorf("commit %s parent %s: %w", short(commit.ID), short(p), ErrUnresolvedParent)
			}
			return nil, err
		}
	}
	return parents, nil
}

// detectEmpty prechecks which non-merge commits carry no change relative to
// the destination tree. Checks are independent per commit once the order is
// fixed, so they run in parallel ahead of sequential emission.
func (s *Synthesizer) detectEmpty(ctx context.Context, ordered []plumbing.Hash, subtree map[plumbing.Hash]bool, dest, destTree plumbing.Hash) (map[plumbing.Hash]bool, error) {
	var mu sync.Mutex
	empty := make(map[plumbing.Hash]bool)

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ordered {
		id := id
		commit, err := s.objects.GetCommit(id)
		if err != nil {
			return nil, err
		}
		if len(commit.Parents) > 1 {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tree, err := s.objects.RebaseTree(id, dest)
			if err != nil {
				if errors.Is(err, facade.ErrContentConflict) {
					return nil // not empty; the executor will deal with it
				}
				return err
			}
			if tree == destTree {
				mu.Lock()
				empty[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return empty, nil
}
