// Package dag answers ancestry, merge-base, and range queries over the
// commit graph. The index is a cache over the object store: it extends
// itself lazily through the facade and is never authoritative.
package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/facade"
)

// ErrUnknownObject indicates an id that could not be resolved through the
// facade. The graph view is likely stale; callers must not swallow this.
var ErrUnknownObject = errors.New("unknown object")

// Index is the ancestry query capability. Implementations are chosen at
// configuration time (see New); all of them must give identical answers.
type Index interface {
	// IsAncestor reports whether a is an ancestor of b (a == b counts).
	IsAncestor(ctx context.Context, a, b plumbing.Hash) (bool, error)

	// MergeBase returns a best common ancestor of the given commits, or
	// ok=false when their histories are unrelated.
	MergeBase(ctx context.Context, ids ...plumbing.Hash) (plumbing.Hash, bool, error)

	// Range returns the ancestors of heads that are not ancestors of any
	// exclude commit, topologically sorted with ancestors first. Ties are
	// broken by commit timestamp, then by id, so the order is reproducible.
	Range(ctx context.Context, heads, exclude []plumbing.Hash) ([]plumbing.Hash, error)

	// Extend pulls the ancestry of the given commits into the index. Other
	// queries call it implicitly; exposing it lets callers warm the cache.
	Extend(ctx context.Context, heads ...plumbing.Hash) error
}

// Engine names for New.
const (
	EngineLevel = "level" // generation-numbered index, default
	EngineWalk  = "walk"  // naive parent walk, no precomputed metadata
)

// New builds the index engine selected by name.
func New(engine string, objects facade.ObjectAccess) (Index, error) {
	switch engine {
	case EngineLevel, "":
		return NewLevelIndex(objects), nil
	case EngineWalk:
		return NewWalkIndex(objects), nil
	default:
		return nil, fmt.Errorf("unknown dag engine %q", engine)
	}
}

// node is the per-commit ancestry metadata kept by the engines.
type node struct {
	parents []plumbing.Hash
	when    int64 // author timestamp, for tie-breaking
	gen     int   // generation number; 0 until assigned (level engine only)
}

func fetchNode(objects facade.ObjectAccess, id plumbing.Hash) (*node, error) {
	c, err := objects.GetCommit(id)
	if err != nil {
		if errors.Is(err, facade.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id.String()[:7], ErrUnknownObject)
		}
		return nil, err
	}
	return &node{parents: c.Parents, when: c.Author.When.Unix()}, nil
}

// less orders (gen, when, id) ascending; used by the level engine's
// best-first walks.
func less(a, b *node, aID, bID plumbing.Hash) bool {
	if a.gen != b.gen {
		return a.gen < b.gen
	}
	if a.when != b.when {
		return a.when < b.when
	}
	return aID.String() < bID.String()
}

// sortRange orders the included commits ancestors-first with Kahn's
// algorithm, draining ready commits in (timestamp, id) order. Both engines
// share it so Range emits the same sequence regardless of engine choice.
// Caller holds the engine's read lock.
func sortRange(nodes map[plumbing.Hash]*node, included map[plumbing.Hash]bool) ([]plumbing.Hash, error) {
	blockers := make(map[plumbing.Hash]int)
	children := make(map[plumbing.Hash][]plumbing.Hash)
	for id := range included {
		for _, p := range nodes[id].parents {
			if included[p] {
				blockers[id]++
				children[p] = append(children[p], id)
			}
		}
	}

	var ready []plumbing.Hash
	for id := range included {
		if blockers[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]plumbing.Hash, 0, len(included))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			ni, nj := nodes[ready[i]], nodes[ready[j]]
			if ni.when != nj.when {
				return ni.when < nj.when
			}
			return ready[i].String() < ready[j].String()
		})
		cur := ready[0]
		ready = ready[1:]
		result = append(result, cur)
		for _, child := range children[cur] {
			blockers[child]--
			if blockers[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(result) != len(included) {
		// Impossible for an acyclic graph; indicates index corruption.
		return nil, facade.ErrInternalInconsistency
	}
	return result, nil
}
