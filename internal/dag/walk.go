package dag

import (
	"context"
	"sort"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/facade"
)

// WalkIndex answers queries by walking parent edges directly, caching only
// the edges themselves. Slower than LevelIndex on deep histories, but has no
// metadata to keep consistent; useful as a cross-check engine.
type WalkIndex struct {
	objects facade.ObjectAccess

	mu    sync.RWMutex
	nodes map[plumbing.Hash]*node
}

// NewWalkIndex builds an empty walk engine over the given object access.
func NewWalkIndex(objects facade.ObjectAccess) *WalkIndex {
	return &WalkIndex{
		objects: objects,
		nodes:   make(map[plumbing.Hash]*node),
	}
}

func (x *WalkIndex) Extend(ctx context.Context, heads ...plumbing.Hash) error {
	queue := append([]plumbing.Hash(nil), heads...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]
		if id.IsZero() {
			continue
		}

		x.mu.RLock()
		_, ok := x.nodes[id]
		x.mu.RUnlock()
		if ok {
			continue
		}

		n, err := fetchNode(x.objects, id)
		if err != nil {
			return err
		}
		x.mu.Lock()
		x.nodes[id] = n
		x.mu.Unlock()
		queue = append(queue, n.parents...)
	}
	return nil
}

func (x *WalkIndex) IsAncestor(ctx context.Context, a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	if err := x.Extend(ctx, a, b); err != nil {
		return false, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ancestors(b)[a], nil
}

func (x *WalkIndex) MergeBase(ctx context.Context, ids ...plumbing.Hash) (plumbing.Hash, bool, error) {
	if len(ids) == 0 {
		return plumbing.ZeroHash, false, nil
	}
	if err := x.Extend(ctx, ids...); err != nil {
		return plumbing.ZeroHash, false, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	// Closures include the commit itself: merge-base(a, b) is a when a is
	// an ancestor of b.
	common := x.ancestors(ids[0])
	common[ids[0]] = true
	for _, other := range ids[1:] {
		next := x.ancestors(other)
		next[other] = true
		for id := range common {
			if !next[id] {
				delete(common, id)
			}
		}
	}
	if len(common) == 0 {
		return plumbing.ZeroHash, false, nil
	}

	// The merge base is a common ancestor not reachable from any other
	// common ancestor; among several, pick deterministically.
	var candidates []plumbing.Hash
	for id := range common {
		dominated := false
		for other := range common {
			if other != id && x.reachableWithin(common, other, id) {
				dominated = true
				break
			}
		}
		if !dominated {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ni, nj := x.nodes[candidates[i]], x.nodes[candidates[j]]
		if ni.when != nj.when {
			return ni.when > nj.when
		}
		return candidates[i].String() < candidates[j].String()
	})
	return candidates[0], true, nil
}

// reachableWithin reports whether target is a proper ancestor of from,
// walking only through the given set. Caller holds the read lock.
func (x *WalkIndex) reachableWithin(set map[plumbing.Hash]bool, from, target plumbing.Hash) bool {
	seen := make(map[plumbing.Hash]bool)
	stack := []plumbing.Hash{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		n, ok := x.nodes[cur]
		if !ok {
			continue
		}
		for _, p := range n.parents {
			if p == target {
				return true
			}
			if set[p] {
				stack = append(stack, p)
			}
		}
	}
	return false
}

func (x *WalkIndex) Range(ctx context.Context, heads, exclude []plumbing.Hash) ([]plumbing.Hash, error) {
	all := append(append([]plumbing.Hash(nil), heads...), exclude...)
	if err := x.Extend(ctx, all...); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	excluded := make(map[plumbing.Hash]bool)
	for _, e := range exclude {
		for id := range x.ancestors(e) {
			excluded[id] = true
		}
		excluded[e] = true
	}

	included := make(map[plumbing.Hash]bool)
	for _, h := range heads {
		if h.IsZero() || excluded[h] {
			continue
		}
		included[h] = true
		for id := range x.ancestors(h) {
			if !excluded[id] {
				included[id] = true
			}
		}
	}

	return sortRange(x.nodes, included)
}

// ancestors returns the proper-ancestor closure of id. Caller holds the
// read lock.
func (x *WalkIndex) ancestors(id plumbing.Hash) map[plumbing.Hash]bool {
	set := make(map[plumbing.Hash]bool)
	n, ok := x.nodes[id]
	if !ok {
		return set
	}
	stack := append([]plumbing.Hash(nil), n.parents...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if set[cur] {
			continue
		}
		set[cur] = true
		if cn, ok := x.nodes[cur]; ok {
			stack = append(stack, cn.parents...)
		}
	}
	return set
}
