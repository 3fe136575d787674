package dag

import (
	"container/heap"
	"context"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/kurobon/restack/internal/facade"
)

// LevelIndex keeps a generation number per commit (roots are generation 1,
// every other commit is one more than its highest parent). Ancestry walks
// prune on generation, so queries never scan the whole graph.
type LevelIndex struct {
	objects facade.ObjectAccess

	mu    sync.RWMutex
	nodes map[plumbing.Hash]*node
}

// NewLevelIndex builds an empty index over the given object access.
func NewLevelIndex(objects facade.ObjectAccess) *LevelIndex {
	return &LevelIndex{
		objects: objects,
		nodes:   make(map[plumbing.Hash]*node),
	}
}

// Extend walks the ancestry of each head down to commits already indexed
// (or to the roots), then assigns generation numbers bottom-up. Disjoint
// heads are fetched in parallel; fetching is the expensive part.
func (x *LevelIndex) Extend(ctx context.Context, heads ...plumbing.Hash) error {
	pending := x.missingHeads(heads)
	if len(pending) == 0 {
		return nil
	}

	var fetchMu sync.Mutex
	fetched := make(map[plumbing.Hash]*node)

	g, ctx := errgroup.WithContext(ctx)
	for _, head := range pending {
		head := head
		g.Go(func() error {
			return x.fetchAncestry(ctx, head, &fetchMu, fetched)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for id, n := range fetched {
		if _, ok := x.nodes[id]; !ok {
			x.nodes[id] = n
		}
	}
	x.assignGenerations(fetched)
	return nil
}

func (x *LevelIndex) missingHeads(heads []plumbing.Hash) []plumbing.Hash {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var pending []plumbing.Hash
	for _, h := range heads {
		if h.IsZero() {
			continue
		}
		if _, ok := x.nodes[h]; !ok {
			pending = append(pending, h)
		}
	}
	return pending
}

func (x *LevelIndex) fetchAncestry(ctx context.Context, head plumbing.Hash, fetchMu *sync.Mutex, fetched map[plumbing.Hash]*node) error {
	queue := []plumbing.Hash{head}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]

		if x.known(id) {
			continue
		}
		fetchMu.Lock()
		_, seen := fetched[id]
		fetchMu.Unlock()
		if seen {
			continue
		}

		n, err := fetchNode(x.objects, id)
		if err != nil {
			return err
		}
		fetchMu.Lock()
		fetched[id] = n
		fetchMu.Unlock()
		queue = append(queue, n.parents...)
	}
	return nil
}

func (x *LevelIndex) known(id plumbing.Hash) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.nodes[id]
	return ok
}

// assignGenerations resolves generation numbers for newly added nodes with
// an explicit stack; histories can be deep enough that recursion is unsafe.
// Caller holds the write lock.
func (x *LevelIndex) assignGenerations(added map[plumbing.Hash]*node) {
	for id := range added {
		if x.nodes[id].gen != 0 {
			continue
		}
		stack := []plumbing.Hash{id}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			n := x.nodes[cur]
			maxParent := 0
			ready := true
			for _, p := range n.parents {
				pn, ok := x.nodes[p]
				if !ok || pn.gen == 0 {
					ready = false
					if ok {
						stack = append(stack, p)
					}
					continue
				}
				if pn.gen > maxParent {
					maxParent = pn.gen
				}
			}
			if ready {
				n.gen = maxParent + 1
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func (x *LevelIndex) IsAncestor(ctx context.Context, a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	if err := x.Extend(ctx, a, b); err != nil {
		return false, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	target, ok := x.nodes[a]
	if !ok {
		return false, nil
	}

	seen := map[plumbing.Hash]bool{b: true}
	stack := []plumbing.Hash{b}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == a {
			return true, nil
		}
		n, ok := x.nodes[cur]
		if !ok {
			continue
		}
		// A commit can only contain a as an ancestor if its generation is
		// strictly higher.
		if n.gen <= target.gen && cur != a {
			continue
		}
		for _, p := range n.parents {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false, nil
}

func (x *LevelIndex) MergeBase(ctx context.Context, ids ...plumbing.Hash) (plumbing.Hash, bool, error) {
	if len(ids) == 0 {
		return plumbing.ZeroHash, false, nil
	}
	if err := x.Extend(ctx, ids...); err != nil {
		return plumbing.ZeroHash, false, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	base := ids[0]
	for _, other := range ids[1:] {
		mb, ok := x.pairMergeBase(base, other)
		if !ok {
			return plumbing.ZeroHash, false, nil
		}
		base = mb
	}
	return base, true, nil
}

// pairMergeBase walks from b downward in generation order and returns the
// first ancestor of b that is also an ancestor of a. Caller holds the read
// lock.
func (x *LevelIndex) pairMergeBase(a, b plumbing.Hash) (plumbing.Hash, bool) {
	ancestorsOfA := make(map[plumbing.Hash]bool)
	stack := []plumbing.Hash{a}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ancestorsOfA[cur] {
			continue
		}
		ancestorsOfA[cur] = true
		if n, ok := x.nodes[cur]; ok {
			stack = append(stack, n.parents...)
		}
	}

	h := &genHeap{index: x}
	heap.Init(h)
	heap.Push(h, b)
	seen := map[plumbing.Hash]bool{b: true}
	for h.Len() > 0 {
		cur := heap.Pop(h).(plumbing.Hash)
		if ancestorsOfA[cur] {
			return cur, true
		}
		if n, ok := x.nodes[cur]; ok {
			for _, p := range n.parents {
				if !seen[p] {
					seen[p] = true
					heap.Push(h, p)
				}
			}
		}
	}
	return plumbing.ZeroHash, false
}

func (x *LevelIndex) Range(ctx context.Context, heads, exclude []plumbing.Hash) ([]plumbing.Hash, error) {
	all := append(append([]plumbing.Hash(nil), heads...), exclude...)
	if err := x.Extend(ctx, all...); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	excluded := x.collectAncestors(exclude)
	included := x.collectAncestors(heads)
	for id := range excluded {
		delete(included, id)
	}
	return sortRange(x.nodes, included)
}

// collectAncestors returns the closure of the given commits over parent
// edges, themselves included. Caller holds the read lock.
func (x *LevelIndex) collectAncestors(from []plumbing.Hash) map[plumbing.Hash]bool {
	set := make(map[plumbing.Hash]bool)
	stack := append([]plumbing.Hash(nil), from...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.IsZero() || set[cur] {
			continue
		}
		n, ok := x.nodes[cur]
		if !ok {
			continue
		}
		set[cur] = true
		stack = append(stack, n.parents...)
	}
	return set
}

// genHeap pops the highest-generation commit first, breaking ties by
// timestamp and id so walks are deterministic.
type genHeap struct {
	index *LevelIndex
	items []plumbing.Hash
}

func (h *genHeap) Len() int { return len(h.items) }

func (h *genHeap) Less(i, j int) bool {
	a, b := h.index.nodes[h.items[i]], h.index.nodes[h.items[j]]
	return less(b, a, h.items[j], h.items[i]) // reversed: max-heap
}

func (h *genHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *genHeap) Push(v interface{}) { h.items = append(h.items, v.(plumbing.Hash)) }

func (h *genHeap) Pop() interface{} {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}
