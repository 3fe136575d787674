// Package engine ties the object store, the event log, and the rebase
// machinery together behind one concurrency-safe handle.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/dag"
	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
	"github.com/kurobon/restack/internal/graph"
	"github.com/kurobon/restack/internal/rebase"
)

// Options configure a new Engine.
type Options struct {
	// MainBranch is the short name of the mainline branch ("main" when empty).
	MainBranch string
	// DagEngine selects the ancestry index ("level" when empty).
	DagEngine string
	// Horizon overrides the default visibility boundary.
	Horizon graph.HorizonFunc
}

// MoveOptions configure a Move call.
type MoveOptions struct {
	// ResolveBase rebases the whole stack containing the source commit
	// instead of just the source's own subtree.
	ResolveBase bool
	// KeepEmpty keeps commits whose changes already exist at the destination.
	KeepEmpty bool
}

// Engine coordinates all mutations of one repository. Reads take the read
// lock; anything that appends to the event log or moves refs takes the
// write lock, so observers never see a half-recorded operation.
type Engine struct {
	objects facade.ObjectAccess
	store   *eventlog.Store
	index   dag.Index
	builder *graph.Builder
	synth   *rebase.Synthesizer
	exec    *rebase.Executor
	mainRef string
	now     func() time.Time
	mu      sync.RWMutex
}

// New builds an Engine over an object store and an opened event log.
func New(objects facade.ObjectAccess, store *eventlog.Store, opts Options) (*Engine, error) {
	main := opts.MainBranch
	if main == "" {
		main = "main"
	}
	name := opts.DagEngine
	if name == "" {
		name = dag.EngineLevel
	}
	index, err := dag.New(name, objects)
	if err != nil {
		return nil, err
	}
	mainRef := "refs/heads/" + main
	builder := graph.NewBuilder(objects, index, store, mainRef, opts.Horizon)
	return &Engine{
		objects: objects,
		store:   store,
		index:   index,
		builder: builder,
		synth:   rebase.NewSynthesizer(objects, index, builder),
		exec:    rebase.NewExecutor(objects, store),
		mainRef: mainRef,
		now:     time.Now,
	}, nil
}

// MainRef returns the full name of the mainline branch ref.
func (e *Engine) MainRef() string {
	return e.mainRef
}

// Observe records an externally performed mutation, one event in its own
// transaction. Hooks and the ref watcher feed the log through here.
func (e *Engine) Observe(kind eventlog.Kind, ref string, old, new plumbing.Hash) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var ev eventlog.Event
	switch kind {
	case eventlog.KindRefUpdate:
		ev = eventlog.RefUpdate(ref, old, new, now)
	case eventlog.KindCheckout:
		ev = eventlog.Checkout(old, new, now)
	case eventlog.KindCommitCreate:
		ev = eventlog.CommitCreate(new, now)
	default:
		return 0, fmt.Errorf("observe: unsupported event kind %q", kind)
	}

	txID, err := e.store.BeginTransaction(now, "observe "+string(kind))
	if err != nil {
		return 0, err
	}
	if _, err := e.store.Append(txID, []eventlog.Event{ev}); err != nil {
		return 0, err
	}
	return txID, nil
}

// View renders the commit graph as of the given transaction boundary.
// Pass eventlog.Latest for the current state.
func (e *Engine) View(ctx context.Context, asOf uint64) (*graph.View, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set, err := e.builder.VisibleCommits(ctx, asOf)
	if err != nil {
		return nil, err
	}
	return graph.Render(ctx, e.index, set)
}

// Hide marks commits (and with recursive, their visible descendants) as
// abandoned. Hiding never deletes objects; it only changes visibility.
func (e *Engine) Hide(ctx context.Context, ids []plumbing.Hash, recursive bool) (uint64, error) {
	return e.setVisibility(ctx, ids, recursive, false)
}

// Unhide restores previously hidden commits.
func (e *Engine) Unhide(ctx context.Context, ids []plumbing.Hash, recursive bool) (uint64, error) {
	return e.setVisibility(ctx, ids, recursive, true)
}

func (e *Engine) setVisibility(ctx context.Context, ids []plumbing.Hash, recursive, visible bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		if _, err := e.objects.GetCommit(id); err != nil {
			return 0, fmt.Errorf("resolve %s: %w", id, err)
		}
	}
	targets := ids
	if recursive {
		set, err := e.builder.VisibleCommits(ctx, eventlog.Latest)
		if err != nil {
			return 0, err
		}
		targets = expandDescendants(set, ids)
	}

	now := e.now()
	verb := "hide"
	if visible {
		verb = "unhide"
	}
	txID, err := e.store.BeginTransaction(now, fmt.Sprintf("%s %d commits", verb, len(targets)))
	if err != nil {
		return 0, err
	}
	events := make([]eventlog.Event, 0, len(targets))
	for _, id := range targets {
		if visible {
			events = append(events, eventlog.Unhide(id, now))
		} else {
			events = append(events, eventlog.Hide(id, now))
		}
	}
	if _, err := e.store.Append(txID, events); err != nil {
		return 0, err
	}
	return txID, nil
}

// expandDescendants widens the target list to every commit reachable through
// child links in the current set. Order is deterministic: the requested
// commits first, then discovered descendants sorted by id.
func expandDescendants(set *graph.VisibleCommitSet, ids []plumbing.Hash) []plumbing.Hash {
	seen := make(map[plumbing.Hash]bool, len(ids))
	out := make([]plumbing.Hash, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	var extra []plumbing.Hash
	queue := append([]plumbing.Hash(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, ok := set.Nodes[id]
		if !ok {
			continue
		}
		for _, child := range node.Children {
			if seen[child] {
				continue
			}
			seen[child] = true
			extra = append(extra, child)
			queue = append(queue, child)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].String() < extra[j].String() })
	return append(out, extra...)
}

// Undo reverts the most recent transaction by applying its inverse ref
// effects and appending a compensating transaction. Returns the id of the
// compensation.
func (e *Engine) Undo(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	plan, err := e.store.PlanUndo(now)
	if err != nil {
		return 0, err
	}
	if err := e.applyRefEffects(plan.Events); err != nil {
		return 0, err
	}
	return e.store.CommitCompensation(plan, now, fmt.Sprintf("undo %d", plan.Target.ID))
}

// Redo reverts the most recent compensation, restoring the undone state.
func (e *Engine) Redo(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	plan, err := e.store.PlanRedo(now)
	if err != nil {
		return 0, err
	}
	if err := e.applyRefEffects(plan.Events); err != nil {
		return 0, err
	}
	return e.store.CommitCompensation(plan, now, fmt.Sprintf("redo %d", plan.Target.ID))
}

// applyRefEffects moves refs to match the net effect of the compensating
// events. HEAD failures are tolerated: a symbolic HEAD cannot be compared
// against a plain hash, and visibility history stays correct either way.
func (e *Engine) applyRefEffects(events []eventlog.Event) error {
	effects := eventlog.NetRefEffect(events)
	names := make([]string, 0, len(effects))
	for name := range effects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		from := plumbing.NewHash(effects[name][0])
		to := plumbing.NewHash(effects[name][1])
		if from == to {
			continue
		}
		if err := e.objects.WriteRef(name, from, to); err != nil {
			if name == "HEAD" {
				log.Printf("undo: skip HEAD update: %v", err)
				continue
			}
			return fmt.Errorf("restore ref %s: %w", name, err)
		}
	}
	return nil
}

// Move rebases the subtree rooted at source onto dest. The returned result
// carries the plan id; a paused result can be continued with Resume.
func (e *Engine) Move(ctx context.Context, source, dest plumbing.Hash, opts MoveOptions) (*rebase.Result, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	root := source
	if opts.ResolveBase {
		resolved, err := e.resolveBase(ctx, source)
		if err != nil {
			return nil, "", err
		}
		root = resolved
	}
	plan, err := e.synth.Synthesize(ctx, root, dest, rebase.Options{KeepEmpty: opts.KeepEmpty})
	if err != nil {
		return nil, "", err
	}
	if err := e.exec.SavePlan(plan); err != nil {
		return nil, "", err
	}
	result, err := e.exec.Execute(ctx, plan, nil)
	if err != nil {
		return nil, plan.ID, err
	}
	return result, plan.ID, nil
}

// resolveBase walks first parents from the commit down to the main line,
// yielding the bottom of the stack. A commit already on main is its own
// base; the walk stops as soon as the next parent is on main.
func (e *Engine) resolveBase(ctx context.Context, id plumbing.Hash) (plumbing.Hash, error) {
	main, err := e.objects.ReadRef(e.mainRef)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read %s: %w", e.mainRef, err)
	}
	if err := e.index.Extend(ctx, id, main); err != nil {
		return plumbing.ZeroHash, err
	}
	onMain, err := e.index.IsAncestor(ctx, id, main)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if onMain {
		return id, nil
	}

	current := id
	for {
		commit, err := e.objects.GetCommit(current)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if len(commit.Parents) == 0 {
			return current, nil
		}
		parent := commit.Parents[0]
		parentOnMain, err := e.index.IsAncestor(ctx, parent, main)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if parentOnMain {
			return current, nil
		}
		current = parent
	}
}

// Resume continues a paused plan, optionally supplying conflict resolutions
// as commit hex to resolved tree hex.
func (e *Engine) Resume(ctx context.Context, planID string, resolutions map[string]string) (*rebase.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := e.exec.LoadPlan(planID)
	if err != nil {
		return nil, err
	}
	cursor, err := e.exec.LoadCursor(planID)
	if err != nil {
		return nil, err
	}
	if cursor.Resolutions == nil {
		cursor.Resolutions = make(map[string]string)
	}
	for commit, tree := range resolutions {
		cursor.Resolutions[commit] = tree
	}
	return e.exec.Execute(ctx, plan, cursor)
}

// Abort discards a paused plan. Already-created commits stay in the object
// store but no refs were moved, so the repository is unchanged.
func (e *Engine) Abort(planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Abort(planID)
}

// Transactions lists the recorded history, oldest first.
func (e *Engine) Transactions() ([]eventlog.Transaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Transactions()
}
