package rebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
)

// Executor applies a plan one command at a time. Steps are strictly
// sequential: each step's base tree depends on the previous step's result.
// A content conflict persists the cursor and pauses; everything already
// applied stays applied.
type Executor struct {
	objects facade.ObjectAccess
	store   *eventlog.Store
	now     func() time.Time
}

// NewExecutor wires an executor over the given object access and event log.
func NewExecutor(objects facade.ObjectAccess, store *eventlog.Store) *Executor {
	return &Executor{objects: objects, store: store, now: time.Now}
}

// Execute runs the plan from the cursor's position (a nil cursor starts
// fresh). On completion it records one transaction: CommitRewrite events
// for every mapping entry first, ref updates last, so a crash can never
// leave a ref pointing at a commit not recorded as rewritten.
func (e *Executor) Execute(ctx context.Context, plan *Plan, cursor *Cursor) (*Result, error) {
	if cursor == nil {
		cursor = NewCursor(plan)
	} else if cursor.PlanID != plan.ID {
		return nil, fmt.Errorf("cursor belongs to plan %s, not %s: %w", cursor.PlanID, plan.ID, facade.ErrInternalInconsistency)
	}

	for cursor.Next < len(plan.Commands) {
		if err := ctx.Err(); err != nil {
			// Cancellation lands between commands; no command is ever
			// half-applied.
			return nil, err
		}

		cmd := plan.Commands[cursor.Next]
		switch c := cmd.(type) {
		case Pick:
			outcome, err := e.applyStep(c.Commit, c.Parents, cursor)
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				return outcome, nil
			}
		case Merge:
			outcome, err := e.applyStep(c.Commit, c.Parents, cursor)
			if err != nil {
				return nil, err
			}
			if outcome != nil {
				return outcome, nil
			}
		case Skip:
			// No facade interaction; descendants chain through the
			// resolved planned parent.
			if len(c.Parents) > 0 {
				cursor.rewrite(c.Commit, cursor.resolve(c.Parents[0]))
			}
		case RegisterPostRewrite:
			if _, ok := cursor.Rewritten[c.Old.String()]; !ok {
				return nil, fmt.Errorf("register-post-rewrite before rewrite of %s: %w", short(c.Old), facade.ErrInternalInconsistency)
			}
		}

		cursor.Next++
		if err := e.persistCursor(cursor); err != nil {
			return nil, err
		}
	}

	result, err := e.finish(plan, cursor)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SavePlan persists the plan itself so a paused execution can be resumed by a
// later process.
func (e *Executor) SavePlan(plan *Plan) error {
	raw, err := EncodePlan(plan)
	if err != nil {
		return err
	}
	return e.store.PutCursor("plan:"+plan.ID, raw)
}

// LoadPlan restores a plan saved by SavePlan.
func (e *Executor) LoadPlan(planID string) (*Plan, error) {
	raw, err := e.store.GetCursor("plan:" + planID)
	if err != nil {
		return nil, err
	}
	return DecodePlan(raw)
}

// LoadCursor restores a persisted cursor for a paused plan.
func (e *Executor) LoadCursor(planID string) (*Cursor, error) {
	raw, err := e.store.GetCursor(planID)
	if err != nil {
		return nil, err
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, fmt.Errorf("decode cursor %s: %w", planID, err)
	}
	return &cursor, nil
}

// Abort discards a paused plan's cursor. The repository stays in the last
// fully-applied state.
func (e *Executor) Abort(planID string) error {
	if err := e.store.DeleteCursor("plan:" + planID); err != nil {
		return err
	}
	return e.store.DeleteCursor(planID)
}

// applyStep rebases one commit onto its resolved parents and records the
// rewrite in the cursor. A non-nil Result means the step did not advance
// (paused or failed); a non-nil error is an infrastructure failure.
func (e *Executor) applyStep(id plumbing.Hash, parents []plumbing.Hash, cursor *Cursor) (*Result, error) {
	resolved := make([]plumbing.Hash, len(parents))
	for i, p := range parents {
		resolved[i] = cursor.resolve(p)
	}

	tree, err := e.rebasedTree(id, resolved[0], cursor)
	if errors.Is(err, facade.ErrContentConflict) {
		if perr := e.persistCursor(cursor); perr != nil {
			return nil, perr
		}
		log.Printf("rebase paused: conflict at %s", short(id))
		return &Result{Status: StatusPaused, Conflict: id, Cursor: cursor}, nil
	}
	if err != nil {
		return e.failed(cursor, err), nil
	}

	commit, err := e.objects.GetCommit(id)
	if err != nil {
		return e.failed(cursor, err), nil
	}
	newID, err := e.objects.CreateCommit(tree, resolved, facade.CommitMetadata{
		Author:  commit.Author,
		Message: commit.Message,
	})
	if err != nil {
		return e.failed(cursor, err), nil
	}
	cursor.rewrite(id, newID)
	delete(cursor.Resolutions, id.String())
	return nil, nil
}

func (e *Executor) rebasedTree(id, newBase plumbing.Hash, cursor *Cursor) (plumbing.Hash, error) {
	if resolved, ok := cursor.Resolutions[id.String()]; ok {
		return plumbing.NewHash(resolved), nil
	}
	return e.objects.RebaseTree(id, newBase)
}

func (e *Executor) failed(cursor *Cursor, err error) *Result {
	// Cursor stays valid for a later retry of the same step.
	if perr := e.persistCursor(cursor); perr != nil {
		log.Printf("persist cursor: %v", perr)
	}
	return &Result{Status: StatusFailed, Cursor: cursor, Err: err}
}

func (e *Executor) persistCursor(cursor *Cursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return e.store.PutCursor(cursor.PlanID, raw)
}

// finish moves refs off rewritten commits and records the whole outcome as
// one event transaction.
func (e *Executor) finish(plan *Plan, cursor *Cursor) (*Result, error) {
	now := e.now()
	mapping := cursor.Mapping()

	txID, err := e.store.BeginTransaction(now, "rebase "+short(plan.Root))
	if err != nil {
		return nil, err
	}

	var events []eventlog.Event
	olds := make([]plumbing.Hash, 0, len(mapping))
	for old := range mapping {
		olds = append(olds, old)
	}
	sort.Slice(olds, func(i, j int) bool { return olds[i].String() < olds[j].String() })
	for _, old := range olds {
		events = append(events, eventlog.CommitRewrite(old, mapping[old], now))
	}

	refs, err := e.objects.ListRefs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		old := refs[name]
		moved, ok := mapping[old]
		if !ok {
			continue
		}
		if err := e.objects.WriteRef(name, old, moved); err != nil {
			return nil, fmt.Errorf("move ref %s: %w", name, err)
		}
		// Ref updates must be the last events of the transaction.
		events = append(events, eventlog.RefUpdate(name, old, moved, now))
	}

	if _, err := e.store.Append(txID, events); err != nil {
		return nil, err
	}
	if err := e.store.DeleteCursor(plan.ID); err != nil {
		log.Printf("drop cursor %s: %v", plan.ID, err)
	}
	if err := e.store.DeleteCursor("plan:" + plan.ID); err != nil {
		log.Printf("drop plan %s: %v", plan.ID, err)
	}
	return &Result{Status: StatusCompleted, Rewritten: mapping, Cursor: cursor}, nil
}
