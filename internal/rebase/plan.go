// Package rebase computes and executes transplant plans: the minimal
// ordered sequence of operations that moves a subtree of commits onto new
// parents while preserving merge topology.
package rebase

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrCycleDetected indicates the ancestry index produced a cyclic
	// ordering. Unreachable for a well-formed DAG; reported as corruption,
	// never repaired silently.
	ErrCycleDetected = errors.New("cycle detected in commit graph")

	// ErrUnresolvedParent indicates a commit references a parent outside
	// both the plan and the resolvable object store.
	ErrUnresolvedParent = errors.New("unresolved parent")
)

// SkipReason explains why a commit is dropped from the transplant.
type SkipReason string

// SkipEmptyAfterRebase marks commits whose change set is already contained
// in the new base.
const SkipEmptyAfterRebase SkipReason = "EmptyAfterRebase"

// Command is one step of a plan. The variants are closed: Pick, Skip,
// Merge, RegisterPostRewrite.
type Command interface {
	fmt.Stringer
	isCommand()
}

// Pick replays one non-merge commit onto new parents. Parent entries that
// name commits rewritten earlier in the plan are resolved through the
// cursor's old→new mapping at execution time.
type Pick struct {
	Commit  plumbing.Hash
	Parents []plumbing.Hash
}

func (p Pick) isCommand() {}

func (p Pick) String() string {
	return fmt.Sprintf("pick %s", short(p.Commit))
}

// Skip drops a commit; its descendants reparent onto the resolved form of
// its planned first parent, so skipping a subtree root still lands its
// children on the destination.
type Skip struct {
	Commit  plumbing.Hash
	Parents []plumbing.Hash
	Reason  SkipReason
}

func (s Skip) isCommand() {}

func (s Skip) String() string {
	return fmt.Sprintf("skip %s (%s)", short(s.Commit), s.Reason)
}

// Merge replays a merge commit. Mainline indexes the parent whose tree the
// transplanted changes are computed against; non-mainline parents outside
// the plan are external merge sources and stay as-is.
type Merge struct {
	Commit   plumbing.Hash
	Parents  []plumbing.Hash
	Mainline int
}

func (m Merge) isCommand() {}

func (m Merge) String() string {
	return fmt.Sprintf("merge %s", short(m.Commit))
}

// RegisterPostRewrite publishes the old→new mapping of the preceding
// Pick/Merge for downstream consumers (ref updates, CommitRewrite events).
type RegisterPostRewrite struct {
	Old plumbing.Hash
}

func (r RegisterPostRewrite) isCommand() {}

func (r RegisterPostRewrite) String() string {
	return fmt.Sprintf("register-post-rewrite %s", short(r.Old))
}

// Plan is an ordered command sequence. The synthesizer owns it until it is
// handed to the executor.
type Plan struct {
	ID       string
	Root     plumbing.Hash
	Dest     plumbing.Hash
	Commands []Command
}

// Cursor is the executor's resumable position: the next command index and
// the realized old→new mapping so far. Hashes are hex so the cursor
// round-trips through JSON into the store's cursors bucket.
type Cursor struct {
	PlanID    string            `json:"planId"`
	Next      int               `json:"next"`
	Rewritten map[string]string `json:"rewritten"`
	// Resolutions maps a conflicting commit to an externally resolved tree
	// id; consulted on resume instead of recomputing the rebased tree.
	Resolutions map[string]string `json:"resolutions,omitempty"`
}

// NewCursor starts a cursor at the beginning of the plan.
func NewCursor(plan *Plan) *Cursor {
	return &Cursor{
		PlanID:    plan.ID,
		Rewritten: make(map[string]string),
	}
}

func (c *Cursor) rewrite(old, new plumbing.Hash) {
	c.Rewritten[old.String()] = new.String()
}

func (c *Cursor) resolve(id plumbing.Hash) plumbing.Hash {
	if mapped, ok := c.Rewritten[id.String()]; ok {
		return plumbing.NewHash(mapped)
	}
	return id
}

// Mapping converts the realized rewrites back to hash form.
func (c *Cursor) Mapping() map[plumbing.Hash]plumbing.Hash {
	out := make(map[plumbing.Hash]plumbing.Hash, len(c.Rewritten))
	for old, new := range c.Rewritten {
		out[plumbing.NewHash(old)] = plumbing.NewHash(new)
	}
	return out
}

// Status of one Execute call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// Result reports how an Execute call ended. Paused results carry the
// conflicting commit and a cursor valid for resumption; Failed results
// leave the cursor valid for retry.
type Result struct {
	Status    Status
	Rewritten map[plumbing.Hash]plumbing.Hash
	Conflict  plumbing.Hash
	Cursor    *Cursor
	Err       error
}

func short(h plumbing.Hash) string {
	return h.String()[:7]
}
