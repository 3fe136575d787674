// Package eventlog records every reference-pointer mutation as an immutable
// event in an append-only, transaction-grouped ledger. Current state is
// always a fold over the log; undo and redo append compensating
// transactions instead of rewinding anything.
package eventlog

import (
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Kind discriminates the recorded mutation.
type Kind string

const (
	KindRefUpdate     Kind = "ref-update"
	KindCommitCreate  Kind = "commit-create"
	KindCommitRewrite Kind = "commit-rewrite"
	KindCheckout      Kind = "checkout"
	KindHide          Kind = "hide"
	KindUnhide        Kind = "unhide"
)

// Event is one recorded mutation. IDs are assigned by the store on append
// and are monotonic; all events of one transaction have contiguous ids.
// Hashes are stored hex-encoded so rows stay greppable in the database.
type Event struct {
	ID        uint64    `json:"id"`
	TxID      uint64    `json:"txId"`
	Kind      Kind      `json:"kind"`
	RefName   string    `json:"refName,omitempty"`
	OldID     string    `json:"oldId,omitempty"`
	NewID     string    `json:"newId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Old returns the pre-mutation object id, zero when absent.
func (e Event) Old() plumbing.Hash {
	if e.OldID == "" {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(e.OldID)
}

// New returns the post-mutation object id, zero when absent.
func (e Event) New() plumbing.Hash {
	if e.NewID == "" {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(e.NewID)
}

func hashField(h plumbing.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

// RefUpdate records a ref moving from old to new. Zero old means the ref
// was created; zero new means it was deleted.
func RefUpdate(ref string, old, new plumbing.Hash, at time.Time) Event {
	return Event{Kind: KindRefUpdate, RefName: ref, OldID: hashField(old), NewID: hashField(new), Timestamp: at}
}

// CommitCreate records a freshly written commit object.
func CommitCreate(id plumbing.Hash, at time.Time) Event {
	return Event{Kind: KindCommitCreate, NewID: hashField(id), Timestamp: at}
}

// CommitRewrite records old being superseded by new. The old commit is
// abandoned unless some surviving ref still reaches it.
func CommitRewrite(old, new plumbing.Hash, at time.Time) Event {
	return Event{Kind: KindCommitRewrite, OldID: hashField(old), NewID: hashField(new), Timestamp: at}
}

// Checkout records HEAD moving from old to new.
func Checkout(old, new plumbing.Hash, at time.Time) Event {
	return Event{Kind: KindCheckout, RefName: "HEAD", OldID: hashField(old), NewID: hashField(new), Timestamp: at}
}

// Hide records an explicit user request to drop a commit from the visible
// set.
func Hide(id plumbing.Hash, at time.Time) Event {
	return Event{Kind: KindHide, OldID: hashField(id), Timestamp: at}
}

// Unhide reverts a Hide.
func Unhide(id plumbing.Hash, at time.Time) Event {
	return Event{Kind: KindUnhide, OldID: hashField(id), Timestamp: at}
}

// Invert returns the compensating event: appending it undoes the effect of
// e. CommitCreate has no deletion counterpart, so its inverse hides the
// created commit.
func (e Event) Invert(at time.Time) Event {
	switch e.Kind {
	case KindRefUpdate:
		return RefUpdate(e.RefName, e.New(), e.Old(), at)
	case KindCheckout:
		return Checkout(e.New(), e.Old(), at)
	case KindCommitRewrite:
		return CommitRewrite(e.New(), e.Old(), at)
	case KindHide:
		return Unhide(e.Old(), at)
	case KindUnhide:
		return Hide(e.Old(), at)
	case KindCommitCreate:
		return Hide(e.New(), at)
	}
	return Event{Kind: e.Kind, Timestamp: at}
}

// Transaction groups the events of one logical user action.
type Transaction struct {
	ID        uint64    `json:"id"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	// Undoes is set on compensating transactions and names their target.
	Undoes uint64 `json:"undoes,omitempty"`
	// UndoneBy is set on transactions that have been compensated.
	UndoneBy uint64 `json:"undoneBy,omitempty"`
}
