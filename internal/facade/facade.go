// Package facade defines the object-access capability the core depends on:
// commit lookup and creation, compare-and-swap ref updates, and tree
// diff/rebase computation. The underlying object store is not owned here;
// everything goes through an ObjectAccess handle.
package facade

import (
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrNotFound indicates a referenced object is absent from the store.
	ErrNotFound = errors.New("object not found")

	// ErrUnsetRef indicates a ref name with no current value.
	ErrUnsetRef = errors.New("ref not set")

	// ErrConflictingUpdate indicates a CAS ref write lost to a concurrent
	// external mutation. The caller must re-read and retry.
	ErrConflictingUpdate = errors.New("conflicting ref update")

	// ErrBusy indicates lock contention on the underlying store. Retry with
	// backoff instead of blocking.
	ErrBusy = errors.New("repository busy")

	// ErrContentConflict indicates a tree rebase could not auto-merge.
	ErrContentConflict = errors.New("content conflict")

	// ErrInternalInconsistency indicates index or store corruption. Fatal to
	// the current operation; never silently repaired.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// Commit is the immutable view of one commit object. A "changed" commit is
// always a new Commit with a new ID.
type Commit struct {
	ID      plumbing.Hash
	Tree    plumbing.Hash
	Parents []plumbing.Hash
	Author  object.Signature
	Message string
}

// CommitMetadata carries the author/message fields for commit creation.
type CommitMetadata struct {
	Author  object.Signature
	Message string
}

// ObjectAccess is the repository handle capability. Implementations must
// treat WriteRef as compare-and-swap on the expected old value so concurrent
// external mutation is detected rather than clobbered.
type ObjectAccess interface {
	// GetCommit resolves a commit by id. Returns ErrNotFound when absent.
	GetCommit(id plumbing.Hash) (*Commit, error)

	// CreateCommit writes a new commit object and returns its id.
	CreateCommit(tree plumbing.Hash, parents []plumbing.Hash, meta CommitMetadata) (plumbing.Hash, error)

	// ReadRef resolves a ref name (symbolic refs are followed). Returns
	// ErrUnsetRef when the name has no value.
	ReadRef(name string) (plumbing.Hash, error)

	// WriteRef updates name from oldExpected to new. A zero oldExpected
	// asserts the ref does not exist yet; a zero new deletes the ref.
	// Returns ErrConflictingUpdate when the stored value differs from
	// oldExpected.
	WriteRef(name string, oldExpected, new plumbing.Hash) error

	// ListRefs returns the current branch refs as name -> target.
	ListRefs() (map[string]plumbing.Hash, error)

	// DiffTrees computes the change set between two trees. A zero hash
	// stands for the empty tree.
	DiffTrees(a, b plumbing.Hash) (object.Changes, error)

	// RebaseTree replays the change set introduced by commit (relative to
	// its first parent) onto the tree of newBase, returning the resulting
	// tree id. A zero newBase replays onto the empty tree. Returns
	// ErrContentConflict when the commit and the new base both touched a
	// path in incompatible ways.
	RebaseTree(commit, newBase plumbing.Hash) (plumbing.Hash, error)
}
