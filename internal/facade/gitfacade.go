package facade

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// GitRepository binds ObjectAccess to a go-git repository. Works against any
// go-git storage backend (memory for tests, filesystem for real repos).
type GitRepository struct {
	repo *gogit.Repository
	mu   sync.Mutex // serializes ref writes; reads go straight to the storer
}

// NewGitRepository wraps an opened go-git repository.
func NewGitRepository(repo *gogit.Repository) *GitRepository {
	return &GitRepository{repo: repo}
}

// Repo exposes the underlying repository for fixture setup.
func (g *GitRepository) Repo() *gogit.Repository {
	return g.repo
}

func (g *GitRepository) GetCommit(id plumbing.Hash) (*Commit, error) {
	c, err := g.repo.CommitObject(id)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("commit %s: %w", id.String()[:7], ErrNotFound)
		}
		return nil, err
	}
	return &Commit{
		ID:      c.Hash,
		Tree:    c.TreeHash,
		Parents: append([]plumbing.Hash(nil), c.ParentHashes...),
		Author:  c.Author,
		Message: c.Message,
	}, nil
}

func (g *GitRepository) CreateCommit(tree plumbing.Hash, parents []plumbing.Hash, meta CommitMetadata) (plumbing.Hash, error) {
	c := &object.Commit{
		Author:       meta.Author,
		Committer:    meta.Author,
		Message:      meta.Message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := g.repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	return g.repo.Storer.SetEncodedObject(obj)
}

func (g *GitRepository) ReadRef(name string) (plumbing.Hash, error) {
	ref, err := g.repo.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("ref %s: %w", name, ErrUnsetRef)
		}
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

func (g *GitRepository) WriteRef(name string, oldExpected, new plumbing.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	refName := plumbing.ReferenceName(name)
	stored, err := g.repo.Reference(refName, false)
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		if !oldExpected.IsZero() {
			return fmt.Errorf("ref %s vanished: %w", name, ErrConflictingUpdate)
		}
	case err != nil:
		return err
	default:
		if oldExpected.IsZero() {
			return fmt.Errorf("ref %s already exists: %w", name, ErrConflictingUpdate)
		}
		if stored.Hash() != oldExpected {
			return fmt.Errorf("ref %s moved to %s: %w", name, stored.Hash().String()[:7], ErrConflictingUpdate)
		}
	}

	if new.IsZero() {
		return g.repo.Storer.RemoveReference(refName)
	}
	if oldExpected.IsZero() {
		return g.repo.Storer.SetReference(plumbing.NewHashReference(refName, new))
	}
	err = g.repo.Storer.CheckAndSetReference(
		plumbing.NewHashReference(refName, new),
		plumbing.NewHashReference(refName, oldExpected),
	)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return fmt.Errorf("ref %s: %w", name, ErrConflictingUpdate)
	}
	return err
}

func (g *GitRepository) ListRefs() (map[string]plumbing.Hash, error) {
	refs := make(map[string]plumbing.Hash)
	iter, err := g.repo.References()
	if err != nil {
		return nil, err
	}
	err = iter.ForEach(func(r *plumbing.Reference) error {
		if r.Name().IsBranch() && r.Type() == plumbing.HashReference {
			refs[r.Name().String()] = r.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (g *GitRepository) DiffTrees(a, b plumbing.Hash) (object.Changes, error) {
	from, err := g.treeObject(a)
	if err != nil {
		return nil, err
	}
	to, err := g.treeObject(b)
	if err != nil {
		return nil, err
	}
	return object.DiffTree(from, to)
}

func (g *GitRepository) RebaseTree(commit, newBase plumbing.Hash) (plumbing.Hash, error) {
	c, err := g.GetCommit(commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	oldBaseTree := plumbing.ZeroHash
	if len(c.Parents) > 0 {
		parent, err := g.GetCommit(c.Parents[0])
		if err != nil {
			return plumbing.ZeroHash, err
		}
		oldBaseTree = parent.Tree
	}

	newBaseTree := plumbing.ZeroHash
	if !newBase.IsZero() {
		base, err := g.GetCommit(newBase)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		newBaseTree = base.Tree
	}

	changes, err := g.DiffTrees(oldBaseTree, c.Tree)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	oldEntries, err := g.flattenTree(oldBaseTree)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	result, err := g.flattenTree(newBaseTree)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	for _, change := range changes {
		if err := applyChange(result, oldEntries, change, commit); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	return g.writeTree(result)
}

// applyChange transplants one diff entry onto the result tree, using the
// commit's original base to tell apart "unchanged on the new base" from
// "both sides edited" (the conflict case).
func applyChange(result, oldBase map[string]object.TreeEntry, change *object.Change, commit plumbing.Hash) error {
	action, err := change.Action()
	if err != nil {
		return err
	}

	switch action {
	case merkletrie.Insert:
		path := change.To.Name
		to := change.To.TreeEntry
		if existing, ok := result[path]; ok && existing.Hash != to.Hash {
			return conflictAt(commit, path)
		}
		result[path] = object.TreeEntry{Name: path, Mode: to.Mode, Hash: to.Hash}

	case merkletrie.Delete:
		path := change.From.Name
		existing, ok := result[path]
		if !ok {
			return nil // already gone on the new base
		}
		if existing.Hash != change.From.TreeEntry.Hash {
			return conflictAt(commit, path) // deleted here, modified there
		}
		delete(result, path)

	case merkletrie.Modify:
		path := change.To.Name
		from := change.From.TreeEntry
		to := change.To.TreeEntry
		existing, ok := result[path]
		if !ok {
			return conflictAt(commit, path) // modified here, deleted there
		}
		if existing.Hash == to.Hash {
			return nil
		}
		if existing.Hash != from.Hash {
			return conflictAt(commit, path)
		}
		result[path] = object.TreeEntry{Name: path, Mode: to.Mode, Hash: to.Hash}
	}
	return nil
}

func conflictAt(commit plumbing.Hash, path string) error {
	return fmt.Errorf("commit %s at %s: %w", commit.String()[:7], path, ErrContentConflict)
}

func (g *GitRepository) treeObject(h plumbing.Hash) (*object.Tree, error) {
	if h.IsZero() {
		return &object.Tree{}, nil
	}
	tree, err := g.repo.TreeObject(h)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("tree %s: %w", h.String()[:7], ErrNotFound)
		}
		return nil, err
	}
	return tree, nil
}

// flattenTree maps full blob paths to their tree entries.
func (g *GitRepository) flattenTree(h plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if h.IsZero() {
		return entries, nil
	}
	tree, err := g.treeObject(h)
	if err != nil {
		return nil, err
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		entries[f.Name] = object.TreeEntry{Name: f.Name, Mode: f.Mode, Hash: f.Hash}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// writeTree rebuilds the nested tree objects from a flat path map and writes
// them to the object store, returning the root tree id.
func (g *GitRepository) writeTree(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	direct := make(map[string]object.TreeEntry)       // blobs at this level
	subdirs := make(map[string]map[string]object.TreeEntry) // dir -> remainder path -> entry

	for path, entry := range entries {
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			direct[path] = object.TreeEntry{Name: path, Mode: entry.Mode, Hash: entry.Hash}
			continue
		}
		dir, rest := path[:idx], path[idx+1:]
		if subdirs[dir] == nil {
			subdirs[dir] = make(map[string]object.TreeEntry)
		}
		subdirs[dir][rest] = entry
	}

	var list []object.TreeEntry
	for _, entry := range direct {
		list = append(list, entry)
	}
	for dir, children := range subdirs {
		subHash, err := g.writeTree(children)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		list = append(list, object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: subHash})
	}

	// Git orders tree entries as if directories had a trailing slash.
	sort.Slice(list, func(i, j int) bool {
		return treeEntrySortKey(list[i]) < treeEntrySortKey(list[j])
	})

	tree := &object.Tree{Entries: list}
	obj := g.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	return g.repo.Storer.SetEncodedObject(obj)
}

func treeEntrySortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
