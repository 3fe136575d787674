package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
	"github.com/kurobon/restack/internal/rebase"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// engineFixture wires a full engine over an in-memory repository:
//
//	A - D           master
//	 \
//	  B - C         feature
type engineFixture struct {
	t      *testing.T
	wt     *gogit.Worktree
	access facade.ObjectAccess
	store  *eventlog.Store
	engine *Engine
	seq    int

	a, b, c, d plumbing.Hash
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	repo, err := gogit.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	access := facade.NewGitRepository(repo)
	eng, err := New(access, store, Options{MainBranch: "master"})
	require.NoError(t, err)

	f := &engineFixture{t: t, wt: wt, access: access, store: store, engine: eng}
	f.a = f.commit("A", "a.txt", "1")
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Hash:   f.a,
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}))
	f.b = f.commit("B", "b.txt", "2")
	f.c = f.commit("C", "c.txt", "3")
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	}))
	f.d = f.commit("D", "d.txt", "4")
	return f
}

func (f *engineFixture) commit(msg, file, content string) plumbing.Hash {
	f.t.Helper()
	fh, err := f.wt.Filesystem.Create(file)
	require.NoError(f.t, err)
	_, err = fh.Write([]byte(content))
	require.NoError(f.t, err)
	require.NoError(f.t, fh.Close())
	_, err = f.wt.Add(file)
	require.NoError(f.t, err)
	f.seq++
	when := baseTime.Add(time.Duration(f.seq) * time.Minute)
	id, err := f.wt.Commit(msg, &gogit.CommitOptions{
		Author:    &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
		Committer: &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
	})
	require.NoError(f.t, err)
	return id
}

func TestEngineDefaults(t *testing.T) {
	f := newEngineFixture(t)
	assert.Equal(t, "refs/heads/master", f.engine.MainRef())
}

func TestObserveRecordsTransaction(t *testing.T) {
	f := newEngineFixture(t)

	txID, err := f.engine.Observe(eventlog.KindRefUpdate, "refs/heads/feature", f.b, f.c)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), txID)

	rows, err := f.engine.Transactions()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r, err := eventlog.FromStore(f.store)
	require.NoError(t, err)
	events := r.EventsOf(txID)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.KindRefUpdate, events[0].Kind)
	assert.Equal(t, f.c, events[0].New())
}

func TestObserveRejectsDerivedKinds(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Observe(eventlog.KindHide, "", f.b, f.c)
	assert.Error(t, err)
}

func TestViewRendersGraph(t *testing.T) {
	f := newEngineFixture(t)

	view, err := f.engine.View(context.Background(), eventlog.Latest)
	require.NoError(t, err)
	require.NotEmpty(t, view.Nodes)

	ids := make(map[string]bool, len(view.Nodes))
	for _, n := range view.Nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids[f.b.String()])
	assert.True(t, ids[f.c.String()])
	assert.True(t, ids[f.d.String()])
}

func TestHideRecursive(t *testing.T) {
	f := newEngineFixture(t)

	txID, err := f.engine.Hide(context.Background(), []plumbing.Hash{f.b}, true)
	require.NoError(t, err)

	r, err := eventlog.FromStore(f.store)
	require.NoError(t, err)
	events := r.EventsOf(txID)
	require.Len(t, events, 2, "B and its descendant C")
	assert.Equal(t, eventlog.KindHide, events[0].Kind)
	assert.Equal(t, f.b, events[0].Old())
	assert.Equal(t, f.c, events[1].Old())
}

func TestHideUnknownCommit(t *testing.T) {
	f := newEngineFixture(t)
	missing := plumbing.NewHash("0123456789012345678901234567890123456789")
	_, err := f.engine.Hide(context.Background(), []plumbing.Hash{missing}, false)
	assert.ErrorIs(t, err, facade.ErrNotFound)
}

func TestUndoRedoMovesRefs(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// An external tool moves feature; the hook reports it.
	require.NoError(t, f.access.WriteRef("refs/heads/feature", f.c, f.d))
	_, err := f.engine.Observe(eventlog.KindRefUpdate, "refs/heads/feature", f.c, f.d)
	require.NoError(t, err)

	_, err = f.engine.Undo(ctx)
	require.NoError(t, err)
	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, f.c, feature)

	_, err = f.engine.Redo(ctx)
	require.NoError(t, err)
	feature, err = f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, f.d, feature)
}

func TestUndoNothingRecorded(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Undo(context.Background())
	assert.ErrorIs(t, err, eventlog.ErrNothingToUndo)
}

func TestMoveSubtree(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	result, planID, err := f.engine.Move(ctx, f.b, f.d, MoveOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, planID)
	require.Equal(t, rebase.StatusCompleted, result.Status)

	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, result.Rewritten[f.c], feature)

	cNew, err := f.access.GetCommit(feature)
	require.NoError(t, err)
	bNew := cNew.Parents[0]
	bCommit, err := f.access.GetCommit(bNew)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{f.d}, bCommit.Parents)
}

func TestMoveResolveBase(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Naming the tip with ResolveBase still transplants the whole stack:
	// the resolved root is B, the first commit above the merge-base.
	result, _, err := f.engine.Move(ctx, f.c, f.d, MoveOptions{ResolveBase: true})
	require.NoError(t, err)
	require.Equal(t, rebase.StatusCompleted, result.Status)
	require.Len(t, result.Rewritten, 2)
	assert.Contains(t, result.Rewritten, f.b)
	assert.Contains(t, result.Rewritten, f.c)
}

func TestResolveBaseOnMainLine(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// A commit on the main line is its own base; the walk must not run
	// past it to the repository root.
	got, err := f.engine.resolveBase(ctx, f.d)
	require.NoError(t, err)
	assert.Equal(t, f.d, got)

	got, err = f.engine.resolveBase(ctx, f.a)
	require.NoError(t, err)
	assert.Equal(t, f.a, got)

	// Off main, the bottom of the stack is the commit whose parent is on
	// main.
	got, err = f.engine.resolveBase(ctx, f.c)
	require.NoError(t, err)
	assert.Equal(t, f.b, got)
}

func TestMoveUndo(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	result, _, err := f.engine.Move(ctx, f.b, f.d, MoveOptions{})
	require.NoError(t, err)
	require.Equal(t, rebase.StatusCompleted, result.Status)

	// Undo walks the branch back to its pre-rebase head.
	_, err = f.engine.Undo(ctx)
	require.NoError(t, err)
	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, f.c, feature)
}
