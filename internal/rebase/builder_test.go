package rebase

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

	"github.com/kurobon/restack/internal/dag"
	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
	"github.com/kurobon/restack/internal/graph"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// stackFixture is the standard transplant scenario:
//
//	A - D           master
//	 \
//	  B - C         feature
//
// fileD decides what D writes; making it identical to B's change turns B
// into an empty commit after the rebase.
type stackFixture struct {
	t      *testing.T
	repo   *gogit.Repository
	wt     *gogit.Worktree
	access facade.ObjectAccess
	index  dag.Index
	store  *eventlog.Store
	synth  *Synthesizer
	exec   *Executor
	seq    int

	a, b, c, d plumbing.Hash
}

type stackFiles struct {
	fileB, contentB string
	fileD, contentD string
	fileA, contentA string
}

func defaultStack() stackFiles {
	return stackFiles{
		fileA: "a.txt", contentA: "1",
		fileB: "b.txt", contentB: "2",
		fileD: "d.txt", contentD: "4",
	}
}

func newStackFixture(t *testing.T, files stackFiles) *stackFixture {
	t.Helper()
	repo, err := gogit.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	access := facade.NewGitRepository(repo)
	index, err := dag.New(dag.EngineLevel, access)
	require.NoError(t, err)
	builder := graph.NewBuilder(access, index, store, "refs/heads/master", nil)

	f := &stackFixture{
		t:      t,
		repo:   repo,
		wt:     wt,
		access: access,
		index:  index,
		store:  store,
		synth:  NewSynthesizer(access, index, builder),
		exec:   NewExecutor(access, store),
	}

	f.a = f.commit("A", files.fileA, files.contentA)
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Hash:   f.a,
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}))
	f.b = f.commit("B", files.fileB, files.contentB)
	f.c = f.commit("C", "c.txt", "3")
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("master"),
	}))
	f.d = f.commit("D", files.fileD, files.contentD)
	return f
}

func (f *stackFixture) commit(msg, file, content string) plumbing.Hash {
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

func TestSynthesizeLinearStack(t *testing.T) {
	f := newStackFixture(t, defaultStack())

	plan, err := f.synth.Synthesize(context.Background(), f.b, f.d, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, f.b, plan.Root)
	assert.Equal(t, f.d, plan.Dest)

	require.Len(t, plan.Commands, 4)
	assert.Equal(t, Pick{Commit: f.b, Parents: []plumbing.Hash{f.d}}, plan.Commands[0])
	assert.Equal(t, RegisterPostRewrite{Old: f.b}, plan.Commands[1])
	// C's parent stays the old id; the executor resolves it through the
	// cursor once B is rewritten.
	assert.Equal(t, Pick{Commit: f.c, Parents: []plumbing.Hash{f.b}}, plan.Commands[2])
	assert.Equal(t, RegisterPostRewrite{Old: f.c}, plan.Commands[3])
}

func TestSynthesizeRootNotVisible(t *testing.T) {
	f := newStackFixture(t, defaultStack())

	missing := plumbing.NewHash("0123456789012345678901234567890123456789")
	_, err := f.synth.Synthesize(context.Background(), missing, f.d, Options{})
	assert.ErrorIs(t, err, facade.ErrNotFound)
}

func TestSynthesizeSkipsEmptyCommit(t *testing.T) {
	files := defaultStack()
	files.fileD, files.contentD = files.fileB, files.contentB // D duplicates B's change
	f := newStackFixture(t, files)

	plan, err := f.synth.Synthesize(context.Background(), f.b, f.d, Options{})
	require.NoError(t, err)

	require.Len(t, plan.Commands, 3)
	assert.Equal(t, Skip{Commit: f.b, Parents: []plumbing.Hash{f.d}, Reason: SkipEmptyAfterRebase}, plan.Commands[0])
	assert.Equal(t, Pick{Commit: f.c, Parents: []plumbing.Hash{f.b}}, plan.Commands[1])
	assert.Equal(t, RegisterPostRewrite{Old: f.c}, plan.Commands[2])
}

func TestSynthesizeKeepEmpty(t *testing.T) {
	files := defaultStack()
	files.fileD, files.contentD = files.fileB, files.contentB
	f := newStackFixture(t, files)

	plan, err := f.synth.Synthesize(context.Background(), f.b, f.d, Options{KeepEmpty: true})
	require.NoError(t, err)

	require.Len(t, plan.Commands, 4)
	assert.IsType(t, Pick{}, plan.Commands[0])
}

func TestPlanSerializationRoundTrip(t *testing.T) {
	f := newStackFixture(t, defaultStack())

	plan, err := f.synth.Synthesize(context.Background(), f.b, f.d, Options{})
	require.NoError(t, err)

	raw, err := EncodePlan(plan)
	require.NoError(t, err)
	decoded, err := DecodePlan(raw)
	require.NoError(t, err)
	assert.Equal(t, plan, decoded)
}
