package dag

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/restack/internal/facade"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// graphFixture builds this shape, committed in alphabetical order so
// timestamps increase A through M:
//
//	A - B - C
//	 \       \
//	  D ----- M
type graphFixture struct {
	access        facade.ObjectAccess
	a, b, c, d, m plumbing.Hash
}

func buildGraph(t *testing.T) *graphFixture {
	t.Helper()
	repo, err := gogit.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	seq := 0
	commit := func(msg, file string) plumbing.Hash {
		f, err := wt.Filesystem.Create(file)
		require.NoError(t, err)
		_, err = f.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, f.Close())
		_, err = wt.Add(file)
		require.NoError(t, err)
		seq++
		when := baseTime.Add(time.Duration(seq) * time.Minute)
		id, err := wt.Commit(msg, &gogit.CommitOptions{
			Author:    &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
			Committer: &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
		})
		require.NoError(t, err)
		return id
	}

	access := facade.NewGitRepository(repo)

	a := commit("A", "a.txt")
	b := commit("B", "b.txt")
	c := commit("C", "c.txt")

	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Hash:   a,
		Branch: plumbing.NewBranchReferenceName("side"),
		Create: true,
	}))
	d := commit("D", "d.txt")

	cCommit, err := access.GetCommit(c)
	require.NoError(t, err)
	m, err := access.CreateCommit(cCommit.Tree, []plumbing.Hash{c, d}, facade.CommitMetadata{
		Author:  object.Signature{Name: "tester", Email: "tester@example.com", When: baseTime.Add(5 * time.Minute)},
		Message: "M",
	})
	require.NoError(t, err)

	return &graphFixture{access: access, a: a, b: b, c: c, d: d, m: m}
}

func engines(t *testing.T, access facade.ObjectAccess) map[string]Index {
	t.Helper()
	out := make(map[string]Index)
	for _, name := range []string{EngineLevel, EngineWalk} {
		idx, err := New(name, access)
		require.NoError(t, err)
		out[name] = idx
	}
	return out
}

func TestNewUnknownEngine(t *testing.T) {
	_, err := New("btree", nil)
	assert.Error(t, err)
}

func TestIsAncestor(t *testing.T) {
	g := buildGraph(t)
	ctx := context.Background()

	for name, idx := range engines(t, g.access) {
		t.Run(name, func(t *testing.T) {
			cases := []struct {
				a, b plumbing.Hash
				want bool
			}{
				{g.a, g.c, true},
				{g.a, g.a, true},
				{g.c, g.a, false},
				{g.b, g.d, false},
				{g.d, g.m, true},
				{g.b, g.m, true},
			}
			for _, tc := range cases {
				got, err := idx.IsAncestor(ctx, tc.a, tc.b)
				require.NoError(t, err)
				assert.Equal(t, tc.want, got, "IsAncestor(%s, %s)", tc.a.String()[:7], tc.b.String()[:7])
			}
		})
	}
}

func TestMergeBase(t *testing.T) {
	g := buildGraph(t)
	ctx := context.Background()

	for name, idx := range engines(t, g.access) {
		t.Run(name, func(t *testing.T) {
			mb, ok, err := idx.MergeBase(ctx, g.c, g.d)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, g.a, mb)

			// One side is an ancestor of the other.
			mb, ok, err = idx.MergeBase(ctx, g.c, g.m)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, g.c, mb)

			// Variadic: fold over all three.
			mb, ok, err = idx.MergeBase(ctx, g.b, g.c, g.d)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, g.a, mb)
		})
	}
}

func TestRange(t *testing.T) {
	g := buildGraph(t)
	ctx := context.Background()

	for name, idx := range engines(t, g.access) {
		t.Run(name, func(t *testing.T) {
			got, err := idx.Range(ctx, []plumbing.Hash{g.c}, []plumbing.Hash{g.a})
			require.NoError(t, err)
			assert.Equal(t, []plumbing.Hash{g.b, g.c}, got)

			// Ancestors of M minus ancestors of B: C comes before D only
			// through the timestamp tie-break.
			got, err = idx.Range(ctx, []plumbing.Hash{g.m}, []plumbing.Hash{g.b})
			require.NoError(t, err)
			assert.Equal(t, []plumbing.Hash{g.c, g.d, g.m}, got)

			// No excludes: the full ancestry, roots first.
			got, err = idx.Range(ctx, []plumbing.Hash{g.m}, nil)
			require.NoError(t, err)
			assert.Equal(t, []plumbing.Hash{g.a, g.b, g.c, g.d, g.m}, got)
		})
	}
}

// TestEnginesAgree cross-checks every pairwise query between the two
// engines; the walk engine exists exactly for this kind of validation.
func TestEnginesAgree(t *testing.T) {
	g := buildGraph(t)
	ctx := context.Background()

	level, err := New(EngineLevel, g.access)
	require.NoError(t, err)
	walk, err := New(EngineWalk, g.access)
	require.NoError(t, err)

	all := []plumbing.Hash{g.a, g.b, g.c, g.d, g.m}
	for _, x := range all {
		for _, y := range all {
			lAnc, err := level.IsAncestor(ctx, x, y)
			require.NoError(t, err)
			wAnc, err := walk.IsAncestor(ctx, x, y)
			require.NoError(t, err)
			assert.Equal(t, lAnc, wAnc, "IsAncestor(%s, %s)", x.String()[:7], y.String()[:7])

			lMB, lOK, err := level.MergeBase(ctx, x, y)
			require.NoError(t, err)
			wMB, wOK, err := walk.MergeBase(ctx, x, y)
			require.NoError(t, err)
			assert.Equal(t, lOK, wOK)
			assert.Equal(t, lMB, wMB, "MergeBase(%s, %s)", x.String()[:7], y.String()[:7])

			lRange, err := level.Range(ctx, []plumbing.Hash{x}, []plumbing.Hash{y})
			require.NoError(t, err)
			wRange, err := walk.Range(ctx, []plumbing.Hash{x}, []plumbing.Hash{y})
			require.NoError(t, err)
			assert.Equal(t, lRange, wRange, "Range(%s, %s)", x.String()[:7], y.String()[:7])
		}
	}
}

func TestUnknownObject(t *testing.T) {
	g := buildGraph(t)
	ctx := context.Background()
	missing := plumbing.NewHash("0123456789012345678901234567890123456789")

	for name, idx := range engines(t, g.access) {
		t.Run(name, func(t *testing.T) {
			err := idx.Extend(ctx, missing)
			assert.ErrorIs(t, err, ErrUnknownObject)
		})
	}
}
