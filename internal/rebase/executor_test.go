package rebase

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/restack/internal/eventlog"
	"github.com/kurobon/restack/internal/facade"
)

// lastTransactionEvents returns the events of the newest transaction.
func lastTransactionEvents(t *testing.T, store *eventlog.Store) []eventlog.Event {
	t.Helper()
	r, err := eventlog.FromStore(store)
	require.NoError(t, err)
	return r.EventsOf(r.MaxTransaction())
}

func TestExecuteLinearStack(t *testing.T) {
	f := newStackFixture(t, defaultStack())
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)

	result, err := f.exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.Rewritten, 2)

	bNew := result.Rewritten[f.b]
	cNew := result.Rewritten[f.c]

	bCommit, err := f.access.GetCommit(bNew)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{f.d}, bCommit.Parents)
	assert.Equal(t, "B", bCommit.Message)

	cCommit, err := f.access.GetCommit(cNew)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{bNew}, cCommit.Parents)

	// The branch follows its rewritten head; master is untouched.
	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, cNew, feature)
	master, err := f.access.ReadRef("refs/heads/master")
	require.NoError(t, err)
	assert.Equal(t, f.d, master)

	// The cursor does not outlive the plan.
	_, err = f.exec.LoadCursor(plan.ID)
	assert.ErrorIs(t, err, facade.ErrNotFound)
}

func TestExecuteRecordsOneTransaction(t *testing.T) {
	f := newStackFixture(t, defaultStack())
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)
	result, err := f.exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	events := lastTransactionEvents(t, f.store)
	require.Len(t, events, 3)

	// Rewrites first, ref movements last.
	assert.Equal(t, eventlog.KindCommitRewrite, events[0].Kind)
	assert.Equal(t, eventlog.KindCommitRewrite, events[1].Kind)
	assert.Equal(t, eventlog.KindRefUpdate, events[2].Kind)
	assert.Equal(t, "refs/heads/feature", events[2].RefName)
	assert.Equal(t, f.c, events[2].Old())
	assert.Equal(t, result.Rewritten[f.c], events[2].New())
}

func TestExecuteSkipReparentsChildren(t *testing.T) {
	files := defaultStack()
	files.fileD, files.contentD = files.fileB, files.contentB
	f := newStackFixture(t, files)
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)
	result, err := f.exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	// The skipped commit maps onto the destination; its child lands there
	// directly.
	assert.Equal(t, f.d, result.Rewritten[f.b])
	cNew := result.Rewritten[f.c]
	cCommit, err := f.access.GetCommit(cNew)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{f.d}, cCommit.Parents)

	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, cNew, feature)
}

func TestExecutePausesOnConflict(t *testing.T) {
	files := defaultStack()
	files.fileB, files.contentB = "a.txt", "from-b"
	files.fileD, files.contentD = "a.txt", "from-d"
	f := newStackFixture(t, files)
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)

	result, err := f.exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, result.Status)
	assert.Equal(t, f.b, result.Conflict)

	// Nothing moved: the pause happened before any ref update.
	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, f.c, feature)

	// The cursor survives for resumption.
	cursor, err := f.exec.LoadCursor(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, cursor.PlanID)
	assert.Equal(t, 0, cursor.Next)
}

func TestResumeWithResolution(t *testing.T) {
	files := defaultStack()
	files.fileB, files.contentB = "a.txt", "from-b"
	files.fileD, files.contentD = "a.txt", "from-d"
	f := newStackFixture(t, files)
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)
	result, err := f.exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, result.Status)

	// Resolve the conflict by taking the destination's tree.
	dCommit, err := f.access.GetCommit(f.d)
	require.NoError(t, err)
	cursor, err := f.exec.LoadCursor(plan.ID)
	require.NoError(t, err)
	if cursor.Resolutions == nil {
		cursor.Resolutions = make(map[string]string)
	}
	cursor.Resolutions[f.b.String()] = dCommit.Tree.String()

	result, err = f.exec.Execute(ctx, plan, cursor)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	bNew := result.Rewritten[f.b]
	bCommit, err := f.access.GetCommit(bNew)
	require.NoError(t, err)
	assert.Equal(t, dCommit.Tree, bCommit.Tree)
	assert.Equal(t, []plumbing.Hash{f.d}, bCommit.Parents)

	cNew := result.Rewritten[f.c]
	cCommit, err := f.access.GetCommit(cNew)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{bNew}, cCommit.Parents)
}

func TestAbortDiscardsCursor(t *testing.T) {
	files := defaultStack()
	files.fileB, files.contentB = "a.txt", "from-b"
	files.fileD, files.contentD = "a.txt", "from-d"
	f := newStackFixture(t, files)
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)
	require.NoError(t, f.exec.SavePlan(plan))
	result, err := f.exec.Execute(ctx, plan, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, result.Status)

	require.NoError(t, f.exec.Abort(plan.ID))
	_, err = f.exec.LoadCursor(plan.ID)
	assert.ErrorIs(t, err, facade.ErrNotFound)
	_, err = f.exec.LoadPlan(plan.ID)
	assert.ErrorIs(t, err, facade.ErrNotFound)

	// The repository is unchanged.
	feature, err := f.access.ReadRef("refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, f.c, feature)
}

func TestExecuteRejectsForeignCursor(t *testing.T) {
	f := newStackFixture(t, defaultStack())
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)

	_, err = f.exec.Execute(ctx, plan, &Cursor{PlanID: "someone-else"})
	assert.ErrorIs(t, err, facade.ErrInternalInconsistency)
}

func TestSavedPlanRoundTrip(t *testing.T) {
	f := newStackFixture(t, defaultStack())
	ctx := context.Background()

	plan, err := f.synth.Synthesize(ctx, f.b, f.d, Options{})
	require.NoError(t, err)
	require.NoError(t, f.exec.SavePlan(plan))

	loaded, err := f.exec.LoadPlan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)
}
