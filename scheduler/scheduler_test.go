package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/filestore"
	"github.com/drpcorg/taskq/indexmapper"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/queue"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	err error
}

func (f *fakeExecutor) Apply(_ context.Context, _ *pebble.Batch, _ *indexmapper.Index, op IndexOperation,
	_ *processing.Progress, _ *tasks.EmbedderStats) ([]*tasks.Task, *ContentionTelemetry, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	list := op.Tasks()
	for _, task := range list {
		task.Status = tasks.Succeeded
		task.Details = task.Kind.DefaultFinishedDetails()
	}
	return list, &ContentionTelemetry{Attempts: uint64(len(list))}, nil
}

func (f *fakeExecutor) SetPrimaryKey(_ context.Context, wtxn *pebble.Batch, index *indexmapper.Index, pk string) error {
	return index.SetPrimaryKey(wtxn, pk)
}

type fakeUpgrader struct {
	err       error
	panicWith any
	rollbacks []*semver.Version
}

func (f *fakeUpgrader) ProcessUpgrade(context.Context, *semver.Version, *processing.Progress) error {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.err
}

func (f *fakeUpgrader) ProcessRollback(_ context.Context, to *semver.Version, _ *processing.Progress) error {
	f.rollbacks = append(f.rollbacks, to)
	return nil
}

type env struct {
	t        *testing.T
	dir      string
	q        *queue.Queue
	m        *indexmapper.Mapper
	s        *Scheduler
	upgrader *fakeUpgrader
	executor *fakeExecutor
}

func newEnv(t *testing.T, opts Options) *env {
	dir, err := os.MkdirTemp("", "*")
	require.NoError(t, err)
	q, err := queue.Open(filepath.Join(dir, "tasks"), queue.Options{})
	require.NoError(t, err)
	m, err := indexmapper.New(q.Database(), indexmapper.Options{Dir: filepath.Join(dir, "indexes")})
	require.NoError(t, err)
	e := &env{t: t, dir: dir, q: q, m: m, upgrader: &fakeUpgrader{}, executor: &fakeExecutor{}}
	if opts.Executor == nil {
		opts.Executor = e.executor
	}
	if opts.Upgrader == nil {
		opts.Upgrader = e.upgrader
	}
	e.s = New(q, m, opts)
	t.Cleanup(func() {
		_ = m.Close()
		_ = q.Close()
		_ = os.RemoveAll(dir)
	})
	return e
}

func (e *env) register(kind tasks.KindWithContent) *tasks.Task {
	task, err := e.s.Register(kind)
	require.NoError(e.t, err)
	return task
}

func (e *env) tick() TickOutcome {
	outcome, err := e.s.Tick(context.Background())
	require.NoError(e.t, err)
	return outcome
}

func (e *env) task(uid tasks.TaskID) *tasks.Task {
	task, err := e.q.GetTask(e.q.Database(), uid)
	require.NoError(e.t, err)
	return task
}

func (e *env) consistent(files queue.ContentFiles) {
	snap := e.q.ReadTxn()
	defer snap.Close()
	violations, err := e.q.CheckConsistency(snap, files)
	require.NoError(e.t, err)
	assert.Empty(e.t, violations)
}

func (e *env) indexTasks(name string) *roaring.Bitmap {
	ids, err := e.q.IndexTasks(e.q.Database(), name)
	require.NoError(e.t, err)
	return ids
}

func (e *env) createIndexes(names ...string) {
	for _, name := range names {
		task := e.register(&tasks.IndexCreation{Index: name})
		assert.Equal(e.t, TickAgain, e.tick())
		require.Equal(e.t, tasks.Succeeded, e.task(task.UID).Status)
	}
}

func settings(index string) *tasks.SettingsUpdate {
	return &tasks.SettingsUpdate{Index: index, NewSettings: json.RawMessage(`{"rankingRules":["words"]}`), AllowIndexCreation: true}
}

func TestTickOnEmptyQueue(t *testing.T) {
	e := newEnv(t, Options{})
	assert.Equal(t, WaitForSignal, e.tick())
}

func TestSettingsBatchCreatesTheIndex(t *testing.T) {
	e := newEnv(t, Options{})
	a := e.register(settings("books"))
	b := e.register(settings("books"))
	other := e.register(settings("songs"))

	assert.Equal(t, TickAgain, e.tick())
	for _, uid := range []tasks.TaskID{a.UID, b.UID} {
		task := e.task(uid)
		assert.Equal(t, tasks.Succeeded, task.Status)
		require.NotNil(t, task.BatchUID)
		assert.Equal(t, tasks.BatchID(0), *task.BatchUID)
		assert.NotNil(t, task.StartedAt)
		assert.NotNil(t, task.FinishedAt)
	}
	assert.Equal(t, tasks.Enqueued, e.task(other.UID).Status)

	ok, err := e.m.Exists(e.q.Database(), "books")
	require.NoError(t, err)
	assert.True(t, ok)

	batch, err := e.q.GetBatch(e.q.Database(), 0)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, uint32(2), batch.Stats.TotalNbTasks)
	assert.Equal(t, uint32(2), batch.Stats.Status[tasks.Succeeded])
	assert.Equal(t, uint32(2), batch.Stats.IndexUIDs["books"])
	assert.NotEmpty(t, batch.Stats.ProgressTrace)
	assert.Equal(t, float64(2), batch.Stats.WriteChannelCongestion["attempts"])
	e.consistent(nil)
}

func TestCancelSkipsTasksThatLeftEnqueued(t *testing.T) {
	e := newEnv(t, Options{})
	b := e.register(settings("movies"))
	a := e.register(settings("books"))
	c := e.register(settings("songs"))
	// b runs alone: the other two target other indexes
	assert.Equal(t, TickAgain, e.tick())
	require.Equal(t, tasks.Succeeded, e.task(b.UID).Status)

	cancel := e.register(&tasks.TaskCancelation{Query: "?uids=0,1,2", Tasks: roaring.BitmapOf(b.UID, a.UID, c.UID)})
	assert.Equal(t, TickAgain, e.tick())

	canceler := e.task(cancel.UID)
	assert.Equal(t, tasks.Succeeded, canceler.Status)
	details := canceler.Details.(*tasks.TaskCancelationDetails)
	require.NotNil(t, details.CanceledTasks)
	assert.Equal(t, uint64(2), *details.CanceledTasks)
	assert.Equal(t, uint64(3), details.MatchedTasks)

	for _, uid := range []tasks.TaskID{a.UID, c.UID} {
		task := e.task(uid)
		assert.Equal(t, tasks.Canceled, task.Status)
		require.NotNil(t, task.CanceledBy)
		assert.Equal(t, cancel.UID, *task.CanceledBy)
		assert.Equal(t, canceler.BatchUID, task.BatchUID)
	}
	assert.Equal(t, tasks.Succeeded, e.task(b.UID).Status)

	canceled, err := e.q.CanceledByTasks(e.q.Database(), cancel.UID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{a.UID, c.UID}, canceled.ToArray())

	batch, err := e.q.GetBatch(e.q.Database(), *canceler.BatchUID)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), batch.Stats.TotalNbTasks)
	assert.Equal(t, uint32(2), batch.Stats.Status[tasks.Canceled])
	e.consistent(nil)
}

func TestCancelLeavesProcessingTasksAlone(t *testing.T) {
	e := newEnv(t, Options{})
	a := e.register(settings("books"))
	b := e.register(settings("songs"))
	cancel := e.register(&tasks.TaskCancelation{Tasks: roaring.BitmapOf(a.UID, b.UID)})

	// b is owned by a batch running elsewhere
	e.s.processing.Start(9, roaring.BitmapOf(b.UID, cancel.UID), processing.NewProgress())
	snap := e.q.ReadTxn()
	defer snap.Close()
	list, err := e.s.cancelMatchedTasks(context.Background(), snap, cancel.UID, processing.New(10),
		roaring.BitmapOf(a.UID, b.UID), processing.NewProgress())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.UID, list[0].UID)
	assert.Equal(t, tasks.Canceled, list[0].Status)
}

func TestCancelingAnUpgradeCancelsEveryUpgrade(t *testing.T) {
	e := newEnv(t, Options{})
	first := e.register(&tasks.UpgradeDatabase{From: semver.MustParse("0.9.0")})
	second := e.register(&tasks.UpgradeDatabase{From: semver.MustParse("0.9.0")})
	cancel := e.register(&tasks.TaskCancelation{Tasks: roaring.BitmapOf(first.UID)})

	snap := e.q.ReadTxn()
	defer snap.Close()
	list, err := e.s.cancelMatchedTasks(context.Background(), snap, cancel.UID, processing.New(0),
		roaring.BitmapOf(first.UID), processing.NewProgress())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.UID, list[0].UID)
	assert.Equal(t, second.UID, list[1].UID)
	// never upgraded to this binary, nothing to roll back
	assert.Empty(t, e.upgrader.rollbacks)
}

func TestDeleteTasksReportsOwnCounts(t *testing.T) {
	e := newEnv(t, Options{})
	t0 := e.register(settings("books"))
	t1 := e.register(settings("books"))
	assert.Equal(t, TickAgain, e.tick())
	t2 := e.register(settings("books"))

	all := e.register(&tasks.TaskDeletion{Tasks: roaring.BitmapOf(t0.UID, t1.UID, t2.UID)})
	one := e.register(&tasks.TaskDeletion{Tasks: roaring.BitmapOf(t1.UID)})
	assert.Equal(t, TickAgain, e.tick())

	assert.Nil(t, e.task(t0.UID))
	assert.Nil(t, e.task(t1.UID))
	assert.Equal(t, tasks.Enqueued, e.task(t2.UID).Status)

	allDetails := e.task(all.UID).Details.(*tasks.TaskDeletionDetails)
	require.NotNil(t, allDetails.DeletedTasks)
	assert.Equal(t, uint64(2), *allDetails.DeletedTasks)
	oneDetails := e.task(one.UID).Details.(*tasks.TaskDeletionDetails)
	require.NotNil(t, oneDetails.DeletedTasks)
	assert.Equal(t, uint64(1), *oneDetails.DeletedTasks)

	r := e.q.Database()
	assert.Equal(t, []uint32{t2.UID}, e.indexTasks("books").ToArray())
	succeeded, err := e.q.GetStatus(r, tasks.Succeeded)
	require.NoError(t, err)
	assert.False(t, succeeded.Contains(t0.UID) || succeeded.Contains(t1.UID))

	// batch 0 lost every task: no dimension still points at it
	batch, err := e.q.GetBatch(r, 0)
	require.NoError(t, err)
	assert.Nil(t, batch)
	for _, table := range []queue.Table{e.q.BatchStatus, e.q.BatchKind, e.q.BatchIndex, e.q.BatchEnqueued,
		e.q.BatchStarted, e.q.BatchFinished} {
		ids, err := table.Union(r)
		require.NoError(t, err)
		assert.False(t, ids.Contains(0))
	}
	members, err := e.q.BatchTasks(r, 0)
	require.NoError(t, err)
	assert.True(t, members.IsEmpty())
	e.consistent(nil)
}

func TestDeletionShrinksPartiallyDeletedBatch(t *testing.T) {
	e := newEnv(t, Options{})
	t0 := e.register(settings("books"))
	t1 := e.register(settings("books"))
	assert.Equal(t, TickAgain, e.tick())
	e.register(&tasks.TaskDeletion{Tasks: roaring.BitmapOf(t0.UID)})
	assert.Equal(t, TickAgain, e.tick())

	members, err := e.q.BatchTasks(e.q.Database(), 0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{t1.UID}, members.ToArray())
	e.consistent(nil)
}

func TestSwapIsSelfInverse(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A", "B")
	onA := e.register(settings("A"))
	assert.Equal(t, TickAgain, e.tick())

	r := e.q.Database()
	uuidOf := func(name string) string {
		index, err := e.m.Index(r, name)
		require.NoError(t, err)
		return index.UUID().String()
	}
	beforeA, beforeB := uuidOf("A"), uuidOf("B")
	tasksA, tasksB := e.indexTasks("A").ToArray(), e.indexTasks("B").ToArray()

	swap := e.register(&tasks.IndexSwaps{Swaps: []tasks.IndexSwap{{Indexes: [2]string{"A", "B"}}}})
	assert.Equal(t, TickAgain, e.tick())
	require.Equal(t, tasks.Succeeded, e.task(swap.UID).Status)
	assert.Equal(t, beforeB, uuidOf("A"))
	assert.Equal(t, beforeA, uuidOf("B"))
	assert.Equal(t, "B", e.task(onA.UID).IndexUID())
	assert.True(t, e.indexTasks("B").Contains(onA.UID))
	assert.False(t, e.indexTasks("A").Contains(onA.UID))
	e.consistent(nil)

	again := e.register(&tasks.IndexSwaps{Swaps: []tasks.IndexSwap{{Indexes: [2]string{"A", "B"}}}})
	assert.Equal(t, TickAgain, e.tick())
	require.Equal(t, tasks.Succeeded, e.task(again.UID).Status)
	assert.Equal(t, beforeA, uuidOf("A"))
	assert.Equal(t, beforeB, uuidOf("B"))
	assert.Equal(t, "A", e.task(onA.UID).IndexUID())

	older := func(ids *roaring.Bitmap) []uint32 {
		ids.RemoveRange(uint64(swap.UID), uint64(again.UID)+1)
		return ids.ToArray()
	}
	assert.Equal(t, tasksA, older(e.indexTasks("A")))
	assert.Equal(t, tasksB, older(e.indexTasks("B")))
	e.consistent(nil)
}

func TestSwapValidatesEveryPairFirst(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A", "B")
	onA := e.register(settings("A"))
	assert.Equal(t, TickAgain, e.tick())
	tasksA, tasksB := e.indexTasks("A").ToArray(), e.indexTasks("B").ToArray()

	swap := e.register(&tasks.IndexSwaps{Swaps: []tasks.IndexSwap{
		{Indexes: [2]string{"A", "B"}},
		{Indexes: [2]string{"A", "C"}},
	}})
	assert.Equal(t, TickAgain, e.tick())

	failed := e.task(swap.UID)
	assert.Equal(t, tasks.Failed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, taskq_errors.CodeSwapIndexNotFound, failed.Error.Code)
	assert.Equal(t, "index `C` not found", failed.Error.Message)

	assert.Equal(t, "A", e.task(onA.UID).IndexUID())
	without := func(ids *roaring.Bitmap) []uint32 {
		ids.Remove(swap.UID)
		return ids.ToArray()
	}
	assert.Equal(t, tasksA, without(e.indexTasks("A")))
	assert.Equal(t, tasksB, without(e.indexTasks("B")))
	e.consistent(nil)
}

func TestValidateSwapsNamesEveryProblem(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A", "B")
	r := e.q.Database()

	err := e.s.validateSwaps(r, []tasks.IndexSwap{
		{Indexes: [2]string{"X", "A"}},
		{Indexes: [2]string{"B", "W"}},
	})
	var missing *taskq_errors.SwapIndexNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"W", "X"}, missing.Indexes)

	err = e.s.validateSwaps(r, []tasks.IndexSwap{{Indexes: [2]string{"A", "B"}, Rename: true}})
	var taken *taskq_errors.SwapIndexFoundDuringRenameError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, [][2]string{{"A", "B"}}, taken.Pairs)

	assert.NoError(t, e.s.validateSwaps(r, []tasks.IndexSwap{{Indexes: [2]string{"A", "Z"}, Rename: true}}))
}

func TestIndexUpdateRenames(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A", "B")
	onA := e.register(settings("A"))
	assert.Equal(t, TickAgain, e.tick())

	pk, z, b := "isbn", "Z", "B"
	rename := e.register(&tasks.IndexUpdate{Index: "A", NewIndexUID: &z, PrimaryKey: &pk})
	assert.Equal(t, TickAgain, e.tick())
	task := e.task(rename.UID)
	require.Equal(t, tasks.Succeeded, task.Status)
	details := task.Details.(*tasks.IndexInfoDetails)
	assert.Equal(t, "A", *details.OldIndexUID)
	assert.Equal(t, "Z", *details.NewIndexUID)

	r := e.q.Database()
	ok, err := e.m.Exists(r, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	index, err := e.m.Index(r, "Z")
	require.NoError(t, err)
	snap := index.ReadTxn()
	got, ok, err := index.PrimaryKey(snap)
	_ = snap.Close()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pk, got)
	assert.Equal(t, "Z", e.task(onA.UID).IndexUID())

	// renaming onto an existing index fails the task only
	clash := e.register(&tasks.IndexUpdate{Index: "Z", NewIndexUID: &b})
	assert.Equal(t, TickAgain, e.tick())
	failed := e.task(clash.UID)
	assert.Equal(t, tasks.Failed, failed.Status)
	assert.Equal(t, taskq_errors.CodeIndexAlreadyExists, failed.Error.Code)
	e.consistent(nil)
}

func TestIndexCreationOfExistingIndexFails(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A")
	again := e.register(&tasks.IndexCreation{Index: "A"})
	assert.Equal(t, TickAgain, e.tick())
	failed := e.task(again.UID)
	assert.Equal(t, tasks.Failed, failed.Status)
	assert.Equal(t, taskq_errors.CodeIndexAlreadyExists, failed.Error.Code)
	assert.Equal(t, "invalid_request", failed.Error.Type)
}

func TestIndexDeletion(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A")
	index, err := e.m.Index(e.q.Database(), "A")
	require.NoError(t, err)
	path := index.Path()

	del := e.register(&tasks.IndexDeletion{Index: "A"})
	assert.Equal(t, TickAgain, e.tick())
	task := e.task(del.UID)
	require.Equal(t, tasks.Succeeded, task.Status)
	details := task.Details.(*tasks.ClearAllDetails)
	require.NotNil(t, details.DeletedDocuments)
	assert.Equal(t, uint64(0), *details.DeletedDocuments)

	ok, err := e.m.Exists(e.q.Database(), "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoDirExists(t, path)

	missing := e.register(&tasks.IndexDeletion{Index: "A"})
	assert.Equal(t, TickAgain, e.tick())
	assert.Equal(t, taskq_errors.CodeIndexNotFound, e.task(missing.UID).Error.Code)
	e.consistent(nil)
}

func TestIndexDeletionTakesTheOperationsBeforeIt(t *testing.T) {
	e := newEnv(t, Options{})
	update := e.register(settings("A"))
	del := e.register(&tasks.IndexDeletion{Index: "A"})
	after := e.register(settings("A"))

	assert.Equal(t, TickAgain, e.tick())
	first, deleted := e.task(update.UID), e.task(del.UID)
	require.Equal(t, tasks.Succeeded, first.Status)
	require.Equal(t, tasks.Succeeded, deleted.Status)
	require.NotNil(t, first.BatchUID)
	assert.Equal(t, first.BatchUID, deleted.BatchUID)
	assert.IsType(t, &tasks.SettingsUpdateDetails{}, first.Details)
	details := deleted.Details.(*tasks.ClearAllDetails)
	require.NotNil(t, details.DeletedDocuments)
	assert.Equal(t, uint64(0), *details.DeletedDocuments)
	assert.Equal(t, tasks.Enqueued, e.task(after.UID).Status)

	ok, err := e.m.Exists(e.q.Database(), "A")
	require.NoError(t, err)
	assert.False(t, ok)
	e.consistent(nil)
}

func TestIndexDeletionOfAnIndexNothingCreatesFails(t *testing.T) {
	e := newEnv(t, Options{})
	docs := e.register(&tasks.DocumentDeletion{Index: "B", DocumentsIDs: []string{"1"}})
	del := e.register(&tasks.IndexDeletion{Index: "B"})

	assert.Equal(t, TickAgain, e.tick())
	for _, uid := range []tasks.TaskID{docs.UID, del.UID} {
		task := e.task(uid)
		assert.Equal(t, tasks.Failed, task.Status)
		require.NotNil(t, task.Error)
		assert.Equal(t, taskq_errors.CodeIndexNotFound, task.Error.Code)
	}
	e.consistent(nil)
}

func TestBatchOfBundledIndexDeletion(t *testing.T) {
	update := &tasks.Task{UID: 1, Kind: settings("A")}
	del := &tasks.Task{UID: 2, Kind: &tasks.IndexDeletion{Index: "A"}}

	batch, err := BatchOf(false, update, del)
	require.NoError(t, err)
	deletion, ok := batch.(*IndexDeletionBatch)
	require.True(t, ok)
	assert.Equal(t, "A", deletion.Index)
	assert.True(t, deletion.IndexHasBeenCreated)
	assert.Len(t, deletion.List, 2)

	batch, err = BatchOf(true, update, del)
	require.NoError(t, err)
	assert.False(t, batch.(*IndexDeletionBatch).IndexHasBeenCreated)

	other := &tasks.Task{UID: 3, Kind: &tasks.IndexDeletion{Index: "Z"}}
	_, err = BatchOf(false, update, other)
	assert.Error(t, err)
}

func TestUpgradePanicStopsTheScheduler(t *testing.T) {
	e := newEnv(t, Options{})
	e.upgrader.panicWith = "boom"
	upgrade := e.register(&tasks.UpgradeDatabase{From: semver.MustParse("0.9.0")})
	later := e.register(settings("books"))

	assert.Equal(t, StopProcessingForever, e.tick())
	assert.True(t, e.s.Stopped())
	task := e.task(upgrade.UID)
	assert.Equal(t, tasks.Failed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, task.Error.Message, "boom")
	assert.Equal(t, taskq_errors.CodeDatabaseUpgrade, task.Error.Code)

	assert.Equal(t, StopProcessingForever, e.tick())
	assert.Equal(t, tasks.Enqueued, e.task(later.UID).Status)
	e.consistent(nil)
}

func TestUpgradeBoundaryConvertsPanics(t *testing.T) {
	e := newEnv(t, Options{})
	e.upgrader.panicWith = errors.New("boom")
	task := e.register(&tasks.UpgradeDatabase{From: semver.MustParse("0.9.0")})
	batch := &UpgradeDatabaseBatch{List: []*tasks.Task{task}, From: semver.MustParse("0.9.0")}

	list, _, err := e.s.ProcessBatch(context.Background(), batch, processing.New(0), processing.NewProgress())
	assert.Nil(t, list)
	var upgradeErr *taskq_errors.DatabaseUpgradeError
	require.ErrorAs(t, err, &upgradeErr)
	assert.ErrorIs(t, err, taskq_errors.ErrProcessBatchPanicked)
	assert.Contains(t, err.Error(), "boom")
	assert.NotEqual(t, tasks.Succeeded, task.Status)
}

func TestUpgradeRetryReusesItsBatch(t *testing.T) {
	e := newEnv(t, Options{Version: semver.MustParse("1.2.0")})
	e.upgrader.err = errors.New("disk full")
	upgrade := e.register(&tasks.UpgradeDatabase{From: semver.MustParse("1.1.0")})
	assert.Equal(t, StopProcessingForever, e.tick())

	// a restarted scheduler retries the failed upgrade
	e.upgrader.err = nil
	e.s = New(e.q, e.m, Options{Executor: e.executor, Upgrader: e.upgrader, Version: semver.MustParse("1.2.0")})
	assert.Equal(t, TickAgain, e.tick())

	task := e.task(upgrade.UID)
	assert.Equal(t, tasks.Succeeded, task.Status)
	assert.Nil(t, task.Error)
	require.NotNil(t, task.BatchUID)
	assert.Equal(t, tasks.BatchID(0), *task.BatchUID)
	details := task.Details.(*tasks.UpgradeDatabaseDetails)
	assert.Equal(t, "1.2.0", details.To.String())

	next, err := e.q.NextBatchID(e.q.Database())
	require.NoError(t, err)
	assert.Equal(t, tasks.BatchID(1), next)
	e.consistent(nil)
}

func TestFailedOperationFailsEveryTask(t *testing.T) {
	e := newEnv(t, Options{})
	e.executor.err = errors.New("engine exploded")
	a := e.register(settings("books"))
	b := e.register(settings("books"))
	assert.Equal(t, TickAgain, e.tick())
	for _, uid := range []tasks.TaskID{a.UID, b.UID} {
		task := e.task(uid)
		assert.Equal(t, tasks.Failed, task.Status)
		assert.Equal(t, "engine exploded", task.Error.Message)
		assert.Equal(t, taskq_errors.CodeInternal, task.Error.Code)
	}
	batch, err := e.q.GetBatch(e.q.Database(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), batch.Stats.Status[tasks.Failed])
	e.consistent(nil)
}

func TestAbortedBatchStaysEnqueued(t *testing.T) {
	e := newEnv(t, Options{})
	e.executor.err = taskq_errors.ErrAbortedTask
	a := e.register(settings("books"))
	assert.Equal(t, TickAgain, e.tick())
	assert.Equal(t, tasks.Enqueued, e.task(a.UID).Status)
	batch, err := e.q.GetBatch(e.q.Database(), 0)
	require.NoError(t, err)
	assert.Nil(t, batch)
	e.consistent(nil)
}

func TestFinishedAdditionsDropTheirContentFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	files, err := filestore.New(dir)
	require.NoError(t, err)
	e := newEnv(t, Options{Files: files})

	id, f, err := files.Create()
	require.NoError(t, err)
	_, err = f.WriteString(`[{"id":1}]`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	add := e.register(&tasks.DocumentAdditionOrUpdate{Index: "books", ContentFile: id, DocumentsCount: 1,
		Method: tasks.ReplaceDocuments, AllowIndexCreation: true})
	e.consistent(files)
	assert.Equal(t, TickAgain, e.tick())
	assert.Equal(t, tasks.Succeeded, e.task(add.UID).Status)
	assert.False(t, files.Exists(id))
	e.consistent(files)
}

func TestCleanupDeletesTheOldestTasks(t *testing.T) {
	e := newEnv(t, Options{MaxTasks: 2})
	first := e.register(settings("books"))
	e.register(settings("books"))
	e.register(settings("books"))
	assert.Equal(t, TickAgain, e.tick())

	assert.Equal(t, TickAgain, e.tick())
	assert.Nil(t, e.task(first.UID))
	deletion := e.task(3)
	require.NotNil(t, deletion)
	assert.Equal(t, tasks.KindTaskDeletion, deletion.Kind.Kind())
	assert.Equal(t, tasks.Succeeded, deletion.Status)
	assert.Equal(t, uint64(1), *deletion.Details.(*tasks.TaskDeletionDetails).DeletedTasks)
	e.consistent(nil)
}

func TestCompaction(t *testing.T) {
	e := newEnv(t, Options{})
	e.createIndexes("A")
	compaction := e.register(&tasks.IndexCompaction{Index: "A"})
	assert.Equal(t, TickAgain, e.tick())
	task := e.task(compaction.UID)
	require.Equal(t, tasks.Succeeded, task.Status)
	details := task.Details.(*tasks.IndexCompactionDetails)
	assert.NotNil(t, details.PreCompactionSize)
	assert.NotNil(t, details.PostCompactionSize)
}

func TestMissingCollaboratorsFailTheBatch(t *testing.T) {
	e := newEnv(t, Options{})
	dump := e.register(&tasks.DumpCreation{})
	assert.Equal(t, TickAgain, e.tick())
	failed := e.task(dump.UID)
	assert.Equal(t, tasks.Failed, failed.Status)
	assert.Contains(t, failed.Error.Message, "snapshotter")
}

func TestConcurrentRegistrationsAreAllKept(t *testing.T) {
	e := newEnv(t, Options{})
	const n = 400
	uids := make([]tasks.TaskID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := e.s.Register(settings("movies"))
			assert.NoError(t, err)
			if task != nil {
				uids[i] = task.UID
			}
		}(i)
	}
	wg.Wait()

	distinct := roaring.New()
	for _, uid := range uids {
		distinct.Add(uid)
	}
	assert.Equal(t, uint64(n), distinct.GetCardinality())
	enqueued, err := e.q.GetStatus(e.q.Database(), tasks.Enqueued)
	require.NoError(t, err)
	assert.True(t, enqueued.Equals(distinct))
	assert.Equal(t, uint64(n), e.indexTasks("movies").GetCardinality())
	e.consistent(nil)
}

type blockingExecutor struct {
	fakeExecutor
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) Apply(ctx context.Context, wtxn *pebble.Batch, index *indexmapper.Index, op IndexOperation,
	progress *processing.Progress, stats *tasks.EmbedderStats) ([]*tasks.Task, *ContentionTelemetry, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.fakeExecutor.Apply(ctx, wtxn, index, op, progress, stats)
}

func TestRegisterWhileABatchIsProcessing(t *testing.T) {
	executor := &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	e := newEnv(t, Options{Executor: executor})
	first := e.register(settings("books"))

	done := make(chan error, 1)
	go func() {
		_, err := e.s.Tick(context.Background())
		done <- err
	}()
	<-executor.started
	late := e.register(settings("songs"))
	close(executor.release)
	require.NoError(t, <-done)

	assert.Equal(t, tasks.Succeeded, e.task(first.UID).Status)
	assert.Equal(t, tasks.Enqueued, e.task(late.UID).Status)
	enqueued, err := e.q.GetStatus(e.q.Database(), tasks.Enqueued)
	require.NoError(t, err)
	assert.True(t, enqueued.Contains(late.UID))
	assert.True(t, e.indexTasks("songs").Contains(late.UID))
	e.consistent(nil)

	assert.Equal(t, TickAgain, e.tick())
	assert.Equal(t, tasks.Succeeded, e.task(late.UID).Status)
}
