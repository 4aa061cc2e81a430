package queue

import (
	"os"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) *Queue {
	dir, err := os.MkdirTemp("", "*")
	require.NoError(t, err)
	q, err := Open(dir, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.Close()
		_ = os.RemoveAll(dir)
	})
	return q
}

func newTask(uid tasks.TaskID, at time.Time, kind tasks.KindWithContent) *tasks.Task {
	return &tasks.Task{
		UID:        uid,
		EnqueuedAt: at,
		Status:     tasks.Enqueued,
		Kind:       kind,
		Details:    kind.DefaultDetails(),
	}
}

type fileSet map[uuid.UUID]bool

func (f fileSet) Exists(id uuid.UUID) bool { return f[id] }

func TestTimeSuffixOrder(t *testing.T) {
	before := time.Unix(-10, 0)
	epoch := time.Unix(0, 0)
	after := time.Unix(10, 5)
	assert.Less(t, string(timeSuffix(before)), string(timeSuffix(epoch)))
	assert.Less(t, string(timeSuffix(epoch)), string(timeSuffix(after)))
	assert.True(t, after.Equal(timeFromSuffix(timeSuffix(after))))
	assert.Equal(t, []byte{'T', 'B'}, prefixEnd([]byte{'T', 'A'}))
	assert.Equal(t, []byte{'U'}, prefixEnd([]byte{'T', 0xff}))
}

func TestRegisterAndUpdateTask(t *testing.T) {
	q := testQueue(t)
	now := tasks.Now()
	w := q.WriteTxn()
	next, err := q.NextTaskID(w)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskID(0), next)

	require.NoError(t, q.Register(w, newTask(0, now, &tasks.IndexCreation{Index: "movies"})))
	require.NoError(t, q.Register(w, newTask(1, now, &tasks.DocumentClear{Index: "books"})))
	require.NoError(t, q.Commit(w))

	r := q.ReadTxn()
	next, err = q.NextTaskID(r)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskID(2), next)
	enqueued, err := q.GetStatus(r, tasks.Enqueued)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, enqueued.ToArray())
	movies, err := q.IndexTasks(r, "movies")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, movies.ToArray())
	require.NoError(t, r.Close())

	w = q.WriteTxn()
	task, err := q.GetTask(w, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	batch := tasks.BatchID(0)
	started := now.Add(time.Second)
	finished := started.Add(time.Second)
	task.Status = tasks.Succeeded
	task.BatchUID = &batch
	task.StartedAt = &started
	task.FinishedAt = &finished
	require.NoError(t, q.UpdateTask(w, task))
	require.NoError(t, q.Commit(w))

	r = q.ReadTxn()
	defer r.Close()
	enqueued, _ = q.GetStatus(r, tasks.Enqueued)
	succeeded, _ := q.GetStatus(r, tasks.Succeeded)
	assert.Equal(t, []uint32{1}, enqueued.ToArray())
	assert.Equal(t, []uint32{0}, succeeded.ToArray())
	startedIDs, err := q.TaskStarted.Within(r, &now, &finished)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, startedIDs.ToArray())
	all, _ := q.AllTaskIDs(r)
	assert.Equal(t, []uint32{0, 1}, all.ToArray())

	ids := roaring.BitmapOf(0, 1)
	require.NoError(t, q.KeepWithinDatetimes(r, q.TaskFinished, ids, &now, nil))
	assert.Equal(t, []uint32{0}, ids.ToArray())
}

func TestGetExistingTasksReportsCorruption(t *testing.T) {
	q := testQueue(t)
	w := q.WriteTxn()
	require.NoError(t, q.Register(w, newTask(0, tasks.Now(), &tasks.SnapshotCreation{})))
	_, err := q.GetExistingTasks(w, roaring.BitmapOf(0, 7))
	assert.ErrorIs(t, err, taskq_errors.ErrCorruptedTaskQueue)
	list, err := q.GetExistingTasks(w, roaring.BitmapOf(0))
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, w.Close())
}

func TestEmptyBitmapsAreDeleted(t *testing.T) {
	q := testQueue(t)
	w := q.WriteTxn()
	require.NoError(t, q.UpdateIndex(w, "a", func(bm *roaring.Bitmap) { bm.Add(3) }))
	require.NoError(t, q.UpdateIndex(w, "a", func(bm *roaring.Bitmap) { bm.Remove(3) }))
	count := 0
	require.NoError(t, q.TaskIndex.Each(w, func(_ []byte, _ *roaring.Bitmap) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count)
	require.NoError(t, w.Close())
}

func TestRemoveNEarlierThan(t *testing.T) {
	q := testQueue(t)
	base := tasks.Now()
	w := q.WriteTxn()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.BatchEnqueued.InsertTime(w, base.Add(time.Duration(i)*time.Second), 9))
	}
	require.NoError(t, q.BatchEnqueued.InsertTime(w, base.Add(2*time.Second), 1))
	// from before the 4th entry: drops the 3rd and 2nd
	require.NoError(t, q.BatchEnqueued.RemoveNEarlierThan(w, base.Add(3*time.Second), 2, 9))
	left, err := q.BatchEnqueued.Within(w, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 9}, left.ToArray())
	second, _ := q.BatchEnqueued.Get(w, timeSuffix(base.Add(time.Second)))
	third, _ := q.BatchEnqueued.Get(w, timeSuffix(base.Add(2*time.Second)))
	first, _ := q.BatchEnqueued.Get(w, timeSuffix(base))
	assert.True(t, second.IsEmpty())
	assert.Equal(t, []uint32{1}, third.ToArray())
	assert.Equal(t, []uint32{9}, first.ToArray())
	require.NoError(t, w.Close())
}

func finishedBatch(uid tasks.BatchID, at time.Time, status tasks.Status, index string) *tasks.Batch {
	finished := at.Add(time.Second)
	stats := tasks.NewBatchStats()
	stats.TotalNbTasks = 1
	stats.Status[status] = 1
	stats.Types[tasks.KindDocumentDeletion] = 1
	stats.IndexUIDs[index] = 1
	return &tasks.Batch{
		UID:        uid,
		Stats:      stats,
		StartedAt:  at,
		FinishedAt: &finished,
		EnqueuedAt: &tasks.BatchEnqueuedAt{Earliest: at, Oldest: at},
	}
}

func TestWriteAndDeleteBatch(t *testing.T) {
	q := testQueue(t)
	now := tasks.Now()
	w := q.WriteTxn()

	placeholder := &tasks.Batch{UID: 0, Stats: tasks.NewBatchStats(), StartedAt: now}
	placeholder.Stats.Status[tasks.Processing] = 1
	placeholder.Stats.Types[tasks.KindDocumentDeletion] = 1
	placeholder.Stats.IndexUIDs["a"] = 1
	require.NoError(t, q.WriteBatch(w, placeholder, roaring.BitmapOf(0)))
	processing, _ := q.GetBatchStatus(w, tasks.Processing)
	assert.Equal(t, []uint32{0}, processing.ToArray())

	batch := finishedBatch(0, now, tasks.Succeeded, "a")
	require.NoError(t, q.WriteBatch(w, batch, roaring.BitmapOf(0)))
	processing, _ = q.GetBatchStatus(w, tasks.Processing)
	succeeded, _ := q.GetBatchStatus(w, tasks.Succeeded)
	assert.True(t, processing.IsEmpty())
	assert.Equal(t, []uint32{0}, succeeded.ToArray())
	next, _ := q.NextBatchID(w)
	assert.Equal(t, tasks.BatchID(1), next)

	stored, err := q.GetBatch(w, 0)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint32(1), stored.Stats.Status[tasks.Succeeded])

	require.NoError(t, q.DeleteBatch(w, stored))
	for _, table := range []Table{q.BatchStatus, q.BatchKind, q.BatchIndex, q.BatchEnqueued, q.BatchStarted, q.BatchFinished, q.BatchMembers} {
		left, err := table.Union(w)
		require.NoError(t, err)
		assert.True(t, left.IsEmpty(), "table %s", table.prefix)
	}
	gone, err := q.GetBatch(w, 0)
	require.NoError(t, err)
	assert.Nil(t, gone)
	require.NoError(t, w.Close())
}

func TestDeleteLegacyBatchScansBack(t *testing.T) {
	q := testQueue(t)
	now := tasks.Now()
	w := q.WriteTxn()
	batch := finishedBatch(4, now, tasks.Succeeded, "a")
	batch.EnqueuedAt = nil
	batch.Stats.TotalNbTasks = 5
	require.NoError(t, q.WriteBatch(w, batch, roaring.BitmapOf(1)))
	require.NoError(t, q.BatchEnqueued.InsertTime(w, now.Add(-2*time.Second), 4))
	require.NoError(t, q.BatchEnqueued.InsertTime(w, now.Add(-time.Second), 4))
	require.NoError(t, q.BatchEnqueued.InsertTime(w, now.Add(-3*time.Second), 4))
	require.NoError(t, q.DeleteBatch(w, batch))
	left, _ := q.BatchEnqueued.Union(w)
	// at most two entries are removed
	assert.Equal(t, []uint32{4}, left.ToArray())
	oldest, _ := q.BatchEnqueued.Get(w, timeSuffix(now.Add(-3*time.Second)))
	assert.Equal(t, []uint32{4}, oldest.ToArray())
	require.NoError(t, w.Close())
}

func TestCheckConsistency(t *testing.T) {
	q := testQueue(t)
	now := tasks.Now()
	file := uuid.New()
	w := q.WriteTxn()
	add := newTask(0, now, &tasks.DocumentAdditionOrUpdate{Index: "a", ContentFile: file, DocumentsCount: 1})
	require.NoError(t, q.Register(w, add))
	require.NoError(t, q.Commit(w))

	r := q.ReadTxn()
	violations, err := q.CheckConsistency(r, fileSet{file: true})
	require.NoError(t, err)
	assert.Empty(t, violations)
	violations, err = q.CheckConsistency(r, fileSet{})
	require.NoError(t, err)
	assert.Len(t, violations, 1)
	require.NoError(t, r.Close())

	// a processed task without its batch membership
	w = q.WriteTxn()
	batch := tasks.BatchID(3)
	add.Status = tasks.Succeeded
	add.BatchUID = &batch
	require.NoError(t, q.UpdateTask(w, add))
	require.NoError(t, q.UpdateKind(w, tasks.KindIndexSwap, func(bm *roaring.Bitmap) { bm.Add(42) }))
	require.NoError(t, q.Commit(w))

	r = q.ReadTxn()
	defer r.Close()
	violations, err = q.CheckConsistency(r, fileSet{})
	require.NoError(t, err)
	assert.Len(t, violations, 2)
	for _, v := range violations {
		assert.ErrorIs(t, v, taskq_errors.ErrCorruptedTaskQueue)
	}
}

func TestCleanup(t *testing.T) {
	q := testQueue(t)
	now := tasks.Now()
	w := q.WriteTxn()
	for uid := tasks.TaskID(0); uid < 6; uid++ {
		task := newTask(uid, now, &tasks.SnapshotCreation{})
		if uid%2 == 0 {
			task.Status = tasks.Succeeded
		}
		require.NoError(t, q.Register(w, task))
	}
	victims, err := q.Cleanup(w, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2}, victims.ToArray())
	victims, err = q.Cleanup(w, 10)
	require.NoError(t, err)
	assert.True(t, victims.IsEmpty())
	require.NoError(t, w.Close())
}
