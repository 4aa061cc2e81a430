package processing

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/drpcorg/taskq/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(uid tasks.TaskID, at time.Time, index string) *tasks.Task {
	kind := &tasks.DocumentClear{Index: index}
	return &tasks.Task{UID: uid, EnqueuedAt: at, Status: tasks.Enqueued, Kind: kind, Details: kind.DefaultDetails()}
}

func TestProcessingWidensEnqueuedSpan(t *testing.T) {
	base := tasks.Now()
	batch := New(7)
	a, b, c := task(0, base.Add(time.Second), "x"), task(1, base, "x"), task(2, base.Add(3*time.Second), "y")
	batch.Processing(a, b, c)

	require.NotNil(t, batch.EnqueuedAt)
	assert.True(t, batch.EnqueuedAt.Oldest.Equal(base))
	assert.True(t, batch.EnqueuedAt.Earliest.Equal(base.Add(3*time.Second)))
	assert.Equal(t, uint32(3), batch.Stats.TotalNbTasks)
	assert.Equal(t, uint32(3), batch.Stats.Status[tasks.Processing])
	assert.Equal(t, uint32(2), batch.Stats.IndexUIDs["x"])
	assert.Contains(t, batch.Statuses, tasks.Processing)
	for _, tk := range []*tasks.Task{a, b, c} {
		assert.Equal(t, tasks.Processing, tk.Status)
		require.NotNil(t, tk.BatchUID)
		assert.Equal(t, tasks.BatchID(7), *tk.BatchUID)
		assert.True(t, tk.StartedAt.Equal(batch.StartedAt))
	}
}

func TestUpdateIsOrderIndependent(t *testing.T) {
	base := tasks.Now()
	statuses := []tasks.Status{tasks.Succeeded, tasks.Succeeded, tasks.Failed}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, order := range orders {
		batch := New(1)
		list := []*tasks.Task{task(0, base, "x"), task(1, base, "x"), task(2, base, "x")}
		batch.Processing(list...)
		batch.Finished()
		assert.Empty(t, batch.Statuses)
		assert.Equal(t, uint32(0), batch.Stats.TotalNbTasks)
		for _, i := range order {
			list[i].Status = statuses[i]
			batch.Update(list[i])
		}
		record := batch.ToBatch()
		assert.Equal(t, map[tasks.Status]uint32{tasks.Succeeded: 2, tasks.Failed: 1}, record.Stats.Status)
		assert.Equal(t, uint32(3), record.Stats.TotalNbTasks)
		require.NotNil(t, record.FinishedAt)
		for _, tk := range list {
			assert.True(t, tk.FinishedAt.Equal(*record.FinishedAt))
		}
	}
}

func TestUpdateStampsMidBatchTasks(t *testing.T) {
	batch := New(2)
	batch.Processing(task(0, tasks.Now(), "x"))
	batch.Finished()
	late := task(9, tasks.Now(), "y")
	late.Status = tasks.Canceled
	batch.Update(late)
	require.NotNil(t, late.BatchUID)
	assert.Equal(t, tasks.BatchID(2), *late.BatchUID)
	assert.True(t, late.StartedAt.Equal(batch.StartedAt))
	assert.Contains(t, batch.Statuses, tasks.Canceled)
	assert.Equal(t, uint32(1), batch.ToBatch().Stats.IndexUIDs["y"])
}

func TestProgressView(t *testing.T) {
	p := NewProgress()
	assert.Empty(t, p.View().Steps)
	p.Update(NewStep("swapping indexes", 1, 4))
	inner := NewAtomicStep("updating tasks", 10)
	p.Update(inner)
	for i := 0; i < 5; i++ {
		inner.Inc()
	}
	view := p.View()
	require.Len(t, view.Steps, 2)
	assert.Equal(t, uint32(5), view.Steps[1].Current)
	assert.InDelta(t, 25.0+12.5, view.Percentage, 0.001)

	// same level again drops the deeper one
	p.Update(NewStep("swapping indexes", 2, 4))
	view = p.View()
	require.Len(t, view.Steps, 1)
	assert.InDelta(t, 50.0, view.Percentage, 0.001)

	durations := p.AccumulatedDurations()
	assert.Contains(t, durations, "swapping indexes")
	assert.Contains(t, durations, "updating tasks")
	assert.Empty(t, p.View().Steps)
}

func TestProcessingTasks(t *testing.T) {
	var current ProcessingTasks
	assert.Nil(t, current.Current())
	assert.True(t, current.Processing().IsEmpty())

	ids := roaring.BitmapOf(1, 2)
	current.Start(3, ids, NewProgress())
	ids.Add(5)
	assert.Equal(t, []uint32{1, 2}, current.Processing().ToArray())
	assert.True(t, current.IsProcessing(2))
	assert.False(t, current.IsProcessing(5))
	assert.Equal(t, tasks.BatchID(3), current.Current().Batch)

	assert.Equal(t, []uint32{1, 2}, current.Stop().ToArray())
	assert.Nil(t, current.Current())
	assert.True(t, current.Stop().IsEmpty())
}
