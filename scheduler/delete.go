package scheduler

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
)

func corruptedTask(uid tasks.TaskID) error {
	return fmt.Errorf("%w: task %d missing", taskq_errors.ErrCorruptedTaskQueue, uid)
}

func (p *Processor) processDeletions(b *TaskDeletionsBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	matched := roaring.New()
	for _, del := range b.Deletions {
		if del.Kind.Tasks != nil {
			matched.Or(del.Kind.Tasks)
		}
	}
	var deleted *roaring.Bitmap
	err := p.write(func(wtxn *pebble.Batch) (err error) {
		deleted, err = p.deleteMatchedTasks(wtxn, matched, progress)
		return err
	})
	if err != nil {
		return nil, err
	}

	list := make([]*tasks.Task, 0, len(b.Deletions))
	for _, del := range b.Deletions {
		task := del.Task
		task.Status = tasks.Succeeded
		var count uint64
		if del.Kind.Tasks != nil {
			count = deleted.AndCardinality(del.Kind.Tasks)
		}
		details, ok := task.Details.(*tasks.TaskDeletionDetails)
		if !ok {
			details = del.Kind.DefaultDetails().(*tasks.TaskDeletionDetails)
			task.Details = details
		}
		details.DeletedTasks = ptr(count)
		list = append(list, task)
	}
	return list, nil
}

// touched collects the dimension values of the deleted tasks, so only
// those entries get rewritten.
type touched struct {
	indexes    map[string]struct{}
	statuses   map[tasks.Status]struct{}
	kinds      map[tasks.Kind]struct{}
	cancelers  *roaring.Bitmap
	fromBatch  map[tasks.BatchID]*roaring.Bitmap
	batchOrder []tasks.BatchID
}

func newTouched() *touched {
	return &touched{
		indexes:   map[string]struct{}{},
		statuses:  map[tasks.Status]struct{}{},
		kinds:     map[tasks.Kind]struct{}{},
		cancelers: roaring.New(),
		fromBatch: map[tasks.BatchID]*roaring.Bitmap{},
	}
}

func (t *touched) add(task *tasks.Task) {
	for _, index := range task.Indexes() {
		t.indexes[index] = struct{}{}
	}
	t.statuses[task.Status] = struct{}{}
	t.kinds[task.Kind.Kind()] = struct{}{}
	if task.CanceledBy != nil {
		t.cancelers.Add(*task.CanceledBy)
	}
	if task.BatchUID != nil {
		uid := *task.BatchUID
		removed, ok := t.fromBatch[uid]
		if !ok {
			removed = roaring.New()
			t.fromBatch[uid] = removed
			t.batchOrder = append(t.batchOrder, uid)
		}
		removed.Add(task.UID)
	}
}

// deleteMatchedTasks removes the finished tasks of matched from the store
// and every bitmap, then deletes the batches left without tasks. It returns
// the ids actually removed.
func (p *Processor) deleteMatchedTasks(wtxn *pebble.Batch, matched *roaring.Bitmap, progress *processing.Progress) (*roaring.Bitmap, error) {
	progress.Update(processing.NewStep("deleting tasks date time", 0, 4))
	enqueued, err := p.queue.GetStatus(wtxn, tasks.Enqueued)
	if err != nil {
		return nil, err
	}
	all, err := p.queue.AllTaskIDs(wtxn)
	if err != nil {
		return nil, err
	}
	toDelete := roaring.And(all, matched)
	toDelete.AndNot(p.processing.Processing())
	toDelete.AndNot(enqueued)

	seen := newTouched()
	step := processing.NewAtomicStep("task", uint32(toDelete.GetCardinality()))
	progress.Update(step)
	for it := toDelete.Iterator(); it.HasNext(); {
		uid := it.Next()
		task, err := p.queue.GetTask(wtxn, uid)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, corruptedTask(uid)
		}
		seen.add(task)
		// content files of finished tasks were removed when they finished
		if err = p.queue.TaskEnqueued.RemoveTime(wtxn, task.EnqueuedAt, uid); err != nil {
			return nil, err
		}
		if task.StartedAt != nil {
			if err = p.queue.TaskStarted.RemoveTime(wtxn, *task.StartedAt, uid); err != nil {
				return nil, err
			}
		}
		if task.FinishedAt != nil {
			if err = p.queue.TaskFinished.RemoveTime(wtxn, *task.FinishedAt, uid); err != nil {
				return nil, err
			}
		}
		step.Inc()
	}

	progress.Update(processing.NewStep("deleting tasks metadata", 1, 4))
	step = processing.NewAtomicStep("task", uint32(len(seen.indexes)+len(seen.statuses)+len(seen.kinds)))
	progress.Update(step)
	drop := func(bm *roaring.Bitmap) { bm.AndNot(toDelete) }
	for index := range seen.indexes {
		if err = p.queue.UpdateIndex(wtxn, index, drop); err != nil {
			return nil, err
		}
		step.Inc()
	}
	for status := range seen.statuses {
		if err = p.queue.UpdateStatus(wtxn, status, drop); err != nil {
			return nil, err
		}
		step.Inc()
	}
	for kind := range seen.kinds {
		if err = p.queue.UpdateKind(wtxn, kind, drop); err != nil {
			return nil, err
		}
		step.Inc()
	}

	progress.Update(processing.NewStep("deleting tasks", 2, 4))
	step = processing.NewAtomicStep("task", uint32(toDelete.GetCardinality()))
	progress.Update(step)
	for it := toDelete.Iterator(); it.HasNext(); {
		if err = p.queue.DeleteTask(wtxn, it.Next()); err != nil {
			return nil, err
		}
		step.Inc()
	}
	for it := seen.cancelers.Iterator(); it.HasNext(); {
		canceler := it.Next()
		canceled, err := p.queue.CanceledByTasks(wtxn, canceler)
		if err != nil {
			return nil, err
		}
		canceled.AndNot(toDelete)
		if canceled.IsEmpty() {
			err = p.queue.DeleteCanceledBy(wtxn, canceler)
		} else {
			err = p.queue.PutCanceledBy(wtxn, canceler, canceled)
		}
		if err != nil {
			return nil, err
		}
	}

	progress.Update(processing.NewStep("deleting batches", 3, 4))
	batchStep := processing.NewAtomicStep("batch", uint32(len(seen.batchOrder)))
	progress.Update(batchStep)
	for _, uid := range seen.batchOrder {
		if err = p.shrinkBatch(wtxn, uid, seen.fromBatch[uid], seen); err != nil {
			return nil, err
		}
		batchStep.Inc()
	}
	return toDelete, nil
}

// shrinkBatch drops removed from the membership of batch uid, deletes the
// batch once it has no task left and prunes the dimension entries the batch
// no longer owns a task in.
func (p *Processor) shrinkBatch(wtxn *pebble.Batch, uid tasks.BatchID, removed *roaring.Bitmap, seen *touched) error {
	members, err := p.queue.BatchTasks(wtxn, uid)
	if err != nil {
		return err
	}
	members.AndNot(removed)
	if members.IsEmpty() {
		batch, err := p.queue.GetBatch(wtxn, uid)
		if err != nil {
			return err
		}
		if batch != nil {
			if err = p.queue.DeleteBatch(wtxn, batch); err != nil {
				return err
			}
		} else if err = p.queue.PutBatchTasks(wtxn, uid, nil); err != nil {
			return err
		}
	} else if err = p.queue.PutBatchTasks(wtxn, uid, members); err != nil {
		return err
	}

	unlink := func(bm *roaring.Bitmap) { bm.Remove(uid) }
	for index := range seen.indexes {
		left, err := p.queue.IndexTasks(wtxn, index)
		if err != nil {
			return err
		}
		if !left.Intersects(members) {
			if err = p.queue.UpdateBatchIndex(wtxn, index, unlink); err != nil {
				return err
			}
		}
	}
	for status := range seen.statuses {
		left, err := p.queue.GetStatus(wtxn, status)
		if err != nil {
			return err
		}
		if !left.Intersects(members) {
			if err = p.queue.UpdateBatchStatus(wtxn, status, unlink); err != nil {
				return err
			}
		}
	}
	for kind := range seen.kinds {
		left, err := p.queue.GetKind(wtxn, kind)
		if err != nil {
			return err
		}
		if !left.Intersects(members) {
			if err = p.queue.UpdateBatchKind(wtxn, kind, unlink); err != nil {
				return err
			}
		}
	}
	return nil
}
