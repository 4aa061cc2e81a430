package scheduler

import (
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
)

// applyIndexSwap exchanges the names lhs and rhs in every task older than
// taskID and in the index mapping. With rename, rhs must not exist yet and
// lhs is moved to it.
func (p *Processor) applyIndexSwap(wtxn *pebble.Batch, progress *processing.Progress, taskID tasks.TaskID,
	lhs, rhs string, rename bool) error {
	progress.Update(processing.NewStep("checking the indexes", 0, 3))
	ok, err := p.mapper.Exists(wtxn, lhs)
	if err != nil {
		return err
	}
	if !ok {
		return &taskq_errors.IndexNotFoundError{Index: lhs}
	}
	if !rename {
		if ok, err = p.mapper.Exists(wtxn, rhs); err != nil {
			return err
		} else if !ok {
			return &taskq_errors.IndexNotFoundError{Index: rhs}
		}
	}

	// tasks enqueued after the swap already use the new names
	older := func(index string) (*roaring.Bitmap, error) {
		ids, err := p.queue.IndexTasks(wtxn, index)
		if err != nil {
			return nil, err
		}
		ids.RemoveRange(uint64(taskID), math.MaxUint32+1)
		return ids, nil
	}
	lhsIDs, err := older(lhs)
	if err != nil {
		return err
	}
	rhsIDs, err := older(rhs)
	if err != nil {
		return err
	}

	progress.Update(processing.NewStep("updating the tasks", 1, 3))
	rewrite := roaring.Or(lhsIDs, rhsIDs)
	step := processing.NewAtomicStep("task", uint32(rewrite.GetCardinality()))
	progress.Update(step)
	for it := rewrite.Iterator(); it.HasNext(); {
		uid := it.Next()
		task, err := p.queue.GetTask(wtxn, uid)
		if err != nil {
			return err
		}
		if task == nil {
			return corruptedTask(uid)
		}
		tasks.SwapIndexUID(task, lhs, rhs)
		if err = p.queue.PutTask(wtxn, task); err != nil {
			return err
		}
		step.Inc()
	}
	err = p.queue.UpdateIndex(wtxn, lhs, func(bm *roaring.Bitmap) {
		bm.AndNot(lhsIDs)
		bm.Or(rhsIDs)
	})
	if err != nil {
		return err
	}
	err = p.queue.UpdateIndex(wtxn, rhs, func(bm *roaring.Bitmap) {
		bm.AndNot(rhsIDs)
		bm.Or(lhsIDs)
	})
	if err != nil {
		return err
	}

	progress.Update(processing.NewStep("updating the index mapping", 2, 3))
	if rename {
		return p.mapper.Rename(wtxn, lhs, rhs)
	}
	return p.mapper.Swap(wtxn, lhs, rhs)
}
