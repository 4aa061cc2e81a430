package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
	"github.com/google/uuid"
)

// ContentFiles tells whether the content file of a document addition exists.
type ContentFiles interface {
	Exists(id uuid.UUID) bool
}

func eachTask(r pebble.Reader, f func(task *tasks.Task) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: taskRecordPrefix,
		UpperBound: prefixEnd(taskRecordPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		var task tasks.Task
		if err := json.Unmarshal(iter.Value(), &task); err != nil {
			return errors.Join(taskq_errors.ErrBadRecord, err)
		}
		if err := f(&task); err != nil {
			return err
		}
	}
	return iter.Error()
}

func eachBatch(r pebble.Reader, f func(batch *tasks.Batch) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: batchRecordPrefix,
		UpperBound: prefixEnd(batchRecordPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		var batch tasks.Batch
		if err := json.Unmarshal(iter.Value(), &batch); err != nil {
			return errors.Join(taskq_errors.ErrBadRecord, err)
		}
		if err := f(&batch); err != nil {
			return err
		}
	}
	return iter.Error()
}

type checker struct {
	q          *Queue
	r          pebble.Reader
	violations []error
}

func (c *checker) failf(format string, args ...any) {
	c.violations = append(c.violations, fmt.Errorf("%w: "+format, append([]any{taskq_errors.ErrCorruptedTaskQueue}, args...)...))
}

func (c *checker) contains(table Table, value []byte, id uint32, what string) error {
	bm, err := table.Get(c.r, value)
	if err != nil {
		return err
	}
	if !bm.Contains(id) {
		c.failf("%s %d is missing from its %s entry %x", what, id, table.prefix, value)
	}
	return nil
}

// subset reports entries of table that reference ids outside all.
func (c *checker) subset(table Table, all *roaring.Bitmap, what string) error {
	return table.Each(c.r, func(value []byte, bm *roaring.Bitmap) error {
		if extra := roaring.AndNot(bm, all); !extra.IsEmpty() {
			c.failf("entry %s%x references unknown %ss %v", table.prefix, value, what, extra.ToArray())
		}
		return nil
	})
}

// CheckConsistency walks every task and batch record and reports each
// broken invariant between records and bitmaps. The error is only set when
// the walk itself fails.
func (q *Queue) CheckConsistency(r pebble.Reader, files ContentFiles) ([]error, error) {
	c := &checker{q: q, r: r}
	if err := c.checkStatuses(); err != nil {
		return nil, err
	}
	if err := c.checkTasks(files); err != nil {
		return nil, err
	}
	if err := c.checkBatches(); err != nil {
		return nil, err
	}
	return c.violations, nil
}

func (c *checker) checkStatuses() error {
	seen := roaring.New()
	err := c.q.TaskStatus.Each(c.r, func(value []byte, bm *roaring.Bitmap) error {
		if both := roaring.And(seen, bm); !both.IsEmpty() {
			c.failf("tasks %v hold more than one status", both.ToArray())
		}
		seen.Or(bm)
		return nil
	})
	if err != nil {
		return err
	}
	stored := roaring.New()
	err = eachTask(c.r, func(task *tasks.Task) error {
		stored.Add(task.UID)
		return nil
	})
	if err != nil {
		return err
	}
	if !seen.Equals(stored) {
		c.failf("status sets hold %v while the task table holds %v",
			roaring.AndNot(seen, stored).ToArray(), roaring.AndNot(stored, seen).ToArray())
	}
	for _, table := range []Table{c.q.TaskKind, c.q.TaskIndex, c.q.CanceledBy, c.q.TaskEnqueued, c.q.TaskStarted, c.q.TaskFinished} {
		if err := c.subset(table, stored, "task"); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) checkTasks(files ContentFiles) error {
	return eachTask(c.r, func(task *tasks.Task) error {
		uid := task.UID
		if err := c.contains(c.q.TaskStatus, statusSuffix(task.Status), uid, "task"); err != nil {
			return err
		}
		if err := c.contains(c.q.TaskKind, kindSuffix(task.Kind.Kind()), uid, "task"); err != nil {
			return err
		}
		for _, index := range task.Indexes() {
			if err := c.contains(c.q.TaskIndex, []byte(index), uid, "task"); err != nil {
				return err
			}
		}
		if err := c.contains(c.q.TaskEnqueued, timeSuffix(task.EnqueuedAt), uid, "task"); err != nil {
			return err
		}
		for _, at := range dates(task.StartedAt) {
			if err := c.contains(c.q.TaskStarted, timeSuffix(at), uid, "task"); err != nil {
				return err
			}
		}
		for _, at := range dates(task.FinishedAt) {
			if err := c.contains(c.q.TaskFinished, timeSuffix(at), uid, "task"); err != nil {
				return err
			}
		}
		if task.Status != tasks.Enqueued {
			if task.BatchUID == nil {
				c.failf("task %d is %s without a batch", uid, task.Status)
			} else if err := c.contains(c.q.BatchMembers, uidSuffix(*task.BatchUID), uid, "task"); err != nil {
				return err
			}
		}
		if task.CanceledBy != nil {
			if err := c.checkCanceler(task); err != nil {
				return err
			}
		}
		if id, ok := task.ContentUUID(); ok && files != nil {
			live := task.Status == tasks.Enqueued || task.Status == tasks.Processing
			if exists := files.Exists(id); exists != live {
				c.failf("task %d is %s but its content file %s exists=%t", uid, task.Status, id, exists)
			}
		}
		return nil
	})
}

func (c *checker) checkCanceler(task *tasks.Task) error {
	canceler, err := c.q.GetTask(c.r, *task.CanceledBy)
	if err != nil {
		return err
	}
	if canceler == nil {
		// a task deletion may remove the canceler and keep what it canceled
		return c.contains(c.q.CanceledBy, uidSuffix(*task.CanceledBy), task.UID, "canceled task")
	}
	cancelation, ok := canceler.Kind.(*tasks.TaskCancelation)
	switch {
	case !ok:
		c.failf("task %d is canceled by task %d of kind %s", task.UID, canceler.UID, canceler.Kind.Kind())
	case canceler.Status != tasks.Succeeded:
		c.failf("task %d is canceled by %s task %d", task.UID, canceler.Status, canceler.UID)
	case cancelation.Tasks == nil || !cancelation.Tasks.Contains(task.UID):
		c.failf("task %d is canceled by task %d which never matched it", task.UID, canceler.UID)
	}
	return c.contains(c.q.CanceledBy, uidSuffix(canceler.UID), task.UID, "canceled task")
}

func (c *checker) checkBatches() error {
	stored := roaring.New()
	err := eachBatch(c.r, func(batch *tasks.Batch) error {
		uid := batch.UID
		stored.Add(uid)
		members, err := c.q.BatchTasks(c.r, uid)
		if err != nil {
			return err
		}
		list, err := c.q.GetExistingTasks(c.r, members)
		if err != nil {
			c.failf("batch %d: %s", uid, err)
			return nil
		}
		for _, task := range list {
			if task.BatchUID == nil || *task.BatchUID != uid {
				c.failf("task %d is a member of batch %d but points at %v", task.UID, uid, task.BatchUID)
			}
			if span := batch.EnqueuedAt; span != nil && batch.FinishedAt != nil {
				if task.EnqueuedAt.Before(span.Oldest) || task.EnqueuedAt.After(span.Earliest) {
					c.failf("task %d enqueued at %s is outside the span of batch %d", task.UID, task.EnqueuedAt, uid)
				}
			}
		}
		for _, value := range batchStatuses(batch) {
			if err := c.contains(c.q.BatchStatus, value, uid, "batch"); err != nil {
				return err
			}
		}
		for _, value := range batchKinds(batch) {
			if err := c.contains(c.q.BatchKind, value, uid, "batch"); err != nil {
				return err
			}
		}
		for _, value := range batchIndexes(batch) {
			if err := c.contains(c.q.BatchIndex, value, uid, "batch"); err != nil {
				return err
			}
		}
		return c.contains(c.q.BatchStarted, timeSuffix(batch.StartedAt), uid, "batch")
	})
	if err != nil {
		return err
	}
	for _, table := range []Table{c.q.BatchStatus, c.q.BatchKind, c.q.BatchIndex, c.q.BatchEnqueued, c.q.BatchStarted, c.q.BatchFinished} {
		if err := c.subset(table, stored, "batch"); err != nil {
			return err
		}
	}
	return c.q.BatchMembers.Each(c.r, func(value []byte, _ *roaring.Bitmap) error {
		if uid := uidFromKey(value); !stored.Contains(uid) {
			c.failf("membership of missing batch %d", uid)
		}
		return nil
	})
}
