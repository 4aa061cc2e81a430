package queue

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
)

// GetTask returns nil without error when the task does not exist.
func (q *Queue) GetTask(r pebble.Reader, uid tasks.TaskID) (*tasks.Task, error) {
	var task tasks.Task
	found, err := getRecord(r, taskKey(uid), &task)
	if err != nil {
		return nil, fmt.Errorf("read task %d: %w", uid, err)
	}
	if !found {
		return nil, nil
	}
	return &task, nil
}

// GetExistingTasks loads every id of the set. Ids referenced by a bitmap
// but missing from the task table mean the queue is corrupted.
func (q *Queue) GetExistingTasks(r pebble.Reader, ids *roaring.Bitmap) ([]*tasks.Task, error) {
	list := make([]*tasks.Task, 0, ids.GetCardinality())
	missing := roaring.New()
	it := ids.Iterator()
	for it.HasNext() {
		uid := it.Next()
		task, err := q.GetTask(r, uid)
		if err != nil {
			return nil, err
		}
		if task == nil {
			missing.Add(uid)
			continue
		}
		list = append(list, task)
	}
	if !missing.IsEmpty() {
		return nil, corrupted("tasks", missing)
	}
	return list, nil
}

// PutTask writes the record only, bitmaps are left as they are.
func (q *Queue) PutTask(w pebble.Writer, task *tasks.Task) error {
	return putRecord(w, taskKey(task.UID), task)
}

func (q *Queue) DeleteTask(w pebble.Writer, uid tasks.TaskID) error {
	return w.Delete(taskKey(uid), nil)
}

// AllTaskIDs is the union of the status sets.
func (q *Queue) AllTaskIDs(r pebble.Reader) (*roaring.Bitmap, error) {
	return q.TaskStatus.Union(r)
}

func (q *Queue) NextTaskID(r pebble.Reader) (tasks.TaskID, error) {
	uid, found, err := lastUID(r, taskRecordPrefix)
	if err != nil || !found {
		return 0, err
	}
	return uid + 1, nil
}

// Register stores a new task and adds it to every bitmap its fields select.
func (q *Queue) Register(w *pebble.Batch, task *tasks.Task) error {
	if err := q.PutTask(w, task); err != nil {
		return err
	}
	uid := task.UID
	for _, index := range task.Indexes() {
		if err := q.TaskIndex.Insert(w, []byte(index), uid); err != nil {
			return err
		}
	}
	if err := q.TaskStatus.Insert(w, statusSuffix(task.Status), uid); err != nil {
		return err
	}
	if err := q.TaskKind.Insert(w, kindSuffix(task.Kind.Kind()), uid); err != nil {
		return err
	}
	if err := q.TaskEnqueued.InsertTime(w, task.EnqueuedAt, uid); err != nil {
		return err
	}
	if err := retime(w, q.TaskStarted, nil, dates(task.StartedAt), uid); err != nil {
		return err
	}
	return retime(w, q.TaskFinished, nil, dates(task.FinishedAt), uid)
}

// UpdateTask persists a mutated task and moves it between the status, kind,
// index and date sets its change affects.
func (q *Queue) UpdateTask(w *pebble.Batch, task *tasks.Task) error {
	uid := task.UID
	old, err := q.GetTask(w, uid)
	if err != nil {
		return err
	}
	if old == nil {
		return corrupted("tasks", roaring.BitmapOf(uid))
	}
	if !old.EnqueuedAt.Equal(task.EnqueuedAt) {
		return fmt.Errorf("%w: enqueue date of task %d changed", taskq_errors.ErrCorruptedTaskQueue, uid)
	}
	if old.Status != task.Status {
		if err = q.TaskStatus.Remove(w, statusSuffix(old.Status), uid); err != nil {
			return err
		}
		if err = q.TaskStatus.Insert(w, statusSuffix(task.Status), uid); err != nil {
			return err
		}
	}
	if oldKind, kind := old.Kind.Kind(), task.Kind.Kind(); oldKind != kind {
		if err = q.TaskKind.Remove(w, kindSuffix(oldKind), uid); err != nil {
			return err
		}
		if err = q.TaskKind.Insert(w, kindSuffix(kind), uid); err != nil {
			return err
		}
	}
	if err = reindex(w, q.TaskIndex, names(old.Indexes()), names(task.Indexes()), uid); err != nil {
		return err
	}
	if err = retime(w, q.TaskStarted, dates(old.StartedAt), dates(task.StartedAt), uid); err != nil {
		return err
	}
	if err = retime(w, q.TaskFinished, dates(old.FinishedAt), dates(task.FinishedAt), uid); err != nil {
		return err
	}
	return q.PutTask(w, task)
}

func (q *Queue) GetStatus(r pebble.Reader, status tasks.Status) (*roaring.Bitmap, error) {
	return q.TaskStatus.Get(r, statusSuffix(status))
}

func (q *Queue) UpdateStatus(w *pebble.Batch, status tasks.Status, f func(bm *roaring.Bitmap)) error {
	return q.TaskStatus.Update(w, statusSuffix(status), f)
}

func (q *Queue) GetKind(r pebble.Reader, kind tasks.Kind) (*roaring.Bitmap, error) {
	return q.TaskKind.Get(r, kindSuffix(kind))
}

func (q *Queue) UpdateKind(w *pebble.Batch, kind tasks.Kind, f func(bm *roaring.Bitmap)) error {
	return q.TaskKind.Update(w, kindSuffix(kind), f)
}

func (q *Queue) IndexTasks(r pebble.Reader, index string) (*roaring.Bitmap, error) {
	return q.TaskIndex.Get(r, []byte(index))
}

func (q *Queue) UpdateIndex(w *pebble.Batch, index string, f func(bm *roaring.Bitmap)) error {
	return q.TaskIndex.Update(w, []byte(index), f)
}

// CanceledByTasks are the tasks the cancelation task canceler has canceled.
func (q *Queue) CanceledByTasks(r pebble.Reader, canceler tasks.TaskID) (*roaring.Bitmap, error) {
	return q.CanceledBy.Get(r, uidSuffix(canceler))
}

func (q *Queue) PutCanceledBy(w pebble.Writer, canceler tasks.TaskID, canceled *roaring.Bitmap) error {
	return q.CanceledBy.Put(w, uidSuffix(canceler), canceled)
}

func (q *Queue) DeleteCanceledBy(w pebble.Writer, canceler tasks.TaskID) error {
	return q.CanceledBy.Put(w, uidSuffix(canceler), nil)
}

// KeepWithinDatetimes narrows ids to those whose date in table lies
// strictly between after and before.
func (q *Queue) KeepWithinDatetimes(r pebble.Reader, table Table, ids *roaring.Bitmap, after, before *time.Time) error {
	if after == nil && before == nil {
		return nil
	}
	within, err := table.Within(r, after, before)
	if err != nil {
		return err
	}
	ids.And(within)
	return nil
}

func uidSuffix(uid uint32) []byte {
	return uidKey(nil, uid)
}

func dates(at ...*time.Time) []time.Time {
	list := make([]time.Time, 0, len(at))
	for _, t := range at {
		if t != nil {
			list = append(list, *t)
		}
	}
	return list
}

func names(list []string) [][]byte {
	values := make([][]byte, 0, len(list))
	for _, name := range list {
		values = append(values, []byte(name))
	}
	return values
}

// reindex moves id out of the entries only old has and into the entries
// only new has.
func reindex(w *pebble.Batch, table Table, old, new [][]byte, id uint32) error {
	had := make(map[string]struct{}, len(old))
	for _, value := range old {
		had[string(value)] = struct{}{}
	}
	keep := make(map[string]struct{}, len(new))
	for _, value := range new {
		keep[string(value)] = struct{}{}
	}
	for _, value := range old {
		if _, ok := keep[string(value)]; ok {
			continue
		}
		if err := table.Remove(w, value, id); err != nil {
			return err
		}
	}
	for _, value := range new {
		if _, ok := had[string(value)]; ok {
			continue
		}
		if err := table.Insert(w, value, id); err != nil {
			return err
		}
	}
	return nil
}

func retime(w *pebble.Batch, table Table, old, new []time.Time, id uint32) error {
	oldValues := make([][]byte, 0, len(old))
	for _, at := range old {
		oldValues = append(oldValues, timeSuffix(at))
	}
	newValues := make([][]byte, 0, len(new))
	for _, at := range new {
		newValues = append(newValues, timeSuffix(at))
	}
	return reindex(w, table, oldValues, newValues, id)
}
