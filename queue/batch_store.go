package queue

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/tasks"
)

func (q *Queue) GetBatch(r pebble.Reader, uid tasks.BatchID) (*tasks.Batch, error) {
	var batch tasks.Batch
	found, err := getRecord(r, batchKey(uid), &batch)
	if err != nil {
		return nil, fmt.Errorf("read batch %d: %w", uid, err)
	}
	if !found {
		return nil, nil
	}
	return &batch, nil
}

func (q *Queue) NextBatchID(r pebble.Reader) (tasks.BatchID, error) {
	uid, found, err := lastUID(r, batchRecordPrefix)
	if err != nil || !found {
		return 0, err
	}
	return uid + 1, nil
}

// BatchTasks is the membership set of the batch.
func (q *Queue) BatchTasks(r pebble.Reader, uid tasks.BatchID) (*roaring.Bitmap, error) {
	return q.BatchMembers.Get(r, uidSuffix(uid))
}

func (q *Queue) PutBatchTasks(w pebble.Writer, uid tasks.BatchID, ids *roaring.Bitmap) error {
	return q.BatchMembers.Put(w, uidSuffix(uid), ids)
}

func (q *Queue) AllBatchIDs(r pebble.Reader) (*roaring.Bitmap, error) {
	return q.BatchStatus.Union(r)
}

func (q *Queue) GetBatchStatus(r pebble.Reader, status tasks.Status) (*roaring.Bitmap, error) {
	return q.BatchStatus.Get(r, statusSuffix(status))
}

func (q *Queue) UpdateBatchStatus(w *pebble.Batch, status tasks.Status, f func(bm *roaring.Bitmap)) error {
	return q.BatchStatus.Update(w, statusSuffix(status), f)
}

func (q *Queue) GetBatchKind(r pebble.Reader, kind tasks.Kind) (*roaring.Bitmap, error) {
	return q.BatchKind.Get(r, kindSuffix(kind))
}

func (q *Queue) UpdateBatchKind(w *pebble.Batch, kind tasks.Kind, f func(bm *roaring.Bitmap)) error {
	return q.BatchKind.Update(w, kindSuffix(kind), f)
}

func (q *Queue) IndexBatches(r pebble.Reader, index string) (*roaring.Bitmap, error) {
	return q.BatchIndex.Get(r, []byte(index))
}

func (q *Queue) UpdateBatchIndex(w *pebble.Batch, index string, f func(bm *roaring.Bitmap)) error {
	return q.BatchIndex.Update(w, []byte(index), f)
}

func batchStatuses(batch *tasks.Batch) (values [][]byte) {
	if batch == nil {
		return nil
	}
	for status, n := range batch.Stats.Status {
		if n > 0 {
			values = append(values, statusSuffix(status))
		}
	}
	return
}

func batchKinds(batch *tasks.Batch) (values [][]byte) {
	if batch == nil {
		return nil
	}
	for kind, n := range batch.Stats.Types {
		if n > 0 {
			values = append(values, kindSuffix(kind))
		}
	}
	return
}

func batchIndexes(batch *tasks.Batch) (values [][]byte) {
	if batch == nil {
		return nil
	}
	for index, n := range batch.Stats.IndexUIDs {
		if n > 0 {
			values = append(values, []byte(index))
		}
	}
	return
}

func batchEnqueuedDates(batch *tasks.Batch) []time.Time {
	if batch == nil || batch.EnqueuedAt == nil {
		return nil
	}
	return []time.Time{batch.EnqueuedAt.Earliest, batch.EnqueuedAt.Oldest}
}

func batchStartedDates(batch *tasks.Batch) []time.Time {
	if batch == nil {
		return nil
	}
	return []time.Time{batch.StartedAt}
}

func batchFinishedDates(batch *tasks.Batch) []time.Time {
	if batch == nil {
		return nil
	}
	return dates(batch.FinishedAt)
}

// WriteBatch stores the batch record with its members and moves the batch
// between the status, kind, index and date sets relative to its previous
// version; a retried upgrade batch overwrites its earlier record.
func (q *Queue) WriteBatch(w *pebble.Batch, batch *tasks.Batch, members *roaring.Bitmap) error {
	uid := batch.UID
	old, err := q.GetBatch(w, uid)
	if err != nil {
		return err
	}
	if err = putRecord(w, batchKey(uid), batch); err != nil {
		return err
	}
	if err = q.PutBatchTasks(w, uid, members); err != nil {
		return err
	}
	if err = reindex(w, q.BatchStatus, batchStatuses(old), batchStatuses(batch), uid); err != nil {
		return err
	}
	if err = reindex(w, q.BatchKind, batchKinds(old), batchKinds(batch), uid); err != nil {
		return err
	}
	if err = reindex(w, q.BatchIndex, batchIndexes(old), batchIndexes(batch), uid); err != nil {
		return err
	}
	if err = retime(w, q.BatchEnqueued, batchEnqueuedDates(old), batchEnqueuedDates(batch), uid); err != nil {
		return err
	}
	if err = retime(w, q.BatchStarted, batchStartedDates(old), batchStartedDates(batch), uid); err != nil {
		return err
	}
	return retime(w, q.BatchFinished, batchFinishedDates(old), batchFinishedDates(batch), uid)
}

// DeleteBatch removes the record, the membership set, the date entries and
// the status, kind and index entries the record lists. Entries the record
// does not know about, e.g. an index name a swap moved its tasks to, are
// pruned by the caller.
func (q *Queue) DeleteBatch(w *pebble.Batch, batch *tasks.Batch) error {
	uid := batch.UID
	if err := reindex(w, q.BatchStatus, batchStatuses(batch), nil, uid); err != nil {
		return err
	}
	if err := reindex(w, q.BatchKind, batchKinds(batch), nil, uid); err != nil {
		return err
	}
	if err := reindex(w, q.BatchIndex, batchIndexes(batch), nil, uid); err != nil {
		return err
	}
	if batch.EnqueuedAt != nil {
		if err := q.BatchEnqueued.RemoveTime(w, batch.EnqueuedAt.Earliest, uid); err != nil {
			return err
		}
		if err := q.BatchEnqueued.RemoveTime(w, batch.EnqueuedAt.Oldest, uid); err != nil {
			return err
		}
	} else {
		// no span recorded: at most two enqueue entries precede the start
		n := int(min(max(batch.Stats.TotalNbTasks, 1), 2))
		if err := q.BatchEnqueued.RemoveNEarlierThan(w, batch.StartedAt, n, uid); err != nil {
			return err
		}
	}
	if err := q.BatchStarted.RemoveTime(w, batch.StartedAt, uid); err != nil {
		return err
	}
	if batch.FinishedAt != nil {
		if err := q.BatchFinished.RemoveTime(w, *batch.FinishedAt, uid); err != nil {
			return err
		}
	}
	if err := w.Delete(batchKey(uid), nil); err != nil {
		return err
	}
	return q.PutBatchTasks(w, uid, nil)
}
