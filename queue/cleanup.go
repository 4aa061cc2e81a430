package queue

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/tasks"
)

// Cleanup picks the finished tasks to delete once the queue holds more
// than maxTasks tasks: the oldest ones, until the excess is covered.
// Enqueued and processing tasks are never picked.
func (q *Queue) Cleanup(r pebble.Reader, maxTasks uint64) (*roaring.Bitmap, error) {
	victims := roaring.New()
	all, err := q.AllTaskIDs(r)
	if err != nil {
		return nil, err
	}
	total := all.GetCardinality()
	if maxTasks == 0 || total <= maxTasks {
		return victims, nil
	}
	finished := roaring.New()
	for _, status := range []tasks.Status{tasks.Succeeded, tasks.Failed, tasks.Canceled} {
		bm, err := q.GetStatus(r, status)
		if err != nil {
			return nil, err
		}
		finished.Or(bm)
	}
	excess := total - maxTasks
	it := finished.Iterator()
	for it.HasNext() && victims.GetCardinality() < excess {
		victims.Add(it.Next())
	}
	return victims, nil
}
