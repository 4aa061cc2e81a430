package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/utils"
)

type Options struct {
	pebble.Options

	WriteOptions *pebble.WriteOptions
	Logger       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Queue is the durable task and batch store with its bitmap indexes.
// Write transactions are indexed pebble batches, so every mutation
// reads its own earlier writes; read transactions are snapshots.
type Queue struct {
	db    *pebble.DB
	wopts *pebble.WriteOptions
	log   utils.Logger

	TaskStatus   Table
	TaskKind     Table
	TaskIndex    Table
	CanceledBy   Table
	TaskEnqueued Table
	TaskStarted  Table
	TaskFinished Table

	BatchStatus   Table
	BatchKind     Table
	BatchIndex    Table
	BatchEnqueued Table
	BatchStarted  Table
	BatchFinished Table
	BatchMembers  Table
}

func newQueue(db *pebble.DB, opts Options) *Queue {
	return &Queue{
		db:    db,
		wopts: opts.WriteOptions,
		log:   opts.Logger,

		TaskStatus:   Table{taskStatusPrefix},
		TaskKind:     Table{taskKindPrefix},
		TaskIndex:    Table{taskIndexPrefix},
		CanceledBy:   Table{taskCanceledPrefix},
		TaskEnqueued: Table{taskEnqueuedPrefix},
		TaskStarted:  Table{taskStartedPrefix},
		TaskFinished: Table{taskFinishedPrefix},

		BatchStatus:   Table{batchStatusPrefix},
		BatchKind:     Table{batchKindPrefix},
		BatchIndex:    Table{batchIndexPrefix},
		BatchEnqueued: Table{batchEnqueuedPrefix},
		BatchStarted:  Table{batchStartedPrefix},
		BatchFinished: Table{batchFinishedPrefix},
		BatchMembers:  Table{batchMembersPrefix},
	}
}

func Open(dir string, opts Options) (*Queue, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, fmt.Errorf("open task queue at %s: %w", dir, err)
	}
	return newQueue(db, opts), nil
}

func (q *Queue) Close() error {
	if q.db == nil {
		return taskq_errors.ErrClosed
	}
	err := q.db.Close()
	q.db = nil
	return err
}

// Database is the underlying store, shared with the index mapper.
func (q *Queue) Database() *pebble.DB {
	return q.db
}

func (q *Queue) WriteOptions() *pebble.WriteOptions {
	return q.wopts
}

func (q *Queue) WriteTxn() *pebble.Batch {
	return q.db.NewIndexedBatch()
}

func (q *Queue) ReadTxn() *pebble.Snapshot {
	return q.db.NewSnapshot()
}

func (q *Queue) Commit(wtxn *pebble.Batch) error {
	if err := wtxn.Commit(q.wopts); err != nil {
		_ = wtxn.Close()
		return err
	}
	return wtxn.Close()
}

func getRecord(r pebble.Reader, key []byte, into any) (found bool, err error) {
	data, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err = json.Unmarshal(data, into); err != nil {
		return false, errors.Join(taskq_errors.ErrBadRecord, err)
	}
	return true, nil
}

func putRecord(w pebble.Writer, key []byte, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return w.Set(key, data, nil)
}

// lastUID is the highest uid stored under prefix.
func lastUID(r pebble.Reader, prefix []byte) (uid uint32, found bool, err error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if iter.Last() {
		return uidFromKey(iter.Key()), true, nil
	}
	return 0, false, iter.Error()
}

func corrupted(what string, ids *roaring.Bitmap) error {
	return fmt.Errorf("%w: %s %v missing", taskq_errors.ErrCorruptedTaskQueue, what, ids.ToArray())
}
