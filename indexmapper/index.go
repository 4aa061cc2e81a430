package indexmapper

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/google/uuid"
)

var (
	primaryKeyKey = []byte{'P'}
	versionKey    = []byte{'V'}
	settingsKey   = []byte{'S'}
	docPrefix     = []byte{'D'}
)

// Index is one open index environment.
type Index struct {
	uid   uuid.UUID
	path  string
	db    *pebble.DB
	wopts *pebble.WriteOptions

	closed atomic.Bool
}

func openIndex(uid uuid.UUID, path string, opts *pebble.Options, wopts *pebble.WriteOptions) (*Index, error) {
	o := &pebble.Options{}
	if opts != nil {
		o = opts.Clone()
	}
	db, err := pebble.Open(path, o)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", uid, err)
	}
	return &Index{uid: uid, path: path, db: db, wopts: wopts}, nil
}

func (i *Index) UUID() uuid.UUID { return i.uid }
func (i *Index) Path() string    { return i.path }

func (i *Index) WriteTxn() *pebble.Batch {
	return i.db.NewIndexedBatch()
}

func (i *Index) ReadTxn() *pebble.Snapshot {
	return i.db.NewSnapshot()
}

func (i *Index) Commit(wtxn *pebble.Batch) error {
	if err := wtxn.Commit(i.wopts); err != nil {
		_ = wtxn.Close()
		return err
	}
	return wtxn.Close()
}

// close is safe to call more than once; only the first call closes the db.
func (i *Index) close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	return i.db.Close()
}

func getString(r pebble.Reader, key []byte) (string, bool, error) {
	val, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(val), true, nil
}

func (i *Index) PrimaryKey(r pebble.Reader) (pk string, ok bool, err error) {
	return getString(r, primaryKeyKey)
}

// SetPrimaryKey is rejected once documents exist under another key.
func (i *Index) SetPrimaryKey(w *pebble.Batch, pk string) error {
	current, ok, err := i.PrimaryKey(w)
	if err != nil {
		return err
	}
	if ok && current == pk {
		return nil
	}
	if ok {
		n, err := i.NumberOfDocuments(w)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: `%s`", taskq_errors.ErrPrimaryKeyAlreadyPresent, current)
		}
	}
	return w.Set(primaryKeyKey, []byte(pk), nil)
}

func (i *Index) Version(r pebble.Reader) (*semver.Version, error) {
	str, ok, err := getString(r, versionKey)
	if err != nil || !ok {
		return nil, err
	}
	return semver.NewVersion(str)
}

func (i *Index) setVersion(v *semver.Version) error {
	return i.db.Set(versionKey, []byte(v.String()), i.wopts)
}

func docKey(id string) []byte {
	return append(append([]byte{}, docPrefix...), id...)
}

func (i *Index) PutDocument(w pebble.Writer, id string, doc []byte) error {
	return w.Set(docKey(id), doc, nil)
}

func (i *Index) DeleteDocument(w pebble.Writer, id string) error {
	return w.Delete(docKey(id), nil)
}

// GetDocument returns a copy of the stored document, nil if absent.
func (i *Index) GetDocument(r pebble.Reader, id string) ([]byte, error) {
	val, closer, err := r.Get(docKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

// EachDocument walks the documents in id order until f fails.
func (i *Index) EachDocument(r pebble.Reader, f func(id string, doc []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: docPrefix,
		UpperBound: []byte{docPrefix[0] + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err = f(string(iter.Key()[len(docPrefix):]), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (i *Index) HasDocument(r pebble.Reader, id string) (bool, error) {
	_, ok, err := getString(r, docKey(id))
	return ok, err
}

func (i *Index) ClearDocuments(w pebble.Writer) error {
	return w.DeleteRange(docPrefix, []byte{docPrefix[0] + 1}, nil)
}

func (i *Index) NumberOfDocuments(r pebble.Reader) (n uint64, err error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: docPrefix,
		UpperBound: []byte{docPrefix[0] + 1},
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Settings is the raw settings document, nil when never set.
func (i *Index) Settings(r pebble.Reader) ([]byte, error) {
	str, ok, err := getString(r, settingsKey)
	if err != nil || !ok {
		return nil, err
	}
	return []byte(str), nil
}

func (i *Index) PutSettings(w pebble.Writer, settings []byte) error {
	return w.Set(settingsKey, settings, nil)
}

func (i *Index) ResetSettings(w pebble.Writer) error {
	return w.Delete(settingsKey, nil)
}

func (i *Index) DatabaseSize() uint64 {
	return i.db.Metrics().DiskSpaceUsage()
}

type Stats struct {
	NumberOfDocuments uint64    `json:"numberOfDocuments"`
	DatabaseSize      uint64    `json:"databaseSize"`
	PrimaryKey        *string   `json:"primaryKey,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (i *Index) Stats() (stats Stats, err error) {
	snap := i.ReadTxn()
	defer snap.Close()
	if stats.NumberOfDocuments, err = i.NumberOfDocuments(snap); err != nil {
		return
	}
	pk, ok, err := i.PrimaryKey(snap)
	if err != nil {
		return
	}
	if ok {
		stats.PrimaryKey = &pk
	}
	stats.DatabaseSize = i.DatabaseSize()
	stats.UpdatedAt = time.Now().UTC().Round(0)
	return
}

// compact rewrites the whole key space and reports the disk usage around it.
func (i *Index) compact() (before, after uint64, err error) {
	before = i.DatabaseSize()
	if err = i.db.Flush(); err != nil {
		return
	}
	if err = i.db.Compact([]byte{0x00}, []byte{0xff}, true); err != nil {
		return
	}
	after = i.DatabaseSize()
	return
}
