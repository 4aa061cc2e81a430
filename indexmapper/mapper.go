package indexmapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/utils"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Mapping keys live in the scheduler database so that they change in the
// same write transaction as the tasks referencing the index names.
var (
	namePrefix  = []byte{'X', 'N'}
	statsPrefix = []byte{'X', 'S'}
)

func nameKey(name string) []byte {
	return append(append([]byte{}, namePrefix...), name...)
}

func statsKey(uid uuid.UUID) []byte {
	return append(append([]byte{}, statsPrefix...), uid[:]...)
}

type Options struct {
	// Dir holds one pebble environment per index, named by its uuid.
	Dir          string
	CacheSize    int
	Version      *semver.Version
	IndexOptions *pebble.Options
	WriteOptions *pebble.WriteOptions
	Logger       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 20
	}
	if o.Version == nil {
		o.Version = semver.MustParse("1.0.0")
	}
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type updating struct {
	name  string
	index *Index
}

// Mapper resolves index names to open index environments.
type Mapper struct {
	db   *pebble.DB
	opts Options

	lock    sync.Mutex
	open    *lru.Cache[uuid.UUID, *Index]
	parked  *xsync.MapOf[uuid.UUID, *Index]
	deleted *xsync.MapOf[uuid.UUID, string]

	current atomic.Pointer[updating]
}

func New(db *pebble.DB, opts Options) (*Mapper, error) {
	opts.SetDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	m := &Mapper{
		db:      db,
		opts:    opts,
		parked:  xsync.NewMapOf[uuid.UUID, *Index](),
		deleted: xsync.NewMapOf[uuid.UUID, string](),
	}
	cache, err := lru.NewWithEvict[uuid.UUID, *Index](opts.CacheSize, m.evicted)
	if err != nil {
		return nil, err
	}
	m.open = cache
	return m, nil
}

// evicted closes the handle unless the scheduler is writing to it; such a
// handle is parked until it is superseded.
func (m *Mapper) evicted(uid uuid.UUID, index *Index) {
	if cur := m.current.Load(); cur != nil && cur.index == index {
		m.parked.Store(uid, index)
		return
	}
	if err := index.close(); err != nil {
		m.opts.Logger.Error("failed to close evicted index", "uuid", uid, "err", err)
	}
}

func (m *Mapper) Version() *semver.Version {
	return m.opts.Version
}

func (m *Mapper) lookup(r pebble.Reader, name string) (uid uuid.UUID, ok bool, err error) {
	val, closer, err := r.Get(nameKey(name))
	if err == pebble.ErrNotFound {
		return uid, false, nil
	}
	if err != nil {
		return uid, false, err
	}
	defer closer.Close()
	uid, err = uuid.FromBytes(val)
	if err != nil {
		return uid, false, errors.Join(taskq_errors.ErrBadRecord, err)
	}
	return uid, true, nil
}

func (m *Mapper) Exists(r pebble.Reader, name string) (bool, error) {
	_, ok, err := m.lookup(r, name)
	return ok, err
}

func (m *Mapper) path(uid uuid.UUID) string {
	return filepath.Join(m.opts.Dir, uid.String())
}

func (m *Mapper) openByUUID(uid uuid.UUID) (*Index, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if index, ok := m.open.Get(uid); ok {
		return index, nil
	}
	if index, ok := m.parked.LoadAndDelete(uid); ok {
		m.open.Add(uid, index)
		return index, nil
	}
	index, err := openIndex(uid, m.path(uid), m.opts.IndexOptions, m.opts.WriteOptions)
	if err != nil {
		return nil, err
	}
	m.open.Add(uid, index)
	return index, nil
}

func (m *Mapper) Index(r pebble.Reader, name string) (*Index, error) {
	uid, ok, err := m.lookup(r, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &taskq_errors.IndexNotFoundError{Index: name}
	}
	return m.openByUUID(uid)
}

// CreateIndex registers name inside wtxn and creates its environment.
func (m *Mapper) CreateIndex(wtxn *pebble.Batch, name string) (*Index, error) {
	ok, err := m.Exists(wtxn, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, &taskq_errors.IndexAlreadyExistsError{Index: name}
	}
	uid := uuid.New()
	if err = wtxn.Set(nameKey(name), uid[:], nil); err != nil {
		return nil, err
	}
	index, err := m.openByUUID(uid)
	if err != nil {
		return nil, err
	}
	if err = index.setVersion(m.opts.Version); err != nil {
		return nil, err
	}
	return index, nil
}

// DeleteIndex unregisters name inside wtxn. The environment is removed
// from disk by CollectDeleted once the transaction committed.
func (m *Mapper) DeleteIndex(wtxn *pebble.Batch, name string) error {
	uid, ok, err := m.lookup(wtxn, name)
	if err != nil {
		return err
	}
	if !ok {
		return &taskq_errors.IndexNotFoundError{Index: name}
	}
	if err = wtxn.Delete(nameKey(name), nil); err != nil {
		return err
	}
	if err = wtxn.Delete(statsKey(uid), nil); err != nil {
		return err
	}
	m.deleted.Store(uid, name)
	return nil
}

// CollectDeleted removes the environments of the deleted indexes whose
// mapping is gone from the committed database. A mapping still present
// means the deleting transaction was abandoned.
func (m *Mapper) CollectDeleted() {
	m.deleted.Range(func(uid uuid.UUID, name string) bool {
		m.deleted.Delete(uid)
		still, ok, err := m.lookup(m.db, name)
		if err != nil {
			m.opts.Logger.Error("failed to check deleted index", "index", name, "err", err)
			return true
		}
		if ok && still == uid {
			return true
		}
		m.lock.Lock()
		m.open.Remove(uid)
		if index, ok := m.parked.LoadAndDelete(uid); ok {
			_ = index.close()
		}
		m.lock.Unlock()
		if err := os.RemoveAll(m.path(uid)); err != nil {
			m.opts.Logger.Error("failed to remove index directory", "index", name, "uuid", uid, "err", err)
		}
		return true
	})
}

// Swap exchanges the environments behind lhs and rhs inside wtxn.
func (m *Mapper) Swap(wtxn *pebble.Batch, lhs, rhs string) error {
	left, ok, err := m.lookup(wtxn, lhs)
	if err != nil {
		return err
	}
	if !ok {
		return &taskq_errors.IndexNotFoundError{Index: lhs}
	}
	right, ok, err := m.lookup(wtxn, rhs)
	if err != nil {
		return err
	}
	if !ok {
		return &taskq_errors.IndexNotFoundError{Index: rhs}
	}
	if err = wtxn.Set(nameKey(lhs), right[:], nil); err != nil {
		return err
	}
	return wtxn.Set(nameKey(rhs), left[:], nil)
}

// Rename moves the environment of from to the unused name to.
func (m *Mapper) Rename(wtxn *pebble.Batch, from, to string) error {
	uid, ok, err := m.lookup(wtxn, from)
	if err != nil {
		return err
	}
	if !ok {
		return &taskq_errors.IndexNotFoundError{Index: from}
	}
	if ok, err = m.Exists(wtxn, to); err != nil {
		return err
	} else if ok {
		return &taskq_errors.IndexAlreadyExistsError{Index: to}
	}
	if err = wtxn.Delete(nameKey(from), nil); err != nil {
		return err
	}
	return wtxn.Set(nameKey(to), uid[:], nil)
}

// Names lists the registered indexes in name order.
func (m *Mapper) Names(r pebble.Reader) ([]string, error) {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: namePrefix,
		UpperBound: []byte{'X', 'O'},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for valid := iter.First(); valid; valid = iter.Next() {
		names = append(names, string(iter.Key()[len(namePrefix):]))
	}
	return names, iter.Error()
}

// SetCurrentlyUpdatingIndex publishes the index the scheduler writes to.
// An empty name clears it.
func (m *Mapper) SetCurrentlyUpdatingIndex(name string, index *Index) {
	var next *updating
	if name != "" && index != nil {
		next = &updating{name: name, index: index}
	}
	prev := m.current.Swap(next)
	if prev == nil || (next != nil && prev.index == next.index) {
		return
	}
	// a parked handle was only kept open for the writer
	if parked, ok := m.parked.LoadAndDelete(prev.index.uid); ok {
		if err := parked.close(); err != nil {
			m.opts.Logger.Error("failed to close parked index", "index", prev.name, "err", err)
		}
	}
}

func (m *Mapper) CurrentlyUpdatingIndex() (string, *Index, bool) {
	cur := m.current.Load()
	if cur == nil {
		return "", nil, false
	}
	return cur.name, cur.index, true
}

// StoreStatsOf refreshes the cached stats of name inside wtxn.
func (m *Mapper) StoreStatsOf(wtxn *pebble.Batch, name string, index *Index) error {
	stats, err := index.Stats()
	if err != nil {
		return fmt.Errorf("stats of index `%s`: %w", name, err)
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return wtxn.Set(statsKey(index.uid), data, nil)
}

// StatsOf returns the cached stats, nil if never computed.
func (m *Mapper) StatsOf(r pebble.Reader, name string) (*Stats, error) {
	uid, ok, err := m.lookup(r, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &taskq_errors.IndexNotFoundError{Index: name}
	}
	val, closer, err := r.Get(statsKey(uid))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var stats Stats
	if err = json.Unmarshal(val, &stats); err != nil {
		return nil, errors.Join(taskq_errors.ErrBadRecord, err)
	}
	return &stats, nil
}

// CheckVersion fails when the index was created by another major or
// minor version of the binary.
func (m *Mapper) CheckVersion(name string, index *Index) error {
	snap := index.ReadTxn()
	defer snap.Close()
	v, err := index.Version(snap)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if v.Major() != m.opts.Version.Major() || v.Minor() != m.opts.Version.Minor() {
		return &taskq_errors.IndexVersionMismatchError{
			Index:          name,
			IndexVersion:   v.String(),
			PackageVersion: m.opts.Version.String(),
		}
	}
	return nil
}

// Compact rewrites the environment of name and reports its size before and after.
func (m *Mapper) Compact(r pebble.Reader, name string) (before, after uint64, err error) {
	index, err := m.Index(r, name)
	if err != nil {
		return 0, 0, err
	}
	return index.compact()
}

func (m *Mapper) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.current.Store(nil)
	var errs []error
	for _, uid := range m.open.Keys() {
		if index, ok := m.open.Peek(uid); ok {
			errs = append(errs, index.close())
		}
	}
	// the eviction callback sees handles already closed above
	m.open.Purge()
	m.parked.Range(func(uid uuid.UUID, index *Index) bool {
		errs = append(errs, index.close())
		return true
	})
	m.parked.Clear()
	return errors.Join(errs...)
}
