package indexmapper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapper(t *testing.T, cacheSize int) (*pebble.DB, *Mapper) {
	dir, err := os.MkdirTemp("", "*")
	require.NoError(t, err)
	db, err := pebble.Open(filepath.Join(dir, "tasks"), &pebble.Options{})
	require.NoError(t, err)
	m, err := New(db, Options{Dir: filepath.Join(dir, "indexes"), CacheSize: cacheSize})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = db.Close()
		_ = os.RemoveAll(dir)
	})
	return db, m
}

func create(t *testing.T, db *pebble.DB, m *Mapper, names ...string) {
	w := db.NewIndexedBatch()
	for _, name := range names {
		_, err := m.CreateIndex(w, name)
		require.NoError(t, err)
	}
	require.NoError(t, w.Commit(pebble.Sync))
	require.NoError(t, w.Close())
}

func TestCreateAndResolve(t *testing.T) {
	db, m := testMapper(t, 4)
	create(t, db, m, "movies")

	ok, err := m.Exists(db, "movies")
	require.NoError(t, err)
	assert.True(t, ok)

	index, err := m.Index(db, "movies")
	require.NoError(t, err)
	assert.DirExists(t, index.Path())

	w := db.NewIndexedBatch()
	_, err = m.CreateIndex(w, "movies")
	assert.ErrorIs(t, err, taskq_errors.ErrIndexAlreadyExists)
	require.NoError(t, w.Close())

	_, err = m.Index(db, "books")
	var notFound *taskq_errors.IndexNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "books", notFound.Index)

	names, err := m.Names(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"movies"}, names)
}

func TestSwapAndRename(t *testing.T) {
	db, m := testMapper(t, 4)
	create(t, db, m, "a", "b")
	a, err := m.Index(db, "a")
	require.NoError(t, err)
	b, err := m.Index(db, "b")
	require.NoError(t, err)

	w := db.NewIndexedBatch()
	require.NoError(t, m.Swap(w, "a", "b"))
	// the swap is visible inside the transaction only
	inside, err := m.Index(w, "a")
	require.NoError(t, err)
	assert.Equal(t, b.UUID(), inside.UUID())
	outside, err := m.Index(db, "a")
	require.NoError(t, err)
	assert.Equal(t, a.UUID(), outside.UUID())
	require.NoError(t, w.Commit(pebble.Sync))
	require.NoError(t, w.Close())

	w = db.NewIndexedBatch()
	assert.ErrorIs(t, m.Rename(w, "a", "b"), taskq_errors.ErrIndexAlreadyExists)
	require.NoError(t, m.Rename(w, "a", "c"))
	require.NoError(t, w.Commit(pebble.Sync))
	require.NoError(t, w.Close())

	c, err := m.Index(db, "c")
	require.NoError(t, err)
	assert.Equal(t, b.UUID(), c.UUID())
	ok, err := m.Exists(db, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIndex(t *testing.T) {
	db, m := testMapper(t, 4)
	create(t, db, m, "movies", "books")
	movies, err := m.Index(db, "movies")
	require.NoError(t, err)
	books, err := m.Index(db, "books")
	require.NoError(t, err)

	// abandoned transaction keeps the directory
	w := db.NewIndexedBatch()
	require.NoError(t, m.DeleteIndex(w, "books"))
	require.NoError(t, w.Close())
	m.CollectDeleted()
	assert.DirExists(t, books.Path())

	w = db.NewIndexedBatch()
	require.NoError(t, m.DeleteIndex(w, "movies"))
	require.NoError(t, w.Commit(pebble.Sync))
	require.NoError(t, w.Close())
	m.CollectDeleted()
	assert.NoDirExists(t, movies.Path())

	w = db.NewIndexedBatch()
	assert.ErrorIs(t, m.DeleteIndex(w, "movies"), taskq_errors.ErrIndexNotFound)
	require.NoError(t, w.Close())
}

func TestEvictionSparesUpdatingIndex(t *testing.T) {
	db, m := testMapper(t, 1)
	create(t, db, m, "a")
	a, err := m.Index(db, "a")
	require.NoError(t, err)
	m.SetCurrentlyUpdatingIndex("a", a)

	create(t, db, m, "b")
	// "a" was evicted by "b" but is still usable by the writer
	w := a.WriteTxn()
	require.NoError(t, a.PutDocument(w, "1", []byte(`{"id":1}`)))
	require.NoError(t, a.Commit(w))

	name, current, ok := m.CurrentlyUpdatingIndex()
	assert.True(t, ok)
	assert.Equal(t, "a", name)
	assert.Same(t, a, current)

	again, err := m.Index(db, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	m.SetCurrentlyUpdatingIndex("", nil)
	_, _, ok = m.CurrentlyUpdatingIndex()
	assert.False(t, ok)
}

func TestCloseWithOpenAndParkedIndexes(t *testing.T) {
	db, m := testMapper(t, 1)
	create(t, db, m, "a")
	a, err := m.Index(db, "a")
	require.NoError(t, err)
	m.SetCurrentlyUpdatingIndex("a", a)
	create(t, db, m, "b")
	_, err = m.Index(db, "b")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.NoError(t, m.Close())
	})
	assert.NoError(t, m.Close())
	assert.NoError(t, a.close())
}

func TestPrimaryKeyAndStats(t *testing.T) {
	db, m := testMapper(t, 4)
	create(t, db, m, "movies")
	index, err := m.Index(db, "movies")
	require.NoError(t, err)

	w := index.WriteTxn()
	require.NoError(t, index.SetPrimaryKey(w, "id"))
	require.NoError(t, index.PutDocument(w, "1", []byte(`{"id":1}`)))
	require.NoError(t, index.PutDocument(w, "2", []byte(`{"id":2}`)))
	require.NoError(t, index.Commit(w))

	w = index.WriteTxn()
	assert.ErrorIs(t, index.SetPrimaryKey(w, "uid"), taskq_errors.ErrPrimaryKeyAlreadyPresent)
	require.NoError(t, w.Close())

	stats, err := m.StatsOf(db, "movies")
	require.NoError(t, err)
	assert.Nil(t, stats)

	w = db.NewIndexedBatch()
	require.NoError(t, m.StoreStatsOf(w, "movies", index))
	require.NoError(t, w.Commit(pebble.Sync))
	require.NoError(t, w.Close())

	stats, err = m.StatsOf(db, "movies")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.NumberOfDocuments)
	require.NotNil(t, stats.PrimaryKey)
	assert.Equal(t, "id", *stats.PrimaryKey)

	_, _, err = m.Compact(db, "movies")
	require.NoError(t, err)
}

func TestCheckVersion(t *testing.T) {
	db, m := testMapper(t, 4)
	create(t, db, m, "movies")
	index, err := m.Index(db, "movies")
	require.NoError(t, err)
	require.NoError(t, m.CheckVersion("movies", index))

	require.NoError(t, index.setVersion(semver.MustParse("1.0.7")))
	require.NoError(t, m.CheckVersion("movies", index))

	require.NoError(t, index.setVersion(semver.MustParse("1.2.0")))
	err = m.CheckVersion("movies", index)
	assert.ErrorIs(t, err, taskq_errors.ErrIndexVersionMismatch)
}
