package filestore

import (
	"os"
	"testing"

	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	fs, err := New(dir)
	require.NoError(t, err)

	id, f, err := fs.Create()
	require.NoError(t, err)
	_, err = f.WriteString(`[{"id":1}]`)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(dir+"/README", []byte("not a payload"), 0o644))

	assert.True(t, fs.Exists(id))
	assert.False(t, fs.Exists(uuid.New()))
	ids, err := fs.AllUUIDs()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
	size, err := fs.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	require.NoError(t, fs.Delete(id))
	assert.False(t, fs.Exists(id))
	assert.ErrorIs(t, fs.Delete(id), taskq_errors.ErrContentFileNotFound)
	_, err = fs.Open(id)
	assert.ErrorIs(t, err, taskq_errors.ErrContentFileNotFound)
}
