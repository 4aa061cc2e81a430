// Package filestore keeps the payloads of document additions as one file
// per uuid in a flat directory.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/google/uuid"
)

type FileStore struct {
	dir string
}

func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) Path(id uuid.UUID) string {
	return filepath.Join(fs.dir, id.String())
}

// Create opens a new empty content file. The caller writes and closes it.
func (fs *FileStore) Create() (uuid.UUID, *os.File, error) {
	id := uuid.New()
	f, err := os.OpenFile(fs.Path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return id, f, nil
}

func (fs *FileStore) Open(id uuid.UUID) (*os.File, error) {
	f, err := os.Open(fs.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", taskq_errors.ErrContentFileNotFound, id)
	}
	return f, err
}

func (fs *FileStore) Exists(id uuid.UUID) bool {
	_, err := os.Stat(fs.Path(id))
	return err == nil
}

// Delete removes the file; a missing file is reported as ErrContentFileNotFound.
func (fs *FileStore) Delete(id uuid.UUID) error {
	err := os.Remove(fs.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", taskq_errors.ErrContentFileNotFound, id)
	}
	return err
}

// AllUUIDs lists the stored files in name order, skipping foreign entries.
func (fs *FileStore) AllUUIDs() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Size is the total size in bytes of the stored files.
func (fs *FileStore) Size() (total int64, err error) {
	ids, err := fs.AllUUIDs()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		info, err := os.Stat(fs.Path(id))
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
