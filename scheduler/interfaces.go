package scheduler

import (
	"context"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/indexmapper"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/tasks"
	"github.com/google/uuid"
)

// IndexMapper resolves index names inside scheduler transactions.
// indexmapper.Mapper implements it.
type IndexMapper interface {
	Exists(r pebble.Reader, name string) (bool, error)
	Index(r pebble.Reader, name string) (*indexmapper.Index, error)
	CreateIndex(wtxn *pebble.Batch, name string) (*indexmapper.Index, error)
	DeleteIndex(wtxn *pebble.Batch, name string) error
	CollectDeleted()
	Swap(wtxn *pebble.Batch, lhs, rhs string) error
	Rename(wtxn *pebble.Batch, from, to string) error
	SetCurrentlyUpdatingIndex(name string, index *indexmapper.Index)
	StoreStatsOf(wtxn *pebble.Batch, name string, index *indexmapper.Index) error
	CheckVersion(name string, index *indexmapper.Index) error
	Compact(r pebble.Reader, name string) (before, after uint64, err error)
}

// ContentionTelemetry reports how often the indexer had to wait on its
// write channel.
type ContentionTelemetry struct {
	Attempts         uint64
	BlockingAttempts uint64
}

func (c ContentionTelemetry) Ratio() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.BlockingAttempts) * 100 / float64(c.Attempts)
}

// OperationExecutor is the document engine. Apply runs op inside wtxn,
// which the caller commits, and returns the tasks of op with their status
// and details set.
type OperationExecutor interface {
	Apply(ctx context.Context, wtxn *pebble.Batch, index *indexmapper.Index, op IndexOperation,
		progress *processing.Progress, embedders *tasks.EmbedderStats) ([]*tasks.Task, *ContentionTelemetry, error)
	SetPrimaryKey(ctx context.Context, wtxn *pebble.Batch, index *indexmapper.Index, primaryKey string) error
}

type Snapshotter interface {
	ProcessSnapshot(ctx context.Context, progress *processing.Progress, list []*tasks.Task) ([]*tasks.Task, error)
	ProcessDumpCreation(ctx context.Context, progress *processing.Progress, task *tasks.Task) ([]*tasks.Task, error)
}

type Upgrader interface {
	ProcessUpgrade(ctx context.Context, from *semver.Version, progress *processing.Progress) error
	ProcessRollback(ctx context.Context, to *semver.Version, progress *processing.Progress) error
}

type Exporter interface {
	ProcessExport(ctx context.Context, kind *tasks.Export, progress *processing.Progress) (map[string]tasks.ExportIndexStats, error)
}

// ContentFiles is the store of document payloads; filestore.FileStore implements it.
type ContentFiles interface {
	Exists(id uuid.UUID) bool
	Delete(id uuid.UUID) error
}

// ProcessBatchInfo is what a batch reports besides its tasks.
type ProcessBatchInfo struct {
	Congestion *ContentionTelemetry
	// database sizes of the index before and after the operation
	PreCommitSizes  map[string]int64
	PostCommitSizes map[string]int64
}
