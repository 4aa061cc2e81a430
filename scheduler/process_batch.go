package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/indexmapper"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/queue"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
	"github.com/drpcorg/taskq/utils"
)

// Processor applies batches to the task queue and the indexes. It is
// driven by a single writer.
type Processor struct {
	// writer serializes the scheduler transactions: the bitmaps are
	// read, modified and written back inside each of them.
	writer sync.Mutex

	queue      *queue.Queue
	mapper     IndexMapper
	executor   OperationExecutor
	snapshots  Snapshotter
	upgrader   Upgrader
	exporter   Exporter
	processing *processing.ProcessingTasks
	version    *semver.Version
	log        utils.Logger
}

func errNotConfigured(what string) error {
	return fmt.Errorf("no %s configured", what)
}

func ptr[T any](v T) *T { return &v }

// write runs fn inside a scheduler transaction and commits it unless fn
// fails. Write transactions never overlap.
func (p *Processor) write(fn func(wtxn *pebble.Batch) error) error {
	p.writer.Lock()
	defer p.writer.Unlock()
	wtxn := p.queue.WriteTxn()
	if err := fn(wtxn); err != nil {
		_ = wtxn.Close()
		return err
	}
	return p.queue.Commit(wtxn)
}

// guard runs f and converts a panic into a PanicError.
func guard(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taskq_errors.NewPanicError(r)
		}
	}()
	return f()
}

// ProcessBatch applies batch and returns its tasks with their status and
// details set, except for the dates and batch uid which current stamps
// when the caller persists them.
func (p *Processor) ProcessBatch(ctx context.Context, batch Batch, current *processing.ProcessingBatch,
	progress *processing.Progress) ([]*tasks.Task, ProcessBatchInfo, error) {
	var info ProcessBatchInfo
	switch b := batch.(type) {
	case *TaskCancelationBatch:
		list, err := p.processCancelation(ctx, b, current, progress)
		return list, info, err
	case *TaskDeletionsBatch:
		list, err := p.processDeletions(b, progress)
		return list, info, err
	case *SnapshotCreationBatch:
		if p.snapshots == nil {
			return nil, info, errNotConfigured("snapshotter")
		}
		list, err := p.snapshots.ProcessSnapshot(ctx, progress, b.List)
		return list, info, err
	case *DumpBatch:
		if p.snapshots == nil {
			return nil, info, errNotConfigured("snapshotter")
		}
		list, err := p.snapshots.ProcessDumpCreation(ctx, progress, b.Task)
		return list, info, err
	case *IndexOperationBatch:
		return p.processIndexOperation(ctx, b, current, progress)
	case *IndexCreationBatch:
		list, err := p.processIndexCreation(ctx, b, progress)
		return list, info, err
	case *IndexUpdateBatch:
		list, err := p.processIndexUpdate(ctx, b, progress)
		return list, info, err
	case *IndexDeletionBatch:
		list, err := p.processIndexDeletion(b, progress)
		return list, info, err
	case *IndexSwapBatch:
		list, err := p.processIndexSwap(b, progress)
		return list, info, err
	case *UpgradeDatabaseBatch:
		list, err := p.processUpgrade(ctx, b, progress)
		return list, info, err
	case *ExportBatch:
		list, err := p.processExport(ctx, b, progress)
		return list, info, err
	case *IndexCompactionBatch:
		list, err := p.processCompaction(ctx, b, progress)
		return list, info, err
	}
	return nil, info, fmt.Errorf("unknown batch %T", batch)
}

// refreshStats stores the stats of index. The batch already committed its
// effect, so a failure is only logged.
func (p *Processor) refreshStats(ctx context.Context, name string, index *indexmapper.Index) bool {
	err := p.write(func(wtxn *pebble.Batch) error {
		return p.mapper.StoreStatsOf(wtxn, name, index)
	})
	if err != nil {
		NonFatalFailures.WithLabelValues("index_stats").Inc()
		p.log.ErrorCtx(ctx, "could not write the stats of the index", "index", name, "err", err)
		return false
	}
	return true
}

func indexSizes(index *indexmapper.Index) map[string]int64 {
	return map[string]int64{"index": int64(index.DatabaseSize())}
}

func (p *Processor) processIndexOperation(ctx context.Context, b *IndexOperationBatch, current *processing.ProcessingBatch,
	progress *processing.Progress) (list []*tasks.Task, info ProcessBatchInfo, err error) {
	if p.executor == nil {
		return nil, info, errNotConfigured("operation executor")
	}
	name := b.Op.IndexUID()
	index, err := p.resolveIndex(name, b.MustCreateIndex)
	if err != nil {
		return nil, info, err
	}
	if err = p.mapper.CheckVersion(name, index); err != nil {
		return nil, info, err
	}
	// searches keep reading through this handle while the operation runs
	p.mapper.SetCurrentlyUpdatingIndex(name, index)

	info.PreCommitSizes = indexSizes(index)
	iwtxn := index.WriteTxn()
	list, info.Congestion, err = p.executor.Apply(ctx, iwtxn, index, b.Op, progress, current.EmbedderStats)
	if err != nil {
		_ = iwtxn.Close()
		return nil, info, err
	}
	progress.Update(processing.NewStep("committing", 0, 2))
	if err = index.Commit(iwtxn); err != nil {
		return nil, info, err
	}
	progress.Update(processing.NewStep("committing", 1, 2))
	info.PostCommitSizes = info.PreCommitSizes
	if p.refreshStats(ctx, name, index) {
		info.PostCommitSizes = indexSizes(index)
	}
	return list, info, nil
}

func (p *Processor) resolveIndex(name string, create bool) (*indexmapper.Index, error) {
	if !create {
		snap := p.queue.ReadTxn()
		defer snap.Close()
		return p.mapper.Index(snap, name)
	}
	var index *indexmapper.Index
	err := p.write(func(wtxn *pebble.Batch) error {
		exists, err := p.mapper.Exists(wtxn, name)
		if err != nil {
			return err
		}
		if exists {
			index, err = p.mapper.Index(wtxn, name)
			return err
		}
		index, err = p.mapper.CreateIndex(wtxn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}

func (p *Processor) processIndexCreation(ctx context.Context, b *IndexCreationBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	progress.Update(processing.NewStep("creating the index", 0, 1))
	err := p.write(func(wtxn *pebble.Batch) error {
		exists, err := p.mapper.Exists(wtxn, b.Index)
		if err == nil && exists {
			err = &taskq_errors.IndexAlreadyExistsError{Index: b.Index}
		}
		if err == nil {
			_, err = p.mapper.CreateIndex(wtxn, b.Index)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p.processIndexUpdate(ctx, &IndexUpdateBatch{Index: b.Index, PrimaryKey: b.PrimaryKey, Task: b.Task}, progress)
}

func (p *Processor) processIndexUpdate(ctx context.Context, b *IndexUpdateBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	progress.Update(processing.NewStep("updating the index", 0, 1))
	snap := p.queue.ReadTxn()
	index, err := p.mapper.Index(snap, b.Index)
	_ = snap.Close()
	if err != nil {
		return nil, err
	}

	final := b.Index
	if b.NewIndexUID != nil && *b.NewIndexUID != b.Index {
		err = p.write(func(wtxn *pebble.Batch) error {
			return p.applyIndexSwap(wtxn, progress, b.Task.UID, b.Index, *b.NewIndexUID, true)
		})
		if err != nil {
			return nil, err
		}
		final = *b.NewIndexUID
	}

	if b.PrimaryKey != nil {
		if p.executor == nil {
			return nil, errNotConfigured("operation executor")
		}
		iwtxn := index.WriteTxn()
		if err = p.executor.SetPrimaryKey(ctx, iwtxn, index, *b.PrimaryKey); err != nil {
			_ = iwtxn.Close()
			return nil, fmt.Errorf("index `%s`: %w", final, err)
		}
		if err = index.Commit(iwtxn); err != nil {
			return nil, err
		}
	}

	task := b.Task
	task.Status = tasks.Succeeded
	details := &tasks.IndexInfoDetails{PrimaryKey: b.PrimaryKey}
	if b.NewIndexUID != nil {
		details.NewIndexUID = ptr(*b.NewIndexUID)
		details.OldIndexUID = ptr(b.Index)
	}
	task.Details = details
	p.refreshStats(ctx, final, index)
	return []*tasks.Task{task}, nil
}

func (p *Processor) processIndexDeletion(b *IndexDeletionBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	progress.Update(processing.NewStep("deleting the index", 0, 1))
	// informational only, a missing or unreadable index counts as empty
	var documents uint64
	err := p.write(func(wtxn *pebble.Batch) error {
		if index, err := p.mapper.Index(wtxn, b.Index); err == nil {
			snap := index.ReadTxn()
			if n, err := index.NumberOfDocuments(snap); err == nil {
				documents = n
			}
			_ = snap.Close()
		}
		err := p.mapper.DeleteIndex(wtxn, b.Index)
		if errors.Is(err, taskq_errors.ErrIndexNotFound) && b.IndexHasBeenCreated {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	p.mapper.CollectDeleted()

	for _, task := range b.List {
		task.Status = tasks.Succeeded
		if _, ok := task.Kind.(*tasks.IndexDeletion); ok {
			task.Details = &tasks.ClearAllDetails{DeletedDocuments: ptr(documents)}
		} else {
			task.Details = task.Kind.DefaultFinishedDetails()
		}
	}
	return b.List, nil
}

func (p *Processor) processIndexSwap(b *IndexSwapBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	progress.Update(processing.NewStep("ensuring correctness of the swap", 0, 2))
	swaps := b.Kind.Swaps
	err := p.write(func(wtxn *pebble.Batch) error {
		if err := p.validateSwaps(wtxn, swaps); err != nil {
			return err
		}
		progress.Update(processing.NewStep("ensuring correctness of the swap", 1, 2))
		for i, swap := range swaps {
			progress.Update(processing.NewStep("swapping the indexes", uint32(i), uint32(len(swaps))))
			if err := p.applyIndexSwap(wtxn, progress, b.Task.UID, swap.Indexes[0], swap.Indexes[1], swap.Rename); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.Task.Status = tasks.Succeeded
	return []*tasks.Task{b.Task}, nil
}

// validateSwaps reports every missing side of a swap, then every rename
// target that already exists. Nothing is mutated.
func (p *Processor) validateSwaps(r pebble.Reader, swaps []tasks.IndexSwap) error {
	missing := map[string]struct{}{}
	var taken [][2]string
	for _, swap := range swaps {
		lhs, rhs := swap.Indexes[0], swap.Indexes[1]
		ok, err := p.mapper.Exists(r, lhs)
		if err != nil {
			return err
		}
		if !ok {
			missing[lhs] = struct{}{}
		}
		ok, err = p.mapper.Exists(r, rhs)
		if err != nil {
			return err
		}
		switch {
		case ok && swap.Rename:
			taken = append(taken, swap.Indexes)
		case !ok && !swap.Rename:
			missing[rhs] = struct{}{}
		}
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return &taskq_errors.SwapIndexNotFoundError{Indexes: names}
	}
	if len(taken) > 0 {
		sort.Slice(taken, func(i, j int) bool {
			if taken[i][0] != taken[j][0] {
				return taken[i][0] < taken[j][0]
			}
			return taken[i][1] < taken[j][1]
		})
		return &taskq_errors.SwapIndexFoundDuringRenameError{Pairs: taken}
	}
	return nil
}

func (p *Processor) processUpgrade(ctx context.Context, b *UpgradeDatabaseBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	if p.upgrader == nil {
		return nil, errNotConfigured("upgrader")
	}
	err := guard(func() error { return p.upgrader.ProcessUpgrade(ctx, b.From, progress) })
	if errors.Is(err, taskq_errors.ErrAbortedTask) {
		return nil, err
	}
	if err != nil {
		return nil, &taskq_errors.DatabaseUpgradeError{Cause: err}
	}
	for _, task := range b.List {
		task.Status = tasks.Succeeded
		// a retried upgrade must not show the previous failure
		task.Error = nil
		if details, ok := task.Details.(*tasks.UpgradeDatabaseDetails); ok {
			details.To = p.version
		}
	}
	return b.List, nil
}

func (p *Processor) processExport(ctx context.Context, b *ExportBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	if p.exporter == nil {
		return nil, errNotConfigured("exporter")
	}
	var stats map[string]tasks.ExportIndexStats
	err := guard(func() (err error) {
		stats, err = p.exporter.ProcessExport(ctx, b.Kind, progress)
		return err
	})
	if errors.Is(err, taskq_errors.ErrAbortedTask) {
		return nil, err
	}
	if err != nil {
		return nil, &taskq_errors.ExportError{Cause: err}
	}
	b.Task.Status = tasks.Succeeded
	if details, ok := b.Task.Details.(*tasks.ExportDetails); ok {
		details.Indexes = stats
	}
	return []*tasks.Task{b.Task}, nil
}

func (p *Processor) processCompaction(ctx context.Context, b *IndexCompactionBatch, progress *processing.Progress) ([]*tasks.Task, error) {
	name := b.Kind.Index
	var before, after uint64
	err := guard(func() error {
		progress.Update(processing.NewStep("retrieving the index", 0, 3))
		snap := p.queue.ReadTxn()
		defer snap.Close()
		index, err := p.mapper.Index(snap, name)
		if err != nil {
			return err
		}
		p.mapper.SetCurrentlyUpdatingIndex(name, index)
		progress.Update(processing.NewStep("compacting the index", 1, 3))
		if before, after, err = p.mapper.Compact(snap, name); err != nil {
			return err
		}
		progress.Update(processing.NewStep("computing stats", 2, 3))
		p.refreshStats(ctx, name, index)
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.Task.Status = tasks.Succeeded
	if details, ok := b.Task.Details.(*tasks.IndexCompactionDetails); ok {
		details.PreCompactionSize = ptr(before)
		details.PostCompactionSize = ptr(after)
	}
	return []*tasks.Task{b.Task}, nil
}
