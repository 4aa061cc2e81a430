package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/queue"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
	"github.com/drpcorg/taskq/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Executor    OperationExecutor
	Snapshotter Snapshotter
	Upgrader    Upgrader
	Exporter    Exporter
	Files       ContentFiles

	// Version of the running binary, stamped on succeeded upgrades.
	Version *semver.Version
	// MaxTasks triggers a cleanup deletion once exceeded; 0 disables it.
	MaxTasks uint64
	// MaxBatchedTasks bounds the tasks of one index operation.
	MaxBatchedTasks int
	Logger          utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Version == nil {
		o.Version = semver.MustParse("1.0.0")
	}
	if o.MaxBatchedTasks <= 0 {
		o.MaxBatchedTasks = 100
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type TickOutcome int

const (
	// WaitForSignal means the queue has nothing enqueued.
	WaitForSignal TickOutcome = iota
	TickAgain
	// StopProcessingForever follows a failed upgrade: nothing else may run
	// until the database is fixed.
	StopProcessingForever
)

func (o TickOutcome) String() string {
	switch o {
	case WaitForSignal:
		return "idle"
	case TickAgain:
		return "more to do"
	case StopProcessingForever:
		return "stopped"
	}
	return fmt.Sprintf("TickOutcome(%d)", int(o))
}

// Scheduler picks the next batch, runs it through the Processor and
// persists the outcome in one scheduler transaction.
type Scheduler struct {
	*Processor

	files      ContentFiles
	maxTasks   uint64
	maxBatched int
	stopped    atomic.Bool
}

func New(q *queue.Queue, mapper IndexMapper, opts Options) *Scheduler {
	opts.SetDefaults()
	return &Scheduler{
		Processor: &Processor{
			queue:      q,
			mapper:     mapper,
			executor:   opts.Executor,
			snapshots:  opts.Snapshotter,
			upgrader:   opts.Upgrader,
			exporter:   opts.Exporter,
			processing: &processing.ProcessingTasks{},
			version:    opts.Version,
			log:        opts.Logger,
		},
		files:      opts.Files,
		maxTasks:   opts.MaxTasks,
		maxBatched: opts.MaxBatchedTasks,
	}
}

// ProcessingTasks is what readers consult to see the running batch.
func (s *Scheduler) ProcessingTasks() *processing.ProcessingTasks {
	return s.processing
}

func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Register enqueues a task of kind with its default details.
// It is safe to call while a batch is processing.
func (s *Scheduler) Register(kind tasks.KindWithContent) (*tasks.Task, error) {
	var task *tasks.Task
	err := s.write(func(wtxn *pebble.Batch) (err error) {
		task, err = s.register(wtxn, kind)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Scheduler) register(wtxn *pebble.Batch, kind tasks.KindWithContent) (*tasks.Task, error) {
	uid, err := s.queue.NextTaskID(wtxn)
	if err != nil {
		return nil, err
	}
	task := &tasks.Task{
		UID:        uid,
		EnqueuedAt: tasks.Now(),
		Status:     tasks.Enqueued,
		Kind:       kind,
		Details:    kind.DefaultDetails(),
	}
	tasks.FilterOutReferencesToNewerTasks(task)
	if err = s.queue.Register(wtxn, task); err != nil {
		return nil, err
	}
	return task, nil
}

// cleanup enqueues the deletion of the oldest finished tasks once the
// queue holds more than maxTasks.
func (s *Scheduler) cleanup(ctx context.Context) error {
	return s.write(func(wtxn *pebble.Batch) error {
		return s.cleanupIn(ctx, wtxn)
	})
}

func (s *Scheduler) cleanupIn(ctx context.Context, wtxn *pebble.Batch) error {
	pending, err := s.queue.GetKind(wtxn, tasks.KindTaskDeletion)
	if err != nil {
		return err
	}
	enqueued, err := s.queue.GetStatus(wtxn, tasks.Enqueued)
	if err != nil {
		return err
	}
	if pending.Intersects(enqueued) {
		return nil
	}
	victims, err := s.queue.Cleanup(wtxn, s.maxTasks)
	if err != nil || victims.IsEmpty() {
		return err
	}
	last, err := s.queue.GetTask(wtxn, victims.Maximum())
	if err != nil {
		return err
	}
	if last == nil {
		return corruptedTask(victims.Maximum())
	}
	query := fmt.Sprintf("?beforeEnqueuedAt=%s&statuses=succeeded,failed,canceled", last.EnqueuedAt.Format(time.RFC3339Nano))
	task, err := s.register(wtxn, &tasks.TaskDeletion{Query: query, Tasks: victims})
	if err != nil {
		return err
	}
	s.log.InfoCtx(ctx, "the task queue is almost full, deleting the oldest tasks", "task", task.UID, "tasks", victims.GetCardinality())
	return nil
}

func deletable(first *tasks.Task) bool {
	switch first.Kind.(type) {
	case *tasks.DocumentAdditionOrUpdate, *tasks.DocumentDeletion, *tasks.DocumentClear, *tasks.SettingsUpdate:
		return true
	}
	return false
}

func sameOperation(a, b *tasks.Task) bool {
	switch k := a.Kind.(type) {
	case *tasks.DocumentAdditionOrUpdate:
		next, ok := b.Kind.(*tasks.DocumentAdditionOrUpdate)
		return ok && (next.PrimaryKey == nil || (k.PrimaryKey != nil && *k.PrimaryKey == *next.PrimaryKey))
	case *tasks.DocumentDeletion:
		_, ok := b.Kind.(*tasks.DocumentDeletion)
		return ok
	case *tasks.DocumentClear:
		_, ok := b.Kind.(*tasks.DocumentClear)
		return ok
	case *tasks.SettingsUpdate:
		_, ok := b.Kind.(*tasks.SettingsUpdate)
		return ok
	case *tasks.IndexDeletion:
		_, ok := b.Kind.(*tasks.IndexDeletion)
		return ok
	}
	return false
}

// NextBatch selects what runs next: upgrades first, then the latest
// cancelation, every deletion, every snapshot, the oldest dump, and
// finally the oldest enqueued task with the tasks of its index that can
// run alongside it. The returned ProcessingBatch already holds the tasks.
func (s *Scheduler) NextBatch(r pebble.Reader) (Batch, *processing.ProcessingBatch, error) {
	uid, err := s.queue.NextBatchID(r)
	if err != nil {
		return nil, nil, err
	}
	enqueued, err := s.queue.GetStatus(r, tasks.Enqueued)
	if err != nil {
		return nil, nil, err
	}
	open := func(uid tasks.BatchID, exists bool, list ...*tasks.Task) (Batch, *processing.ProcessingBatch, error) {
		batch, err := BatchOf(exists, list...)
		if err != nil {
			return nil, nil, err
		}
		current := processing.New(uid)
		current.Processing(list...)
		return batch, current, nil
	}
	enqueuedOf := func(kind tasks.Kind) (*roaring.Bitmap, error) {
		ids, err := s.queue.GetKind(r, kind)
		if err != nil {
			return nil, err
		}
		ids.And(enqueued)
		return ids, nil
	}

	upgrades, err := s.queue.GetKind(r, tasks.KindUpgradeDatabase)
	if err != nil {
		return nil, nil, err
	}
	failed, err := s.queue.GetStatus(r, tasks.Failed)
	if err != nil {
		return nil, nil, err
	}
	upgrades.And(roaring.Or(enqueued, failed))
	if !upgrades.IsEmpty() {
		list, err := s.queue.GetExistingTasks(r, upgrades)
		if err != nil {
			return nil, nil, err
		}
		// a retried upgrade reuses the batch that failed it
		if last := list[len(list)-1]; last.BatchUID != nil {
			uid = *last.BatchUID
		}
		return open(uid, false, list...)
	}

	for _, kind := range []tasks.Kind{tasks.KindTaskCancelation, tasks.KindTaskDeletion, tasks.KindSnapshotCreation, tasks.KindDumpCreation} {
		ids, err := enqueuedOf(kind)
		if err != nil {
			return nil, nil, err
		}
		if ids.IsEmpty() {
			continue
		}
		switch kind {
		case tasks.KindTaskCancelation:
			ids = roaring.BitmapOf(ids.Maximum())
		case tasks.KindDumpCreation:
			ids = roaring.BitmapOf(ids.Minimum())
		}
		list, err := s.queue.GetExistingTasks(r, ids)
		if err != nil {
			return nil, nil, err
		}
		return open(uid, false, list...)
	}

	if enqueued.IsEmpty() {
		return nil, nil, nil
	}
	first, err := s.queue.GetTask(r, enqueued.Minimum())
	if err != nil {
		return nil, nil, err
	}
	if first == nil {
		return nil, nil, corruptedTask(enqueued.Minimum())
	}
	list := []*tasks.Task{first}
	name := first.IndexUID()
	if name == "" {
		return open(uid, false, list...)
	}
	exists, err := s.mapper.Exists(r, name)
	if err != nil {
		return nil, nil, err
	}
	same, err := s.queue.IndexTasks(r, name)
	if err != nil {
		return nil, nil, err
	}
	same.And(enqueued)
	same.Remove(first.UID)
	for it := same.Iterator(); it.HasNext() && len(list) < s.maxBatched; {
		next, err := s.queue.GetTask(r, it.Next())
		if err != nil {
			return nil, nil, err
		}
		if next == nil || next.IndexUID() != name {
			break
		}
		if !sameOperation(first, next) {
			// an index deletion makes the operations queued before it moot
			if _, ok := next.Kind.(*tasks.IndexDeletion); ok && deletable(first) {
				list = append(list, next)
			}
			break
		}
		list = append(list, next)
	}
	return open(uid, exists, list...)
}

func batchKind(b Batch) string {
	if list := b.Tasks(); len(list) > 0 {
		return list[0].Kind.Kind().String()
	}
	return "none"
}

// Tick runs one batch end to end.
func (s *Scheduler) Tick(ctx context.Context) (TickOutcome, error) {
	if s.stopped.Load() {
		return StopProcessingForever, nil
	}
	if err := ctx.Err(); err != nil {
		return WaitForSignal, err
	}
	if s.maxTasks > 0 {
		if err := s.cleanup(ctx); err != nil {
			return WaitForSignal, fmt.Errorf("cleanup of the task queue: %w", err)
		}
	}

	snap := s.queue.ReadTxn()
	batch, current, err := s.NextBatch(snap)
	_ = snap.Close()
	if err != nil {
		return WaitForSignal, fmt.Errorf("create the next batch: %w", err)
	}
	if batch == nil {
		return WaitForSignal, nil
	}
	kind := batchKind(batch)
	ctx = utils.WithDefaultArgs(ctx, "batch", current.UID, "kind", kind)
	ids := IDs(batch)
	progress := processing.NewProgress()
	s.processing.Start(current.UID, ids, progress)
	s.log.DebugCtx(ctx, "processing batch", "tasks", ids.GetCardinality())

	var (
		list []*tasks.Task
		info ProcessBatchInfo
	)
	processErr := guard(func() (err error) {
		list, info, err = s.ProcessBatch(ctx, batch, current, progress)
		return err
	})
	if processErr != nil {
		s.log.WarnCtx(ctx, "batch failed", "step", progress.View(), "err", processErr)
	}

	// relinquish the index handle
	s.mapper.SetCurrentlyUpdatingIndex("", nil)

	if errors.Is(processErr, taskq_errors.ErrAbortedTask) {
		// the processing ids stay published, the next tick picks them again
		s.log.InfoCtx(ctx, "a batch of tasks was aborted")
		ProcessedBatches.WithLabelValues(kind, "aborted").Inc()
		return TickAgain, nil
	}

	progress.Update(processing.NewStep("writing tasks to disk", 0, 1))
	current.Finished()
	var (
		stopForever bool
		record      *tasks.Batch
	)
	// the tasks are read back inside the transaction, so a task registered
	// meanwhile keeps its place in the bitmaps
	err = s.write(func(wtxn *pebble.Batch) error {
		var (
			canceled *roaring.Bitmap
			err      error
		)
		stopForever, canceled, err = s.persist(ctx, wtxn, current, ids, list, processErr, progress)
		if err != nil {
			return err
		}
		ids.Or(canceled)

		current.Stats.ProgressTrace = progress.AccumulatedDurations()
		if c := info.Congestion; c != nil {
			current.Stats.WriteChannelCongestion = map[string]float64{
				"attempts":          float64(c.Attempts),
				"blocking_attempts": float64(c.BlockingAttempts),
				"blocking_ratio":    c.Ratio(),
			}
			s.log.DebugCtx(ctx, "channel congestion", "attempts", c.Attempts, "blocking", c.BlockingAttempts, "ratio", c.Ratio())
		}
		current.Stats.InternalDatabaseSizes = info.PostCommitSizes
		record = current.ToBatch()
		return s.queue.WriteBatch(wtxn, record, ids)
	})
	if err != nil {
		return WaitForSignal, err
	}
	// only after the commit, so the batch never disappears for readers
	s.processing.Stop()

	s.deleteContentFiles(ctx, ids)
	s.observe(kind, record, stopForever)

	if stopForever {
		s.stopped.Store(true)
		return StopProcessingForever, nil
	}
	return TickAgain, nil
}

// persist writes the outcome of the batch into wtxn: the returned tasks on
// success, every batch task failed with processErr otherwise. It returns the
// ids canceled on the way.
func (s *Scheduler) persist(ctx context.Context, wtxn *pebble.Batch, current *processing.ProcessingBatch, ids *roaring.Bitmap,
	list []*tasks.Task, processErr error, progress *processing.Progress) (stopForever bool, canceled *roaring.Bitmap, err error) {
	canceled = roaring.New()
	if processErr != nil {
		if errors.Is(processErr, taskq_errors.ErrDatabaseUpgrade) {
			s.log.ErrorCtx(ctx, "upgrade task failed, tasks won't be processed until the issue is fixed", "err", processErr)
			stopForever = true
		}
		response := tasks.NewResponseError(processErr)
		step := processing.NewAtomicStep("task", uint32(ids.GetCardinality()))
		progress.Update(step)
		for it := ids.Iterator(); it.HasNext(); {
			uid := it.Next()
			task, err := s.queue.GetTask(wtxn, uid)
			if err != nil {
				return false, nil, err
			}
			if task == nil {
				return false, nil, corruptedTask(uid)
			}
			task.Status = tasks.Failed
			failure := *response
			task.Error = &failure
			if task.Details != nil {
				task.Details = task.Details.ToFailed()
			}
			current.Update(task)
			if err = s.queue.UpdateTask(wtxn, task); err != nil {
				return false, nil, err
			}
			step.Inc()
		}
		s.log.ErrorCtx(ctx, "batch failed", "err", processErr)
		return stopForever, canceled, nil
	}

	step := processing.NewAtomicStep("task", uint32(len(list)))
	progress.Update(step)
	var (
		succeeded, failed int
		canceler          *tasks.TaskID
		detach            = newTouched()
	)
	for _, task := range list {
		if task.Status == tasks.Canceled {
			old, err := s.queue.GetTask(wtxn, task.UID)
			if err != nil {
				return false, nil, err
			}
			if old == nil {
				return false, nil, corruptedTask(task.UID)
			}
			// a failed upgrade leaves the batch that failed it
			if old.BatchUID != nil && *old.BatchUID != current.UID {
				detach.add(old)
			}
			canceled.Add(task.UID)
			canceler = task.CanceledBy
		}
		current.Update(task)
		if task.Error != nil {
			failed++
		} else {
			succeeded++
		}
		if err = s.queue.UpdateTask(wtxn, task); err != nil {
			return false, nil, err
		}
		step.Inc()
	}
	if canceler != nil {
		if err = s.queue.PutCanceledBy(wtxn, *canceler, canceled); err != nil {
			return false, nil, err
		}
	}
	for _, uid := range detach.batchOrder {
		if err = s.shrinkBatch(wtxn, uid, detach.fromBatch[uid], detach); err != nil {
			return false, nil, err
		}
	}
	s.log.InfoCtx(ctx, "a batch of tasks was completed", "succeeded", succeeded, "failed", failed)
	return false, canceled, nil
}

// deleteContentFiles drops the payloads of the finished tasks of ids. A
// failure leaks the file and is only logged.
func (s *Scheduler) deleteContentFiles(ctx context.Context, ids *roaring.Bitmap) {
	if s.files == nil {
		return
	}
	snap := s.queue.ReadTxn()
	type content struct {
		task tasks.TaskID
		file uuid.UUID
	}
	var files []content
	for it := ids.Iterator(); it.HasNext(); {
		uid := it.Next()
		task, err := s.queue.GetTask(snap, uid)
		if err != nil || task == nil || !task.Status.Finished() {
			continue
		}
		if id, ok := task.ContentUUID(); ok {
			files = append(files, content{uid, id})
		}
	}
	_ = snap.Close()

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, c := range files {
		c := c
		g.Go(func() error {
			err := s.files.Delete(c.file)
			if err != nil && !errors.Is(err, taskq_errors.ErrContentFileNotFound) {
				NonFatalFailures.WithLabelValues("content_file").Inc()
				s.log.ErrorCtx(ctx, "failed to delete the content file", "task", c.task, "file", c.file.String(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) observe(kind string, record *tasks.Batch, failed bool) {
	result := "ok"
	if failed || record.Stats.Status[tasks.Failed] == record.Stats.TotalNbTasks {
		result = "failed"
	}
	ProcessedBatches.WithLabelValues(kind, result).Inc()
	for status, n := range record.Stats.Status {
		ProcessedTasks.WithLabelValues(status.String()).Add(float64(n))
	}
	if record.FinishedAt != nil {
		BatchDuration.WithLabelValues(kind).Observe(record.FinishedAt.Sub(record.StartedAt).Seconds())
	}
}

// Run ticks until ctx is done or the scheduler stops for good. It waits on
// wake whenever the queue is empty.
func (s *Scheduler) Run(ctx context.Context, wake <-chan struct{}) error {
	for {
		outcome, err := s.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.ErrorCtx(ctx, "tick failed", "err", err)
			outcome = WaitForSignal
		}
		switch outcome {
		case StopProcessingForever:
			return taskq_errors.ErrDatabaseUpgrade
		case TickAgain:
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-time.After(time.Second):
		}
	}
}
