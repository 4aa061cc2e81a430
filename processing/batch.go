package processing

import (
	"maps"
	"time"

	"github.com/drpcorg/taskq/tasks"
)

// ProcessingBatch accumulates a batch while it is open and while it is
// finalized. Tasks enter it through Processing before the batch runs;
// after Finished every persisted task is replayed through Update, so tasks
// that joined mid-batch (canceled ones) are counted exactly once.
type ProcessingBatch struct {
	UID           tasks.BatchID
	Details       tasks.DetailsView
	Stats         tasks.BatchStats
	EmbedderStats *tasks.EmbedderStats

	Statuses   map[tasks.Status]struct{}
	Kinds      map[tasks.Kind]struct{}
	Indexes    map[string]struct{}
	CanceledBy map[tasks.TaskID]struct{}

	EnqueuedAt *tasks.BatchEnqueuedAt
	StartedAt  time.Time
	FinishedAt *time.Time
	StopReason string
}

func New(uid tasks.BatchID) *ProcessingBatch {
	return &ProcessingBatch{
		UID:           uid,
		Stats:         tasks.NewBatchStats(),
		EmbedderStats: &tasks.EmbedderStats{},
		Statuses:      map[tasks.Status]struct{}{tasks.Processing: {}},
		Kinds:         map[tasks.Kind]struct{}{},
		Indexes:       map[string]struct{}{},
		CanceledBy:    map[tasks.TaskID]struct{}{},
		StartedAt:     tasks.Now(),
	}
}

func (b *ProcessingBatch) count(task *tasks.Task) {
	kind := task.Kind.Kind()
	b.Stats.TotalNbTasks++
	b.Stats.Status[task.Status]++
	b.Stats.Types[kind]++
	b.Kinds[kind] = struct{}{}
	for _, index := range task.Indexes() {
		b.Stats.IndexUIDs[index]++
		b.Indexes[index] = struct{}{}
	}
	b.Details.Accumulate(tasks.ViewOf(task.Details))
}

// Processing admits tasks into the open batch and marks them processing.
func (b *ProcessingBatch) Processing(list ...*tasks.Task) {
	for _, task := range list {
		uid := b.UID
		started := b.StartedAt
		task.BatchUID = &uid
		task.Status = tasks.Processing
		task.StartedAt = &started
		b.count(task)
		if task.CanceledBy != nil {
			b.CanceledBy[*task.CanceledBy] = struct{}{}
		}
		if b.EnqueuedAt == nil {
			b.EnqueuedAt = &tasks.BatchEnqueuedAt{Earliest: task.EnqueuedAt, Oldest: task.EnqueuedAt}
			continue
		}
		if task.EnqueuedAt.Before(b.EnqueuedAt.Oldest) {
			b.EnqueuedAt.Oldest = task.EnqueuedAt
		}
		if task.EnqueuedAt.After(b.EnqueuedAt.Earliest) {
			b.EnqueuedAt.Earliest = task.EnqueuedAt
		}
	}
}

// Finished closes the batch and zeroes what Update recounts.
func (b *ProcessingBatch) Finished() {
	finished := tasks.Now()
	b.Details = tasks.DetailsView{}
	b.Stats = tasks.NewBatchStats()
	b.FinishedAt = &finished
	b.Statuses = map[tasks.Status]struct{}{}
}

// Update accounts for one persisted task of the finalized batch. Calling it
// again with the same task stamps the same fields.
func (b *ProcessingBatch) Update(task *tasks.Task) {
	uid := b.UID
	task.BatchUID = &uid
	if task.StartedAt == nil {
		started := b.StartedAt
		task.StartedAt = &started
	}
	if b.FinishedAt != nil {
		finished := *b.FinishedAt
		task.FinishedAt = &finished
	}
	b.Statuses[task.Status] = struct{}{}
	b.count(task)
}

// ToBatch snapshots the accumulator into a durable record.
func (b *ProcessingBatch) ToBatch() *tasks.Batch {
	stats := b.Stats
	stats.Status = maps.Clone(b.Stats.Status)
	stats.Types = maps.Clone(b.Stats.Types)
	stats.IndexUIDs = maps.Clone(b.Stats.IndexUIDs)
	batch := &tasks.Batch{
		UID:        b.UID,
		Details:    b.Details,
		Stats:      stats,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
		StopReason: b.StopReason,
	}
	if b.EmbedderStats != nil {
		batch.EmbedderStats = b.EmbedderStats.View()
	}
	if b.EnqueuedAt != nil {
		span := *b.EnqueuedAt
		batch.EnqueuedAt = &span
	}
	return batch
}
