package processing

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/drpcorg/taskq/tasks"
)

// Current is what the scheduler is processing right now. It is never
// mutated once published.
type Current struct {
	Batch    tasks.BatchID
	IDs      *roaring.Bitmap
	Progress *Progress
}

// ProcessingTasks publishes the current batch to concurrent readers.
type ProcessingTasks struct {
	current atomic.Pointer[Current]
}

func (p *ProcessingTasks) Start(batch tasks.BatchID, ids *roaring.Bitmap, progress *Progress) {
	p.current.Store(&Current{Batch: batch, IDs: ids.Clone(), Progress: progress})
}

// Stop clears the current batch and returns the ids it was processing.
func (p *ProcessingTasks) Stop() *roaring.Bitmap {
	old := p.current.Swap(nil)
	if old == nil {
		return roaring.New()
	}
	return old.IDs
}

// Current is nil when nothing is processing.
func (p *ProcessingTasks) Current() *Current {
	return p.current.Load()
}

// Processing is a copy of the ids being processed, empty when idle.
func (p *ProcessingTasks) Processing() *roaring.Bitmap {
	if cur := p.current.Load(); cur != nil {
		return cur.IDs.Clone()
	}
	return roaring.New()
}

func (p *ProcessingTasks) IsProcessing(uid tasks.TaskID) bool {
	cur := p.current.Load()
	return cur != nil && cur.IDs.Contains(uid)
}
