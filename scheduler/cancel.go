package scheduler

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
)

func (p *Processor) processCancelation(ctx context.Context, b *TaskCancelationBatch, current *processing.ProcessingBatch,
	progress *processing.Progress) ([]*tasks.Task, error) {
	snap := p.queue.ReadTxn()
	defer snap.Close()
	canceled, err := p.cancelMatchedTasks(ctx, snap, b.Task.UID, current, b.Kind.Tasks, progress)
	if err != nil {
		return nil, err
	}
	task := b.Task
	task.Status = tasks.Succeeded
	details, ok := task.Details.(*tasks.TaskCancelationDetails)
	if !ok {
		details = b.Kind.DefaultDetails().(*tasks.TaskCancelationDetails)
		task.Details = details
	}
	details.CanceledTasks = ptr(uint64(len(canceled)))
	return append(canceled, task), nil
}

// cancelMatchedTasks cancels the ids of matched that are still enqueued.
// Tasks of the running batch are left to finish on their own. Matching any
// upgrade task cancels every enqueued or failed upgrade, rolling back the
// latest one when it targeted this binary.
func (p *Processor) cancelMatchedTasks(ctx context.Context, r pebble.Reader, canceler tasks.TaskID,
	current *processing.ProcessingBatch, matched *roaring.Bitmap, progress *processing.Progress) ([]*tasks.Task, error) {
	progress.Update(processing.NewStep("retrieving tasks", 0, 3))
	if matched == nil {
		matched = roaring.New()
	}
	enqueued, err := p.queue.GetStatus(r, tasks.Enqueued)
	if err != nil {
		return nil, err
	}
	processingIDs := p.processing.Processing()
	processingIDs.Remove(canceler)
	enqueued.AndNot(processingIDs)

	toCancel := roaring.New()
	upgrades, err := p.queue.GetKind(r, tasks.KindUpgradeDatabase)
	if err != nil {
		return nil, err
	}
	if matched.Intersects(upgrades) {
		failed, err := p.queue.GetStatus(r, tasks.Failed)
		if err != nil {
			return nil, err
		}
		toCancel.Or(roaring.And(upgrades, roaring.Or(enqueued, failed)))
	}
	toCancel.Or(roaring.And(enqueued, matched))
	toCancel.Remove(canceler)

	if canceledUpgrades := roaring.And(toCancel, upgrades); !canceledUpgrades.IsEmpty() {
		progress.Update(processing.NewStep("canceling the upgrade", 1, 3))
		if err = p.rollback(ctx, r, canceledUpgrades.Maximum(), progress); err != nil {
			return nil, err
		}
	}

	progress.Update(processing.NewStep("updating tasks", 2, 3))
	list, err := p.queue.GetExistingTasks(r, toCancel)
	if err != nil {
		return nil, err
	}
	step := processing.NewAtomicStep("canceled tasks", uint32(len(list)))
	progress.Update(step)
	for _, task := range list {
		task.CanceledBy = ptr(canceler)
		current.Processing(task)
		task.Status = tasks.Canceled
		if task.Details != nil {
			task.Details = task.Details.ToFailed()
		}
		step.Inc()
	}
	return list, nil
}

func (p *Processor) rollback(ctx context.Context, r pebble.Reader, latest tasks.TaskID, progress *processing.Progress) error {
	task, err := p.queue.GetTask(r, latest)
	if err != nil {
		return err
	}
	if task == nil {
		return corruptedTask(latest)
	}
	details, ok := task.Details.(*tasks.UpgradeDatabaseDetails)
	if !ok || details.From == nil || details.To == nil || p.version == nil || !details.To.Equal(p.version) {
		p.log.DebugCtx(ctx, "not rolling back an upgrade targeting another version", "task", latest)
		return nil
	}
	if p.upgrader == nil {
		return errNotConfigured("upgrader")
	}
	p.log.WarnCtx(ctx, "rolling back", "from", details.To.String(), "to", details.From.String())
	err = guard(func() error { return p.upgrader.ProcessRollback(ctx, details.From, progress) })
	if err != nil {
		return &taskq_errors.DatabaseUpgradeError{Cause: err}
	}
	return nil
}
