package scheduler

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/RoaringBitmap/roaring"
	"github.com/drpcorg/taskq/tasks"
)

// Of is a task together with its kind, already narrowed to K.
type Of[K tasks.KindWithContent] struct {
	Task *tasks.Task
	Kind K
}

func narrow[K tasks.KindWithContent](task *tasks.Task) (of Of[K], err error) {
	kind, ok := task.Kind.(K)
	if !ok {
		return of, fmt.Errorf("task %d is a %s, want %T", task.UID, task.Kind.Kind(), of.Kind)
	}
	return Of[K]{Task: task, Kind: kind}, nil
}

func narrowAll[K tasks.KindWithContent](list []*tasks.Task) ([]Of[K], error) {
	out := make([]Of[K], 0, len(list))
	for _, task := range list {
		of, err := narrow[K](task)
		if err != nil {
			return nil, err
		}
		out = append(out, of)
	}
	return out, nil
}

func tasksOf[K tasks.KindWithContent](list []Of[K]) []*tasks.Task {
	out := make([]*tasks.Task, 0, len(list))
	for _, of := range list {
		out = append(out, of.Task)
	}
	return out
}

func idsOf(list []*tasks.Task) *roaring.Bitmap {
	ids := roaring.New()
	for _, task := range list {
		ids.Add(task.UID)
	}
	return ids
}

// Batch is one unit of work for ProcessBatch. Every variant carries tasks
// whose kinds match it, so processing never has to second-guess a kind.
type Batch interface {
	Tasks() []*tasks.Task
	// IndexUID is the index the batch works on, empty when none.
	IndexUID() string
	batch()
}

// IDs of the tasks of b.
func IDs(b Batch) *roaring.Bitmap {
	return idsOf(b.Tasks())
}

type TaskCancelationBatch struct {
	Of[*tasks.TaskCancelation]
}

type TaskDeletionsBatch struct {
	Deletions []Of[*tasks.TaskDeletion]
}

type SnapshotCreationBatch struct {
	List []*tasks.Task
}

type DumpBatch struct {
	Of[*tasks.DumpCreation]
}

type IndexOperationBatch struct {
	Op              IndexOperation
	MustCreateIndex bool
}

type IndexCreationBatch struct {
	Index      string
	PrimaryKey *string
	Task       *tasks.Task
}

type IndexUpdateBatch struct {
	Index       string
	PrimaryKey  *string
	NewIndexUID *string
	Task        *tasks.Task
}

// IndexDeletionBatch deletes an index together with the tasks registered
// against it since; IndexHasBeenCreated tells that an earlier task of the
// same batch planned to create it.
type IndexDeletionBatch struct {
	Index               string
	IndexHasBeenCreated bool
	List                []*tasks.Task
}

type IndexSwapBatch struct {
	Of[*tasks.IndexSwaps]
}

type UpgradeDatabaseBatch struct {
	List []*tasks.Task
	From *semver.Version
}

type ExportBatch struct {
	Of[*tasks.Export]
}

type IndexCompactionBatch struct {
	Of[*tasks.IndexCompaction]
}

func (b *TaskCancelationBatch) Tasks() []*tasks.Task  { return []*tasks.Task{b.Task} }
func (b *TaskDeletionsBatch) Tasks() []*tasks.Task    { return tasksOf(b.Deletions) }
func (b *SnapshotCreationBatch) Tasks() []*tasks.Task { return b.List }
func (b *DumpBatch) Tasks() []*tasks.Task             { return []*tasks.Task{b.Task} }
func (b *IndexOperationBatch) Tasks() []*tasks.Task   { return b.Op.Tasks() }
func (b *IndexCreationBatch) Tasks() []*tasks.Task    { return []*tasks.Task{b.Task} }
func (b *IndexUpdateBatch) Tasks() []*tasks.Task      { return []*tasks.Task{b.Task} }
func (b *IndexDeletionBatch) Tasks() []*tasks.Task    { return b.List }
func (b *IndexSwapBatch) Tasks() []*tasks.Task        { return []*tasks.Task{b.Task} }
func (b *UpgradeDatabaseBatch) Tasks() []*tasks.Task  { return b.List }
func (b *ExportBatch) Tasks() []*tasks.Task           { return []*tasks.Task{b.Task} }
func (b *IndexCompactionBatch) Tasks() []*tasks.Task  { return []*tasks.Task{b.Task} }

func (b *TaskCancelationBatch) IndexUID() string  { return "" }
func (b *TaskDeletionsBatch) IndexUID() string    { return "" }
func (b *SnapshotCreationBatch) IndexUID() string { return "" }
func (b *DumpBatch) IndexUID() string             { return "" }
func (b *IndexOperationBatch) IndexUID() string   { return b.Op.IndexUID() }
func (b *IndexCreationBatch) IndexUID() string    { return b.Index }
func (b *IndexUpdateBatch) IndexUID() string      { return b.Index }
func (b *IndexDeletionBatch) IndexUID() string    { return b.Index }
func (b *IndexSwapBatch) IndexUID() string        { return "" }
func (b *UpgradeDatabaseBatch) IndexUID() string  { return "" }
func (b *ExportBatch) IndexUID() string           { return "" }
func (b *IndexCompactionBatch) IndexUID() string  { return b.Kind.Index }

func (*TaskCancelationBatch) batch()  {}
func (*TaskDeletionsBatch) batch()    {}
func (*SnapshotCreationBatch) batch() {}
func (*DumpBatch) batch()             {}
func (*IndexOperationBatch) batch()   {}
func (*IndexCreationBatch) batch()    {}
func (*IndexUpdateBatch) batch()      {}
func (*IndexDeletionBatch) batch()    {}
func (*IndexSwapBatch) batch()        {}
func (*UpgradeDatabaseBatch) batch()  {}
func (*ExportBatch) batch()           {}
func (*IndexCompactionBatch) batch()  {}

// IndexOperation is the document or settings work an executor applies to
// one index.
type IndexOperation interface {
	IndexUID() string
	Tasks() []*tasks.Task
	operation()
}

type DocumentOperation struct {
	Index      string
	PrimaryKey *string
	Additions  []Of[*tasks.DocumentAdditionOrUpdate]
}

type DocumentEdition struct {
	Of[*tasks.DocumentEdition]
}

type DocumentDeletion struct {
	Index     string
	Deletions []Of[*tasks.DocumentDeletion]
}

type DocumentDeletionByFilter struct {
	Of[*tasks.DocumentDeletionByFilter]
}

type DocumentClear struct {
	Index string
	List  []*tasks.Task
}

type Settings struct {
	Index   string
	Updates []Of[*tasks.SettingsUpdate]
}

func (o *DocumentOperation) IndexUID() string        { return o.Index }
func (o *DocumentEdition) IndexUID() string          { return o.Kind.Index }
func (o *DocumentDeletion) IndexUID() string         { return o.Index }
func (o *DocumentDeletionByFilter) IndexUID() string { return o.Kind.Index }
func (o *DocumentClear) IndexUID() string            { return o.Index }
func (o *Settings) IndexUID() string                 { return o.Index }

func (o *DocumentOperation) Tasks() []*tasks.Task        { return tasksOf(o.Additions) }
func (o *DocumentEdition) Tasks() []*tasks.Task          { return []*tasks.Task{o.Task} }
func (o *DocumentDeletion) Tasks() []*tasks.Task         { return tasksOf(o.Deletions) }
func (o *DocumentDeletionByFilter) Tasks() []*tasks.Task { return []*tasks.Task{o.Task} }
func (o *DocumentClear) Tasks() []*tasks.Task            { return o.List }
func (o *Settings) Tasks() []*tasks.Task                 { return tasksOf(o.Updates) }

func (*DocumentOperation) operation()        {}
func (*DocumentEdition) operation()          {}
func (*DocumentDeletion) operation()         {}
func (*DocumentDeletionByFilter) operation() {}
func (*DocumentClear) operation()            {}
func (*Settings) operation()                 {}

// BatchOf builds the batch running list, tasks that must all be of the
// same kind, except for an index deletion closing a run of operations on
// its index. indexExists tells whether the index the tasks target exists
// at batching time.
func BatchOf(indexExists bool, list ...*tasks.Task) (Batch, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	first := list[0]
	kind := first.Kind.Kind()
	if del, ok := list[len(list)-1].Kind.(*tasks.IndexDeletion); ok && kind != tasks.KindIndexDeletion {
		ops := list[:len(list)-1]
		_, allowCreation, err := operationOf(ops)
		if err != nil {
			return nil, err
		}
		if first.IndexUID() != del.Index {
			return nil, fmt.Errorf("task %d deletes `%s` in a batch on `%s`", list[len(list)-1].UID, del.Index, first.IndexUID())
		}
		// the operations would have created the index that is now deleted
		return &IndexDeletionBatch{Index: del.Index, IndexHasBeenCreated: allowCreation && !indexExists, List: list}, nil
	}
	for _, task := range list[1:] {
		if task.Kind.Kind() != kind {
			return nil, fmt.Errorf("task %d is a %s in a batch of %s", task.UID, task.Kind.Kind(), kind)
		}
	}
	single := func() error {
		if len(list) > 1 {
			return fmt.Errorf("a %s runs alone", kind)
		}
		return nil
	}
	switch k := first.Kind.(type) {
	case *tasks.TaskCancelation:
		if err := single(); err != nil {
			return nil, err
		}
		return &TaskCancelationBatch{Of[*tasks.TaskCancelation]{first, k}}, nil
	case *tasks.TaskDeletion:
		deletions, err := narrowAll[*tasks.TaskDeletion](list)
		if err != nil {
			return nil, err
		}
		return &TaskDeletionsBatch{Deletions: deletions}, nil
	case *tasks.SnapshotCreation:
		return &SnapshotCreationBatch{List: list}, nil
	case *tasks.DumpCreation:
		if err := single(); err != nil {
			return nil, err
		}
		return &DumpBatch{Of[*tasks.DumpCreation]{first, k}}, nil
	case *tasks.UpgradeDatabase:
		// the last registered upgrade knows where the data comes from
		last, err := narrow[*tasks.UpgradeDatabase](list[len(list)-1])
		if err != nil {
			return nil, err
		}
		return &UpgradeDatabaseBatch{List: list, From: last.Kind.From}, nil
	case *tasks.IndexCreation:
		if err := single(); err != nil {
			return nil, err
		}
		return &IndexCreationBatch{Index: k.Index, PrimaryKey: k.PrimaryKey, Task: first}, nil
	case *tasks.IndexUpdate:
		if err := single(); err != nil {
			return nil, err
		}
		return &IndexUpdateBatch{Index: k.Index, PrimaryKey: k.PrimaryKey, NewIndexUID: k.NewIndexUID, Task: first}, nil
	case *tasks.IndexDeletion:
		return &IndexDeletionBatch{Index: k.Index, List: list}, nil
	case *tasks.IndexSwaps:
		if err := single(); err != nil {
			return nil, err
		}
		return &IndexSwapBatch{Of[*tasks.IndexSwaps]{first, k}}, nil
	case *tasks.Export:
		if err := single(); err != nil {
			return nil, err
		}
		return &ExportBatch{Of[*tasks.Export]{first, k}}, nil
	case *tasks.IndexCompaction:
		if err := single(); err != nil {
			return nil, err
		}
		return &IndexCompactionBatch{Of[*tasks.IndexCompaction]{first, k}}, nil
	}
	op, allowCreation, err := operationOf(list)
	if err != nil {
		return nil, err
	}
	return &IndexOperationBatch{Op: op, MustCreateIndex: allowCreation && !indexExists}, nil
}

func operationOf(list []*tasks.Task) (op IndexOperation, allowCreation bool, err error) {
	first := list[0]
	index := first.IndexUID()
	for _, task := range list[1:] {
		if task.IndexUID() != index {
			return nil, false, fmt.Errorf("task %d targets `%s` in a batch on `%s`", task.UID, task.IndexUID(), index)
		}
	}
	switch k := first.Kind.(type) {
	case *tasks.DocumentAdditionOrUpdate:
		additions, err := narrowAll[*tasks.DocumentAdditionOrUpdate](list)
		if err != nil {
			return nil, false, err
		}
		allowCreation = true
		for _, add := range additions {
			allowCreation = allowCreation && add.Kind.AllowIndexCreation
		}
		return &DocumentOperation{Index: index, PrimaryKey: k.PrimaryKey, Additions: additions}, allowCreation, nil
	case *tasks.DocumentEdition:
		if len(list) > 1 {
			return nil, false, fmt.Errorf("a %s runs alone", k.Kind())
		}
		return &DocumentEdition{Of[*tasks.DocumentEdition]{first, k}}, false, nil
	case *tasks.DocumentDeletion:
		deletions, err := narrowAll[*tasks.DocumentDeletion](list)
		if err != nil {
			return nil, false, err
		}
		return &DocumentDeletion{Index: index, Deletions: deletions}, false, nil
	case *tasks.DocumentDeletionByFilter:
		if len(list) > 1 {
			return nil, false, fmt.Errorf("a deletion by filter runs alone")
		}
		return &DocumentDeletionByFilter{Of[*tasks.DocumentDeletionByFilter]{first, k}}, false, nil
	case *tasks.DocumentClear:
		for _, task := range list {
			if _, ok := task.Kind.(*tasks.DocumentClear); !ok {
				return nil, false, fmt.Errorf("task %d is not a document clear", task.UID)
			}
		}
		return &DocumentClear{Index: index, List: list}, false, nil
	case *tasks.SettingsUpdate:
		updates, err := narrowAll[*tasks.SettingsUpdate](list)
		if err != nil {
			return nil, false, err
		}
		allowCreation = true
		for _, u := range updates {
			allowCreation = allowCreation && u.Kind.AllowIndexCreation
		}
		return &Settings{Index: index, Updates: updates}, allowCreation, nil
	}
	return nil, false, fmt.Errorf("no batch runs a %s", first.Kind.Kind())
}
