package tasks

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Batch is the durable record of one processing cycle.
type Batch struct {
	UID           BatchID           `json:"uid"`
	Details       DetailsView       `json:"details"`
	Stats         BatchStats        `json:"stats"`
	EmbedderStats EmbedderStatsView `json:"embedderStats"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
	EnqueuedAt    *BatchEnqueuedAt  `json:"enqueuedAt,omitempty"`
	StopReason    string            `json:"stopReason,omitempty"`
}

// BatchEnqueuedAt spans the enqueue dates of the batch members:
// Oldest is the minimum, Earliest the maximum.
type BatchEnqueuedAt struct {
	Earliest time.Time `json:"earliest"`
	Oldest   time.Time `json:"oldest"`
}

type BatchStats struct {
	TotalNbTasks           uint32             `json:"totalNbTasks"`
	Status                 map[Status]uint32  `json:"status"`
	Types                  map[Kind]uint32    `json:"types"`
	IndexUIDs              map[string]uint32  `json:"indexUids"`
	ProgressTrace          map[string]string  `json:"progressTrace,omitempty"`
	WriteChannelCongestion map[string]float64 `json:"writeChannelCongestion,omitempty"`
	InternalDatabaseSizes  map[string]int64   `json:"internalDatabaseSizes,omitempty"`
}

func NewBatchStats() BatchStats {
	return BatchStats{
		Status:    map[Status]uint32{},
		Types:     map[Kind]uint32{},
		IndexUIDs: map[string]uint32{},
	}
}

// DetailsView is the flat aggregate of the details of every batch member.
type DetailsView struct {
	ReceivedDocuments  *uint64         `json:"receivedDocuments,omitempty"`
	IndexedDocuments   *uint64         `json:"indexedDocuments,omitempty"`
	EditedDocuments    *uint64         `json:"editedDocuments,omitempty"`
	PrimaryKey         *string         `json:"primaryKey,omitempty"`
	ProvidedIDs        *uint64         `json:"providedIds,omitempty"`
	DeletedDocuments   *uint64         `json:"deletedDocuments,omitempty"`
	MatchedTasks       *uint64         `json:"matchedTasks,omitempty"`
	CanceledTasks      *uint64         `json:"canceledTasks,omitempty"`
	DeletedTasks       *uint64         `json:"deletedTasks,omitempty"`
	OriginalFilter     *string         `json:"originalFilter,omitempty"`
	DumpUID            *string         `json:"dumpUid,omitempty"`
	Function           *string         `json:"function,omitempty"`
	Settings           json.RawMessage `json:"settings,omitempty"`
	Swaps              []IndexSwap     `json:"swaps,omitempty"`
	UpgradeFrom        *string         `json:"upgradeFrom,omitempty"`
	UpgradeTo          *string         `json:"upgradeTo,omitempty"`
	ExportURL          *string         `json:"url,omitempty"`
	PreCompactionSize  *uint64         `json:"preCompactionSize,omitempty"`
	PostCompactionSize *uint64         `json:"postCompactionSize,omitempty"`
}

func addUint(into **uint64, v *uint64) {
	if v == nil {
		return
	}
	if *into == nil {
		*into = ptr(*v)
		return
	}
	**into += *v
}

func keepString(into **string, v *string) {
	if v != nil {
		*into = ptr(*v)
	}
}

// ViewOf flattens one task details variant.
func ViewOf(details Details) (view DetailsView) {
	switch d := details.(type) {
	case *DocumentAdditionOrUpdateDetails:
		view.ReceivedDocuments = ptr(d.ReceivedDocuments)
		addUint(&view.IndexedDocuments, d.IndexedDocuments)
	case *SettingsUpdateDetails:
		view.Settings = d.Settings
	case *IndexInfoDetails:
		keepString(&view.PrimaryKey, d.PrimaryKey)
	case *DocumentDeletionDetails:
		view.ProvidedIDs = ptr(d.ProvidedIDs)
		addUint(&view.DeletedDocuments, d.DeletedDocuments)
	case *DocumentDeletionByFilterDetails:
		view.OriginalFilter = ptr(d.OriginalFilter)
		addUint(&view.DeletedDocuments, d.DeletedDocuments)
	case *DocumentEditionDetails:
		addUint(&view.DeletedDocuments, d.DeletedDocuments)
		addUint(&view.EditedDocuments, d.EditedDocuments)
		keepString(&view.OriginalFilter, d.OriginalFilter)
		view.Function = ptr(d.Function)
	case *ClearAllDetails:
		addUint(&view.DeletedDocuments, d.DeletedDocuments)
	case *TaskCancelationDetails:
		view.MatchedTasks = ptr(d.MatchedTasks)
		addUint(&view.CanceledTasks, d.CanceledTasks)
		view.OriginalFilter = ptr(d.OriginalFilter)
	case *TaskDeletionDetails:
		view.MatchedTasks = ptr(d.MatchedTasks)
		addUint(&view.DeletedTasks, d.DeletedTasks)
		view.OriginalFilter = ptr(d.OriginalFilter)
	case *DumpDetails:
		keepString(&view.DumpUID, d.DumpUID)
	case *IndexSwapDetails:
		view.Swaps = append([]IndexSwap(nil), d.Swaps...)
	case *ExportDetails:
		view.ExportURL = ptr(d.URL)
	case *UpgradeDatabaseDetails:
		if d.From != nil {
			view.UpgradeFrom = ptr(d.From.String())
		}
		if d.To != nil {
			view.UpgradeTo = ptr(d.To.String())
		}
	case *IndexCompactionDetails:
		addUint(&view.PreCompactionSize, d.PreCompactionSize)
		addUint(&view.PostCompactionSize, d.PostCompactionSize)
	}
	return
}

// Accumulate folds other into v: counters add up, the last set string wins.
func (v *DetailsView) Accumulate(other DetailsView) {
	addUint(&v.ReceivedDocuments, other.ReceivedDocuments)
	addUint(&v.IndexedDocuments, other.IndexedDocuments)
	addUint(&v.EditedDocuments, other.EditedDocuments)
	addUint(&v.ProvidedIDs, other.ProvidedIDs)
	addUint(&v.DeletedDocuments, other.DeletedDocuments)
	addUint(&v.MatchedTasks, other.MatchedTasks)
	addUint(&v.CanceledTasks, other.CanceledTasks)
	addUint(&v.DeletedTasks, other.DeletedTasks)
	addUint(&v.PreCompactionSize, other.PreCompactionSize)
	addUint(&v.PostCompactionSize, other.PostCompactionSize)
	keepString(&v.PrimaryKey, other.PrimaryKey)
	keepString(&v.OriginalFilter, other.OriginalFilter)
	keepString(&v.DumpUID, other.DumpUID)
	keepString(&v.Function, other.Function)
	keepString(&v.UpgradeFrom, other.UpgradeFrom)
	keepString(&v.UpgradeTo, other.UpgradeTo)
	keepString(&v.ExportURL, other.ExportURL)
	if len(other.Settings) > 0 {
		v.Settings = other.Settings
	}
	v.Swaps = append(v.Swaps, other.Swaps...)
}

// EmbedderStats is shared with index operations, which may update it
// from several goroutines.
type EmbedderStats struct {
	total  atomic.Uint32
	failed atomic.Uint32
	mu     sync.Mutex
	last   string
}

func (s *EmbedderStats) Request() {
	s.total.Add(1)
}

func (s *EmbedderStats) Fail(err error) {
	s.total.Add(1)
	s.failed.Add(1)
	s.mu.Lock()
	s.last = err.Error()
	s.mu.Unlock()
}

func (s *EmbedderStats) View() EmbedderStatsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EmbedderStatsView{
		TotalCount:  s.total.Load(),
		FailedCount: s.failed.Load(),
		LastError:   s.last,
	}
}

type EmbedderStatsView struct {
	TotalCount  uint32 `json:"totalCount,omitempty"`
	FailedCount uint32 `json:"failedCount,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}
