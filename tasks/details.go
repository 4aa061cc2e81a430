package tasks

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
)

// Details is the result or progress summary of a task, mirroring its kind.
type Details interface {
	// ToFailed is the projection stored on a failed or canceled task:
	// partial-progress counters are reset to zero.
	ToFailed() Details

	variant() string
}

type DocumentAdditionOrUpdateDetails struct {
	ReceivedDocuments uint64  `json:"receivedDocuments"`
	IndexedDocuments  *uint64 `json:"indexedDocuments,omitempty"`
}

type SettingsUpdateDetails struct {
	Settings json.RawMessage `json:"settings,omitempty"`
}

type IndexInfoDetails struct {
	PrimaryKey  *string `json:"primaryKey,omitempty"`
	NewIndexUID *string `json:"newIndexUid,omitempty"`
	OldIndexUID *string `json:"oldIndexUid,omitempty"`
}

type DocumentDeletionDetails struct {
	ProvidedIDs      uint64  `json:"providedIds"`
	DeletedDocuments *uint64 `json:"deletedDocuments,omitempty"`
}

type DocumentDeletionByFilterDetails struct {
	OriginalFilter   string  `json:"originalFilter"`
	DeletedDocuments *uint64 `json:"deletedDocuments,omitempty"`
}

type DocumentEditionDetails struct {
	DeletedDocuments *uint64         `json:"deletedDocuments,omitempty"`
	EditedDocuments  *uint64         `json:"editedDocuments,omitempty"`
	OriginalFilter   *string         `json:"originalFilter,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	Function         string          `json:"function"`
}

type ClearAllDetails struct {
	DeletedDocuments *uint64 `json:"deletedDocuments,omitempty"`
}

type TaskCancelationDetails struct {
	MatchedTasks   uint64  `json:"matchedTasks"`
	CanceledTasks  *uint64 `json:"canceledTasks,omitempty"`
	OriginalFilter string  `json:"originalFilter"`
}

type TaskDeletionDetails struct {
	MatchedTasks   uint64  `json:"matchedTasks"`
	DeletedTasks   *uint64 `json:"deletedTasks,omitempty"`
	OriginalFilter string  `json:"originalFilter"`
}

type DumpDetails struct {
	DumpUID *string `json:"dumpUid,omitempty"`
}

type IndexSwapDetails struct {
	Swaps []IndexSwap `json:"swaps"`
}

type ExportIndexStats struct {
	OverrideSettings  bool    `json:"overrideSettings"`
	MatchedDocuments  *uint64 `json:"matchedDocuments,omitempty"`
	ExportedDocuments uint64  `json:"exportedDocuments"`
}

type ExportDetails struct {
	URL         string                      `json:"url"`
	APIKey      *string                     `json:"apiKey,omitempty"`
	PayloadSize *uint64                     `json:"payloadSize,omitempty"`
	Indexes     map[string]ExportIndexStats `json:"indexes"`
}

type UpgradeDatabaseDetails struct {
	From *semver.Version `json:"from"`
	To   *semver.Version `json:"to,omitempty"`
}

type IndexCompactionDetails struct {
	IndexUID           string  `json:"indexUid"`
	PreCompactionSize  *uint64 `json:"preCompactionSize,omitempty"`
	PostCompactionSize *uint64 `json:"postCompactionSize,omitempty"`
}

func (d *DocumentAdditionOrUpdateDetails) variant() string { return "documentAdditionOrUpdate" }
func (d *SettingsUpdateDetails) variant() string           { return "settingsUpdate" }
func (d *IndexInfoDetails) variant() string                { return "indexInfo" }
func (d *DocumentDeletionDetails) variant() string         { return "documentDeletion" }
func (d *DocumentDeletionByFilterDetails) variant() string { return "documentDeletionByFilter" }
func (d *DocumentEditionDetails) variant() string          { return "documentEdition" }
func (d *ClearAllDetails) variant() string                 { return "clearAll" }
func (d *TaskCancelationDetails) variant() string          { return "taskCancelation" }
func (d *TaskDeletionDetails) variant() string             { return "taskDeletion" }
func (d *DumpDetails) variant() string                     { return "dump" }
func (d *IndexSwapDetails) variant() string                { return "indexSwap" }
func (d *ExportDetails) variant() string                   { return "export" }
func (d *UpgradeDatabaseDetails) variant() string          { return "upgradeDatabase" }
func (d *IndexCompactionDetails) variant() string          { return "indexCompaction" }

func zeroIfSet(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	return ptr[uint64](0)
}

func (d *DocumentAdditionOrUpdateDetails) ToFailed() Details {
	c := *d
	c.IndexedDocuments = ptr[uint64](0)
	return &c
}

func (d *SettingsUpdateDetails) ToFailed() Details {
	c := *d
	return &c
}

func (d *IndexInfoDetails) ToFailed() Details {
	c := *d
	return &c
}

func (d *DocumentDeletionDetails) ToFailed() Details {
	c := *d
	c.DeletedDocuments = ptr[uint64](0)
	return &c
}

func (d *DocumentDeletionByFilterDetails) ToFailed() Details {
	c := *d
	c.DeletedDocuments = ptr[uint64](0)
	return &c
}

func (d *DocumentEditionDetails) ToFailed() Details {
	c := *d
	c.EditedDocuments = ptr[uint64](0)
	c.DeletedDocuments = ptr[uint64](0)
	return &c
}

func (d *ClearAllDetails) ToFailed() Details {
	c := *d
	c.DeletedDocuments = ptr[uint64](0)
	return &c
}

func (d *TaskCancelationDetails) ToFailed() Details {
	c := *d
	c.CanceledTasks = ptr[uint64](0)
	return &c
}

func (d *TaskDeletionDetails) ToFailed() Details {
	c := *d
	c.DeletedTasks = ptr[uint64](0)
	return &c
}

func (d *DumpDetails) ToFailed() Details {
	return &DumpDetails{}
}

func (d *IndexSwapDetails) ToFailed() Details {
	return &IndexSwapDetails{Swaps: append([]IndexSwap(nil), d.Swaps...)}
}

func (d *ExportDetails) ToFailed() Details {
	c := *d
	c.Indexes = make(map[string]ExportIndexStats, len(d.Indexes))
	for name, stats := range d.Indexes {
		c.Indexes[name] = ExportIndexStats{
			OverrideSettings: stats.OverrideSettings,
			MatchedDocuments: zeroIfSet(stats.MatchedDocuments),
		}
	}
	return &c
}

func (d *UpgradeDatabaseDetails) ToFailed() Details {
	c := *d
	return &c
}

func (d *IndexCompactionDetails) ToFailed() Details {
	return &IndexCompactionDetails{IndexUID: d.IndexUID}
}

var detailsVariants = map[string]func() Details{
	"documentAdditionOrUpdate": func() Details { return &DocumentAdditionOrUpdateDetails{} },
	"settingsUpdate":           func() Details { return &SettingsUpdateDetails{} },
	"indexInfo":                func() Details { return &IndexInfoDetails{} },
	"documentDeletion":         func() Details { return &DocumentDeletionDetails{} },
	"documentDeletionByFilter": func() Details { return &DocumentDeletionByFilterDetails{} },
	"documentEdition":          func() Details { return &DocumentEditionDetails{} },
	"clearAll":                 func() Details { return &ClearAllDetails{} },
	"taskCancelation":          func() Details { return &TaskCancelationDetails{} },
	"taskDeletion":             func() Details { return &TaskDeletionDetails{} },
	"dump":                     func() Details { return &DumpDetails{} },
	"indexSwap":                func() Details { return &IndexSwapDetails{} },
	"export":                   func() Details { return &ExportDetails{} },
	"upgradeDatabase":          func() Details { return &UpgradeDatabaseDetails{} },
	"indexCompaction":          func() Details { return &IndexCompactionDetails{} },
}
