package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
)

// Kind is the flat discriminant of a KindWithContent, the key of the kind bitmaps.
type Kind byte

const (
	KindDocumentAdditionOrUpdate Kind = iota + 1
	KindDocumentEdition
	KindDocumentDeletion
	KindSettingsUpdate
	KindIndexCreation
	KindIndexDeletion
	KindIndexUpdate
	KindIndexSwap
	KindTaskCancelation
	KindTaskDeletion
	KindDumpCreation
	KindSnapshotCreation
	KindExport
	KindUpgradeDatabase
	KindIndexCompaction
)

var ErrBadKind = errors.New("bad task kind")

func AllKinds() []Kind {
	kinds := make([]Kind, 0, int(KindIndexCompaction))
	for k := KindDocumentAdditionOrUpdate; k <= KindIndexCompaction; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

var kindNames = map[Kind]string{
	KindDocumentAdditionOrUpdate: "documentAdditionOrUpdate",
	KindDocumentEdition:          "documentEdition",
	KindDocumentDeletion:         "documentDeletion",
	KindSettingsUpdate:           "settingsUpdate",
	KindIndexCreation:            "indexCreation",
	KindIndexDeletion:            "indexDeletion",
	KindIndexUpdate:              "indexUpdate",
	KindIndexSwap:                "indexSwap",
	KindTaskCancelation:          "taskCancelation",
	KindTaskDeletion:             "taskDeletion",
	KindDumpCreation:             "dumpCreation",
	KindSnapshotCreation:         "snapshotCreation",
	KindExport:                   "export",
	KindUpgradeDatabase:          "upgradeDatabase",
	KindIndexCompaction:          "indexCompaction",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// RelatedToOneIndex is true for kinds whose task targets exactly one index.
func (k Kind) RelatedToOneIndex() bool {
	switch k {
	case KindDocumentAdditionOrUpdate, KindDocumentEdition, KindDocumentDeletion,
		KindSettingsUpdate, KindIndexCreation, KindIndexDeletion, KindIndexUpdate,
		KindIndexCompaction:
		return true
	default:
		return false
	}
}

func ParseKind(str string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, str) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: `%s`", ErrBadKind, str)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) (err error) {
	*k, err = ParseKind(string(text))
	return
}

// KindWithContent is the payload of a task. The set of implementations is closed.
type KindWithContent interface {
	Kind() Kind
	// IndexUID is the single index the task targets, "" if none.
	IndexUID() string
	// Indexes lists every index the task touches.
	Indexes() []string
	DefaultDetails() Details
	DefaultFinishedDetails() Details

	variant() string
	indexUIDRefs() []*string
}

type IndexDocumentsMethod byte

const (
	ReplaceDocuments IndexDocumentsMethod = 'R'
	UpdateDocuments  IndexDocumentsMethod = 'U'
)

// IndexSwap is one pair of an index swap task. With Rename, the right side must not exist.
type IndexSwap struct {
	Indexes [2]string `json:"indexes"`
	Rename  bool      `json:"rename,omitempty"`
}

type DocumentAdditionOrUpdate struct {
	Index              string               `json:"indexUid"`
	PrimaryKey         *string              `json:"primaryKey,omitempty"`
	Method             IndexDocumentsMethod `json:"method"`
	ContentFile        uuid.UUID            `json:"contentFile"`
	DocumentsCount     uint64               `json:"documentsCount"`
	AllowIndexCreation bool                 `json:"allowIndexCreation"`
}

type DocumentEdition struct {
	Index      string          `json:"indexUid"`
	FilterExpr json.RawMessage `json:"filterExpr,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
	Function   string          `json:"function"`
}

type DocumentDeletion struct {
	Index        string   `json:"indexUid"`
	DocumentsIDs []string `json:"documentsIds"`
}

type DocumentDeletionByFilter struct {
	Index      string          `json:"indexUid"`
	FilterExpr json.RawMessage `json:"filterExpr"`
}

type DocumentClear struct {
	Index string `json:"indexUid"`
}

type SettingsUpdate struct {
	Index              string          `json:"indexUid"`
	NewSettings        json.RawMessage `json:"newSettings"`
	IsDeletion         bool            `json:"isDeletion"`
	AllowIndexCreation bool            `json:"allowIndexCreation"`
}

type IndexDeletion struct {
	Index string `json:"indexUid"`
}

type IndexCreation struct {
	Index      string  `json:"indexUid"`
	PrimaryKey *string `json:"primaryKey,omitempty"`
}

type IndexUpdate struct {
	Index       string  `json:"indexUid"`
	PrimaryKey  *string `json:"primaryKey,omitempty"`
	NewIndexUID *string `json:"newIndexUid,omitempty"`
}

type IndexSwaps struct {
	Swaps []IndexSwap `json:"swaps"`
}

// TaskCancelation holds the ids its query matched when it was enqueued.
type TaskCancelation struct {
	Query string
	Tasks *roaring.Bitmap
}

type TaskDeletion struct {
	Query string
	Tasks *roaring.Bitmap
}

type DumpCreation struct {
	InstanceUID *uuid.UUID `json:"instanceUid,omitempty"`
}

type SnapshotCreation struct{}

type ExportIndex struct {
	Filter           json.RawMessage `json:"filter,omitempty"`
	OverrideSettings bool            `json:"overrideSettings"`
}

type Export struct {
	URL         string                 `json:"url"`
	APIKey      *string                `json:"apiKey,omitempty"`
	PayloadSize *uint64                `json:"payloadSize,omitempty"`
	IndexRules  map[string]ExportIndex `json:"indexes"`
}

type UpgradeDatabase struct {
	From *semver.Version `json:"from"`
}

type IndexCompaction struct {
	Index string `json:"indexUid"`
}

func (k *DocumentAdditionOrUpdate) Kind() Kind { return KindDocumentAdditionOrUpdate }
func (k *DocumentEdition) Kind() Kind          { return KindDocumentEdition }
func (k *DocumentDeletion) Kind() Kind         { return KindDocumentDeletion }
func (k *DocumentDeletionByFilter) Kind() Kind { return KindDocumentDeletion }
func (k *DocumentClear) Kind() Kind            { return KindDocumentDeletion }
func (k *SettingsUpdate) Kind() Kind           { return KindSettingsUpdate }
func (k *IndexDeletion) Kind() Kind            { return KindIndexDeletion }
func (k *IndexCreation) Kind() Kind            { return KindIndexCreation }
func (k *IndexUpdate) Kind() Kind              { return KindIndexUpdate }
func (k *IndexSwaps) Kind() Kind               { return KindIndexSwap }
func (k *TaskCancelation) Kind() Kind          { return KindTaskCancelation }
func (k *TaskDeletion) Kind() Kind             { return KindTaskDeletion }
func (k *DumpCreation) Kind() Kind             { return KindDumpCreation }
func (k *SnapshotCreation) Kind() Kind         { return KindSnapshotCreation }
func (k *Export) Kind() Kind                   { return KindExport }
func (k *UpgradeDatabase) Kind() Kind          { return KindUpgradeDatabase }
func (k *IndexCompaction) Kind() Kind          { return KindIndexCompaction }

func (k *DocumentAdditionOrUpdate) variant() string { return "documentAdditionOrUpdate" }
func (k *DocumentEdition) variant() string          { return "documentEdition" }
func (k *DocumentDeletion) variant() string         { return "documentDeletion" }
func (k *DocumentDeletionByFilter) variant() string { return "documentDeletionByFilter" }
func (k *DocumentClear) variant() string            { return "documentClear" }
func (k *SettingsUpdate) variant() string           { return "settingsUpdate" }
func (k *IndexDeletion) variant() string            { return "indexDeletion" }
func (k *IndexCreation) variant() string            { return "indexCreation" }
func (k *IndexUpdate) variant() string              { return "indexUpdate" }
func (k *IndexSwaps) variant() string               { return "indexSwap" }
func (k *TaskCancelation) variant() string          { return "taskCancelation" }
func (k *TaskDeletion) variant() string             { return "taskDeletion" }
func (k *DumpCreation) variant() string             { return "dumpCreation" }
func (k *SnapshotCreation) variant() string         { return "snapshotCreation" }
func (k *Export) variant() string                   { return "export" }
func (k *UpgradeDatabase) variant() string          { return "upgradeDatabase" }
func (k *IndexCompaction) variant() string          { return "indexCompaction" }

func (k *DocumentAdditionOrUpdate) IndexUID() string { return k.Index }
func (k *DocumentEdition) IndexUID() string          { return k.Index }
func (k *DocumentDeletion) IndexUID() string         { return k.Index }
func (k *DocumentDeletionByFilter) IndexUID() string { return k.Index }
func (k *DocumentClear) IndexUID() string            { return k.Index }
func (k *SettingsUpdate) IndexUID() string           { return k.Index }
func (k *IndexDeletion) IndexUID() string            { return k.Index }
func (k *IndexCreation) IndexUID() string            { return k.Index }
func (k *IndexUpdate) IndexUID() string              { return k.Index }
func (k *IndexSwaps) IndexUID() string               { return "" }
func (k *TaskCancelation) IndexUID() string          { return "" }
func (k *TaskDeletion) IndexUID() string             { return "" }
func (k *DumpCreation) IndexUID() string             { return "" }
func (k *SnapshotCreation) IndexUID() string         { return "" }
func (k *Export) IndexUID() string                   { return "" }
func (k *UpgradeDatabase) IndexUID() string          { return "" }
func (k *IndexCompaction) IndexUID() string          { return k.Index }

func single(uid string) []string { return []string{uid} }

func (k *DocumentAdditionOrUpdate) Indexes() []string { return single(k.Index) }
func (k *DocumentEdition) Indexes() []string          { return single(k.Index) }
func (k *DocumentDeletion) Indexes() []string         { return single(k.Index) }
func (k *DocumentDeletionByFilter) Indexes() []string { return single(k.Index) }
func (k *DocumentClear) Indexes() []string            { return single(k.Index) }
func (k *SettingsUpdate) Indexes() []string           { return single(k.Index) }
func (k *IndexDeletion) Indexes() []string            { return single(k.Index) }
func (k *IndexCreation) Indexes() []string            { return single(k.Index) }
func (k *IndexCompaction) Indexes() []string          { return single(k.Index) }
func (k *TaskCancelation) Indexes() []string          { return nil }
func (k *TaskDeletion) Indexes() []string             { return nil }
func (k *DumpCreation) Indexes() []string             { return nil }
func (k *SnapshotCreation) Indexes() []string         { return nil }
func (k *Export) Indexes() []string                   { return nil }
func (k *UpgradeDatabase) Indexes() []string          { return nil }

func (k *IndexUpdate) Indexes() []string {
	if k.NewIndexUID != nil && *k.NewIndexUID != k.Index {
		return []string{k.Index, *k.NewIndexUID}
	}
	return single(k.Index)
}

// Indexes of a swap are deduplicated and keep their first appearance order.
func (k *IndexSwaps) Indexes() []string {
	seen := make(map[string]struct{}, len(k.Swaps)*2)
	indexes := make([]string, 0, len(k.Swaps)*2)
	for _, swap := range k.Swaps {
		for _, name := range swap.Indexes {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				indexes = append(indexes, name)
			}
		}
	}
	return indexes
}

func (k *DocumentAdditionOrUpdate) indexUIDRefs() []*string { return []*string{&k.Index} }
func (k *DocumentEdition) indexUIDRefs() []*string          { return []*string{&k.Index} }
func (k *DocumentDeletion) indexUIDRefs() []*string         { return []*string{&k.Index} }
func (k *DocumentDeletionByFilter) indexUIDRefs() []*string { return []*string{&k.Index} }
func (k *DocumentClear) indexUIDRefs() []*string            { return []*string{&k.Index} }
func (k *SettingsUpdate) indexUIDRefs() []*string           { return []*string{&k.Index} }
func (k *IndexDeletion) indexUIDRefs() []*string            { return []*string{&k.Index} }
func (k *IndexCreation) indexUIDRefs() []*string            { return []*string{&k.Index} }
func (k *IndexCompaction) indexUIDRefs() []*string          { return []*string{&k.Index} }
func (k *TaskCancelation) indexUIDRefs() []*string          { return nil }
func (k *TaskDeletion) indexUIDRefs() []*string             { return nil }
func (k *DumpCreation) indexUIDRefs() []*string             { return nil }
func (k *SnapshotCreation) indexUIDRefs() []*string         { return nil }
func (k *Export) indexUIDRefs() []*string                   { return nil }
func (k *UpgradeDatabase) indexUIDRefs() []*string          { return nil }

func (k *IndexUpdate) indexUIDRefs() []*string {
	refs := []*string{&k.Index}
	if k.NewIndexUID != nil {
		refs = append(refs, k.NewIndexUID)
	}
	return refs
}

func (k *IndexSwaps) indexUIDRefs() []*string {
	return swapRefs(k.Swaps)
}

func swapRefs(swaps []IndexSwap) []*string {
	refs := make([]*string, 0, len(swaps)*2)
	for i := range swaps {
		refs = append(refs, &swaps[i].Indexes[0], &swaps[i].Indexes[1])
	}
	return refs
}

type bitmapKind struct {
	Query string   `json:"query"`
	Tasks []uint32 `json:"tasks"`
}

func (k *TaskCancelation) MarshalJSON() ([]byte, error) {
	return marshalBitmapKind(k.Query, k.Tasks)
}

func (k *TaskCancelation) UnmarshalJSON(data []byte) (err error) {
	k.Query, k.Tasks, err = unmarshalBitmapKind(data)
	return
}

func (k *TaskDeletion) MarshalJSON() ([]byte, error) {
	return marshalBitmapKind(k.Query, k.Tasks)
}

func (k *TaskDeletion) UnmarshalJSON(data []byte) (err error) {
	k.Query, k.Tasks, err = unmarshalBitmapKind(data)
	return
}

func marshalBitmapKind(query string, tasks *roaring.Bitmap) ([]byte, error) {
	ids := []uint32{}
	if tasks != nil {
		ids = tasks.ToArray()
	}
	return json.Marshal(bitmapKind{Query: query, Tasks: ids})
}

func unmarshalBitmapKind(data []byte) (string, *roaring.Bitmap, error) {
	var bk bitmapKind
	if err := json.Unmarshal(data, &bk); err != nil {
		return "", nil, err
	}
	return bk.Query, roaring.BitmapOf(bk.Tasks...), nil
}

func matched(tasks *roaring.Bitmap) uint64 {
	if tasks == nil {
		return 0
	}
	return tasks.GetCardinality()
}

func ptr[T any](v T) *T { return &v }

func (k *DocumentAdditionOrUpdate) DefaultDetails() Details {
	return &DocumentAdditionOrUpdateDetails{ReceivedDocuments: k.DocumentsCount}
}

func (k *DocumentEdition) DefaultDetails() Details {
	d := &DocumentEditionDetails{Context: k.Context, Function: k.Function}
	if len(k.FilterExpr) > 0 {
		d.OriginalFilter = ptr(string(k.FilterExpr))
	}
	return d
}

func (k *DocumentDeletion) DefaultDetails() Details {
	return &DocumentDeletionDetails{ProvidedIDs: uint64(len(k.DocumentsIDs))}
}

func (k *DocumentDeletionByFilter) DefaultDetails() Details {
	return &DocumentDeletionByFilterDetails{OriginalFilter: string(k.FilterExpr)}
}

func (k *DocumentClear) DefaultDetails() Details { return &ClearAllDetails{} }
func (k *IndexDeletion) DefaultDetails() Details { return &ClearAllDetails{} }

func (k *SettingsUpdate) DefaultDetails() Details {
	return &SettingsUpdateDetails{Settings: k.NewSettings}
}

func (k *IndexCreation) DefaultDetails() Details {
	return &IndexInfoDetails{PrimaryKey: k.PrimaryKey}
}

func (k *IndexUpdate) DefaultDetails() Details {
	d := &IndexInfoDetails{PrimaryKey: k.PrimaryKey}
	if k.NewIndexUID != nil {
		d.NewIndexUID = ptr(*k.NewIndexUID)
		d.OldIndexUID = ptr(k.Index)
	}
	return d
}

func (k *IndexSwaps) DefaultDetails() Details {
	return &IndexSwapDetails{Swaps: append([]IndexSwap(nil), k.Swaps...)}
}

func (k *TaskCancelation) DefaultDetails() Details {
	return &TaskCancelationDetails{MatchedTasks: matched(k.Tasks), OriginalFilter: k.Query}
}

func (k *TaskDeletion) DefaultDetails() Details {
	return &TaskDeletionDetails{MatchedTasks: matched(k.Tasks), OriginalFilter: k.Query}
}

func (k *DumpCreation) DefaultDetails() Details     { return &DumpDetails{} }
func (k *SnapshotCreation) DefaultDetails() Details { return nil }

func (k *Export) DefaultDetails() Details {
	d := &ExportDetails{URL: k.URL, APIKey: k.APIKey, PayloadSize: k.PayloadSize, Indexes: map[string]ExportIndexStats{}}
	for name, idx := range k.IndexRules {
		d.Indexes[name] = ExportIndexStats{OverrideSettings: idx.OverrideSettings}
	}
	return d
}

func (k *UpgradeDatabase) DefaultDetails() Details {
	return &UpgradeDatabaseDetails{From: k.From}
}

func (k *IndexCompaction) DefaultDetails() Details {
	return &IndexCompactionDetails{IndexUID: k.Index}
}

func (k *DocumentAdditionOrUpdate) DefaultFinishedDetails() Details {
	return &DocumentAdditionOrUpdateDetails{ReceivedDocuments: k.DocumentsCount, IndexedDocuments: ptr[uint64](0)}
}

func (k *DocumentEdition) DefaultFinishedDetails() Details {
	d := k.DefaultDetails().(*DocumentEditionDetails)
	d.DeletedDocuments = ptr[uint64](0)
	d.EditedDocuments = ptr[uint64](0)
	return d
}

func (k *DocumentDeletion) DefaultFinishedDetails() Details {
	return &DocumentDeletionDetails{ProvidedIDs: uint64(len(k.DocumentsIDs)), DeletedDocuments: ptr[uint64](0)}
}

func (k *DocumentDeletionByFilter) DefaultFinishedDetails() Details {
	return &DocumentDeletionByFilterDetails{OriginalFilter: string(k.FilterExpr), DeletedDocuments: ptr[uint64](0)}
}

func (k *DocumentClear) DefaultFinishedDetails() Details  { return &ClearAllDetails{} }
func (k *IndexDeletion) DefaultFinishedDetails() Details  { return nil }
func (k *SettingsUpdate) DefaultFinishedDetails() Details { return k.DefaultDetails() }
func (k *IndexCreation) DefaultFinishedDetails() Details  { return k.DefaultDetails() }
func (k *IndexUpdate) DefaultFinishedDetails() Details    { return k.DefaultDetails() }
func (k *IndexSwaps) DefaultFinishedDetails() Details     { return k.DefaultDetails() }

func (k *TaskCancelation) DefaultFinishedDetails() Details {
	return &TaskCancelationDetails{MatchedTasks: matched(k.Tasks), CanceledTasks: ptr[uint64](0), OriginalFilter: k.Query}
}

func (k *TaskDeletion) DefaultFinishedDetails() Details {
	return &TaskDeletionDetails{MatchedTasks: matched(k.Tasks), DeletedTasks: ptr[uint64](0), OriginalFilter: k.Query}
}

func (k *DumpCreation) DefaultFinishedDetails() Details     { return &DumpDetails{} }
func (k *SnapshotCreation) DefaultFinishedDetails() Details { return nil }
func (k *Export) DefaultFinishedDetails() Details           { return k.DefaultDetails() }
func (k *UpgradeDatabase) DefaultFinishedDetails() Details  { return k.DefaultDetails() }
func (k *IndexCompaction) DefaultFinishedDetails() Details  { return k.DefaultDetails() }

var kindVariants = map[string]func() KindWithContent{
	"documentAdditionOrUpdate": func() KindWithContent { return &DocumentAdditionOrUpdate{} },
	"documentEdition":          func() KindWithContent { return &DocumentEdition{} },
	"documentDeletion":         func() KindWithContent { return &DocumentDeletion{} },
	"documentDeletionByFilter": func() KindWithContent { return &DocumentDeletionByFilter{} },
	"documentClear":            func() KindWithContent { return &DocumentClear{} },
	"settingsUpdate":           func() KindWithContent { return &SettingsUpdate{} },
	"indexDeletion":            func() KindWithContent { return &IndexDeletion{} },
	"indexCreation":            func() KindWithContent { return &IndexCreation{} },
	"indexUpdate":              func() KindWithContent { return &IndexUpdate{} },
	"indexSwap":                func() KindWithContent { return &IndexSwaps{} },
	"taskCancelation":          func() KindWithContent { return &TaskCancelation{} },
	"taskDeletion":             func() KindWithContent { return &TaskDeletion{} },
	"dumpCreation":             func() KindWithContent { return &DumpCreation{} },
	"snapshotCreation":         func() KindWithContent { return &SnapshotCreation{} },
	"export":                   func() KindWithContent { return &Export{} },
	"upgradeDatabase":          func() KindWithContent { return &UpgradeDatabase{} },
	"indexCompaction":          func() KindWithContent { return &IndexCompaction{} },
}
