package tasks

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/google/uuid"
)

// ResponseError is the error stored on a failed task.
type ResponseError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Link    string `json:"link,omitempty"`
}

// NewResponseError is the stored form of err.
func NewResponseError(err error) *ResponseError {
	code := taskq_errors.Code(err)
	return &ResponseError{
		Message: err.Error(),
		Code:    code,
		Type:    taskq_errors.Type(err),
		Link:    "https://docs.taskq.dev/errors#" + code,
	}
}

type Task struct {
	UID            TaskID
	BatchUID       *BatchID
	EnqueuedAt     time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Error          *ResponseError
	CanceledBy     *TaskID
	Details        Details
	Status         Status
	Kind           KindWithContent
	Network        json.RawMessage
	CustomMetadata json.RawMessage
}

// Now is the wall clock without the monotonic reading, so that
// timestamps compare equal after a storage round trip.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

func (t *Task) IndexUID() string {
	return t.Kind.IndexUID()
}

func (t *Task) Indexes() []string {
	return t.Kind.Indexes()
}

// ContentUUID is the content file of a document addition, if any.
func (t *Task) ContentUUID() (uuid.UUID, bool) {
	if add, ok := t.Kind.(*DocumentAdditionOrUpdate); ok {
		return add.ContentFile, true
	}
	return uuid.Nil, false
}

// Clone is a deep copy, done through the storage encoding.
func (t *Task) Clone() (clone Task, err error) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	err = json.Unmarshal(data, &clone)
	return
}

type envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

type taskRecord struct {
	UID            TaskID          `json:"uid"`
	BatchUID       *BatchID        `json:"batchUid,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	Error          *ResponseError  `json:"error,omitempty"`
	CanceledBy     *TaskID         `json:"canceledBy,omitempty"`
	Details        *envelope       `json:"details,omitempty"`
	Status         Status          `json:"status"`
	Kind           envelope        `json:"kind"`
	Network        json.RawMessage `json:"network,omitempty"`
	CustomMetadata json.RawMessage `json:"customMetadata,omitempty"`
}

func (t *Task) MarshalJSON() ([]byte, error) {
	if t.Kind == nil {
		return nil, fmt.Errorf("task %d has no kind", t.UID)
	}
	rec := taskRecord{
		UID:            t.UID,
		BatchUID:       t.BatchUID,
		EnqueuedAt:     t.EnqueuedAt,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
		Error:          t.Error,
		CanceledBy:     t.CanceledBy,
		Status:         t.Status,
		Network:        t.Network,
		CustomMetadata: t.CustomMetadata,
	}
	content, err := json.Marshal(t.Kind)
	if err != nil {
		return nil, err
	}
	rec.Kind = envelope{Type: t.Kind.variant(), Content: content}
	if t.Details != nil {
		content, err = json.Marshal(t.Details)
		if err != nil {
			return nil, err
		}
		rec.Details = &envelope{Type: t.Details.variant(), Content: content}
	}
	return json.Marshal(rec)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var rec taskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	newKind, ok := kindVariants[rec.Kind.Type]
	if !ok {
		return fmt.Errorf("%w: `%s`", ErrBadKind, rec.Kind.Type)
	}
	kind := newKind()
	if len(rec.Kind.Content) > 0 {
		if err := json.Unmarshal(rec.Kind.Content, kind); err != nil {
			return err
		}
	}
	var details Details
	if rec.Details != nil {
		newDetails, ok := detailsVariants[rec.Details.Type]
		if !ok {
			return fmt.Errorf("unknown details variant `%s`", rec.Details.Type)
		}
		details = newDetails()
		if len(rec.Details.Content) > 0 {
			if err := json.Unmarshal(rec.Details.Content, details); err != nil {
				return err
			}
		}
	}
	*t = Task{
		UID:            rec.UID,
		BatchUID:       rec.BatchUID,
		EnqueuedAt:     rec.EnqueuedAt,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
		Error:          rec.Error,
		CanceledBy:     rec.CanceledBy,
		Details:        details,
		Status:         rec.Status,
		Kind:           kind,
		Network:        rec.Network,
		CustomMetadata: rec.CustomMetadata,
	}
	return nil
}

// MatchedTasks is the id set of a cancelation or deletion task.
func MatchedTasks(kind KindWithContent) (*roaring.Bitmap, bool) {
	switch k := kind.(type) {
	case *TaskCancelation:
		return k.Tasks, true
	case *TaskDeletion:
		return k.Tasks, true
	default:
		return nil, false
	}
}

// FilterOutReferencesToNewerTasks drops ids at or above the task's own uid
// from the matched set of a cancelation or deletion task.
func FilterOutReferencesToNewerTasks(task *Task) {
	matched, ok := MatchedTasks(task.Kind)
	if !ok || matched == nil {
		return
	}
	matched.RemoveRange(uint64(task.UID), uint64(math.MaxUint32)+1)
	switch d := task.Details.(type) {
	case *TaskCancelationDetails:
		d.MatchedTasks = matched.GetCardinality()
	case *TaskDeletionDetails:
		d.MatchedTasks = matched.GetCardinality()
	}
}
