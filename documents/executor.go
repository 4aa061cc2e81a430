// Package documents is a small document engine: JSON documents stored by
// primary key in the index environment, settings kept as one JSON object.
// It applies the document and settings operations of a batch inside the
// write transaction the scheduler hands it.
//
// Content files hold a JSON array of objects or a stream of objects.
// A deletion by filter takes a JSON object and removes the documents whose
// fields equal every value of it. Document edition is not supported; such
// tasks fail on their own without failing their batch.
package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/taskq/indexmapper"
	"github.com/drpcorg/taskq/processing"
	"github.com/drpcorg/taskq/scheduler"
	"github.com/drpcorg/taskq/taskq_errors"
	"github.com/drpcorg/taskq/tasks"
	"github.com/google/uuid"
)

// Contents opens content files; filestore.FileStore implements it.
type Contents interface {
	Open(id uuid.UUID) (*os.File, error)
}

type Executor struct {
	contents Contents
}

func NewExecutor(contents Contents) *Executor {
	return &Executor{contents: contents}
}

type document = map[string]json.RawMessage

func fail(task *tasks.Task, err error) {
	task.Status = tasks.Failed
	task.Error = tasks.NewResponseError(err)
	if task.Details != nil {
		task.Details = task.Details.ToFailed()
	}
}

func succeed(task *tasks.Task, details tasks.Details) {
	task.Status = tasks.Succeeded
	task.Error = nil
	task.Details = details
}

func (e *Executor) SetPrimaryKey(_ context.Context, wtxn *pebble.Batch, index *indexmapper.Index, primaryKey string) error {
	return index.SetPrimaryKey(wtxn, primaryKey)
}

func (e *Executor) Apply(ctx context.Context, wtxn *pebble.Batch, index *indexmapper.Index, op scheduler.IndexOperation,
	progress *processing.Progress, _ *tasks.EmbedderStats) ([]*tasks.Task, *scheduler.ContentionTelemetry, error) {
	telemetry := &scheduler.ContentionTelemetry{}
	var err error
	switch o := op.(type) {
	case *scheduler.DocumentOperation:
		err = e.addDocuments(ctx, wtxn, index, o, progress, telemetry)
	case *scheduler.DocumentDeletion:
		err = e.deleteDocuments(wtxn, index, o, progress, telemetry)
	case *scheduler.DocumentDeletionByFilter:
		err = e.deleteByFilter(wtxn, index, o, telemetry)
	case *scheduler.DocumentClear:
		err = e.clear(wtxn, index, o)
	case *scheduler.Settings:
		err = e.updateSettings(wtxn, index, o)
	case *scheduler.DocumentEdition:
		fail(o.Task, fmt.Errorf("%w: document edition", taskq_errors.ErrUnsupportedOperation))
	default:
		err = fmt.Errorf("unknown index operation %T", op)
	}
	if err != nil {
		return nil, nil, err
	}
	return op.Tasks(), telemetry, nil
}

// readDocuments decodes a JSON array or a stream of JSON objects.
func readDocuments(r io.Reader) ([]document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var docs []document
		if err = json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%w: %s", taskq_errors.ErrInvalidDocument, err)
		}
		return docs, nil
	}
	var docs []document
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var doc document
		err = dec.Decode(&doc)
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", taskq_errors.ErrInvalidDocument, err)
		}
		docs = append(docs, doc)
	}
}

// Count validates a content payload and returns its number of documents.
func Count(r io.Reader) (uint64, error) {
	docs, err := readDocuments(r)
	return uint64(len(docs)), err
}

// inferPrimaryKey picks the only field of doc named like an identifier.
func inferPrimaryKey(doc document) (string, error) {
	var candidates []string
	for field := range doc {
		if strings.HasSuffix(strings.ToLower(field), "id") {
			candidates = append(candidates, field)
		}
	}
	if len(candidates) != 1 {
		return "", fmt.Errorf("%w: %d candidate fields", taskq_errors.ErrNoPrimaryKeyCandidate, len(candidates))
	}
	return candidates[0], nil
}

func documentID(doc document, primaryKey string) (string, error) {
	raw, ok := doc[primaryKey]
	if !ok {
		return "", fmt.Errorf("%w: missing primary key `%s`", taskq_errors.ErrInvalidDocument, primaryKey)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil && str != "" {
		return str, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil && num != "" {
		return num.String(), nil
	}
	return "", fmt.Errorf("%w: bad document id %s", taskq_errors.ErrInvalidDocument, raw)
}

func (e *Executor) load(id uuid.UUID) ([]document, error) {
	if e.contents == nil {
		return nil, fmt.Errorf("%w: %s", taskq_errors.ErrContentFileNotFound, id)
	}
	f, err := e.contents.Open(id)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readDocuments(f)
}

func (e *Executor) addDocuments(ctx context.Context, wtxn *pebble.Batch, index *indexmapper.Index, op *scheduler.DocumentOperation,
	progress *processing.Progress, telemetry *scheduler.ContentionTelemetry) error {
	primaryKey, known, err := index.PrimaryKey(wtxn)
	if err != nil {
		return err
	}
	step := processing.NewAtomicStep("document", uint32(len(op.Additions)))
	progress.Update(step)
	for _, add := range op.Additions {
		step.Inc()
		if err = ctx.Err(); err != nil {
			return taskq_errors.ErrAbortedTask
		}
		docs, err := e.load(add.Kind.ContentFile)
		if err != nil {
			fail(add.Task, err)
			continue
		}
		pk := primaryKey
		switch {
		case add.Kind.PrimaryKey != nil:
			pk = *add.Kind.PrimaryKey
		case !known && len(docs) > 0:
			if pk, err = inferPrimaryKey(docs[0]); err != nil {
				fail(add.Task, err)
				continue
			}
		}
		if pk != "" && (!known || pk != primaryKey) {
			if err = index.SetPrimaryKey(wtxn, pk); err != nil {
				fail(add.Task, err)
				continue
			}
			primaryKey, known = pk, true
		}
		ids := make([]string, len(docs))
		for i, doc := range docs {
			if ids[i], err = documentID(doc, pk); err != nil {
				break
			}
		}
		if err != nil {
			fail(add.Task, err)
			continue
		}
		if err = e.writeDocuments(wtxn, index, docs, ids, add.Kind.Method, telemetry); err != nil {
			return err
		}
		indexed := uint64(len(docs))
		succeed(add.Task, &tasks.DocumentAdditionOrUpdateDetails{
			ReceivedDocuments: add.Kind.DocumentsCount,
			IndexedDocuments:  &indexed,
		})
	}
	return nil
}

func (e *Executor) writeDocuments(wtxn *pebble.Batch, index *indexmapper.Index, docs []document, ids []string,
	method tasks.IndexDocumentsMethod, telemetry *scheduler.ContentionTelemetry) error {
	for i, doc := range docs {
		if method == tasks.UpdateDocuments {
			old, err := index.GetDocument(wtxn, ids[i])
			if err != nil {
				return err
			}
			if old != nil {
				merged := document{}
				if err = json.Unmarshal(old, &merged); err != nil {
					return err
				}
				for field, value := range doc {
					merged[field] = value
				}
				doc = merged
			}
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		telemetry.Attempts++
		if err = index.PutDocument(wtxn, ids[i], data); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) deleteDocuments(wtxn *pebble.Batch, index *indexmapper.Index, op *scheduler.DocumentDeletion,
	progress *processing.Progress, telemetry *scheduler.ContentionTelemetry) error {
	step := processing.NewAtomicStep("document", uint32(len(op.Deletions)))
	progress.Update(step)
	for _, del := range op.Deletions {
		var deleted uint64
		for _, id := range del.Kind.DocumentsIDs {
			ok, err := index.HasDocument(wtxn, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			telemetry.Attempts++
			if err = index.DeleteDocument(wtxn, id); err != nil {
				return err
			}
			deleted++
		}
		succeed(del.Task, &tasks.DocumentDeletionDetails{
			ProvidedIDs:      uint64(len(del.Kind.DocumentsIDs)),
			DeletedDocuments: &deleted,
		})
		step.Inc()
	}
	return nil
}

func matches(doc document, filter document) bool {
	for field, want := range filter {
		got, ok := doc[field]
		if !ok {
			return false
		}
		var a, b bytes.Buffer
		if json.Compact(&a, got) != nil || json.Compact(&b, want) != nil || !bytes.Equal(a.Bytes(), b.Bytes()) {
			return false
		}
	}
	return true
}

func (e *Executor) deleteByFilter(wtxn *pebble.Batch, index *indexmapper.Index, op *scheduler.DocumentDeletionByFilter,
	telemetry *scheduler.ContentionTelemetry) error {
	var filter document
	if err := json.Unmarshal(op.Kind.FilterExpr, &filter); err != nil || len(filter) == 0 {
		fail(op.Task, fmt.Errorf("%w: %s", taskq_errors.ErrInvalidFilter, op.Kind.FilterExpr))
		return nil
	}
	var victims []string
	err := index.EachDocument(wtxn, func(id string, data []byte) error {
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if matches(doc, filter) {
			victims = append(victims, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range victims {
		telemetry.Attempts++
		if err = index.DeleteDocument(wtxn, id); err != nil {
			return err
		}
	}
	deleted := uint64(len(victims))
	succeed(op.Task, &tasks.DocumentDeletionByFilterDetails{
		OriginalFilter:   string(op.Kind.FilterExpr),
		DeletedDocuments: &deleted,
	})
	return nil
}

func (e *Executor) clear(wtxn *pebble.Batch, index *indexmapper.Index, op *scheduler.DocumentClear) error {
	n, err := index.NumberOfDocuments(wtxn)
	if err != nil {
		return err
	}
	if err = index.ClearDocuments(wtxn); err != nil {
		return err
	}
	// the first clear reports the documents, the others found nothing left
	for i, task := range op.List {
		var deleted uint64
		if i == 0 {
			deleted = n
		}
		succeed(task, &tasks.ClearAllDetails{DeletedDocuments: &deleted})
	}
	return nil
}

func (e *Executor) updateSettings(wtxn *pebble.Batch, index *indexmapper.Index, op *scheduler.Settings) error {
	for _, update := range op.Updates {
		if update.Kind.IsDeletion {
			if err := index.ResetSettings(wtxn); err != nil {
				return err
			}
			succeed(update.Task, &tasks.SettingsUpdateDetails{Settings: update.Kind.NewSettings})
			continue
		}
		var patch document
		if err := json.Unmarshal(update.Kind.NewSettings, &patch); err != nil {
			fail(update.Task, fmt.Errorf("%w: settings: %s", taskq_errors.ErrInvalidDocument, err))
			continue
		}
		current := document{}
		old, err := index.Settings(wtxn)
		if err != nil {
			return err
		}
		if old != nil {
			if err = json.Unmarshal(old, &current); err != nil {
				return err
			}
		}
		for field, value := range patch {
			current[field] = value
		}
		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if err = index.PutSettings(wtxn, data); err != nil {
			return err
		}
		succeed(update.Task, &tasks.SettingsUpdateDetails{Settings: update.Kind.NewSettings})
	}
	return nil
}
