// Provides common taskq errors definitions.
package taskq_errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed                     = errors.New("taskq: no queue open")
	ErrCorruptedTaskQueue         = errors.New("taskq: corrupted task queue")
	ErrIndexNotFound              = errors.New("taskq: index not found")
	ErrIndexAlreadyExists         = errors.New("taskq: index already exists")
	ErrIndexVersionMismatch       = errors.New("taskq: index version mismatch")
	ErrSwapIndexNotFound          = errors.New("taskq: swap index not found")
	ErrSwapIndexFoundDuringRename = errors.New("taskq: swap index found during rename")
	ErrDatabaseUpgrade            = errors.New("taskq: database upgrade failed")
	ErrExport                     = errors.New("taskq: export failed")
	ErrProcessBatchPanicked       = errors.New("taskq: batch processing panicked")
	ErrAbortedTask                = errors.New("taskq: task aborted")
	ErrContentFileNotFound        = errors.New("taskq: content file not found")
	ErrBadRecord                  = errors.New("taskq: bad record")
	ErrPrimaryKeyAlreadyPresent   = errors.New("taskq: index already has a different primary key")
	ErrNoPrimaryKeyCandidate      = errors.New("taskq: could not infer a primary key")
	ErrInvalidDocument            = errors.New("taskq: invalid document")
	ErrInvalidFilter              = errors.New("taskq: invalid document filter")
	ErrUnsupportedOperation       = errors.New("taskq: operation not supported by the engine")
)

// Error codes surfaced on failed tasks.
const (
	CodeInternal                   = "internal"
	CodeIndexNotFound              = "index_not_found"
	CodeIndexAlreadyExists         = "index_already_exists"
	CodeIndexVersionMismatch       = "index_version_mismatch"
	CodeSwapIndexNotFound          = "invalid_swap_indexes"
	CodeSwapIndexFoundDuringRename = "invalid_swap_rename"
	CodeDatabaseUpgrade            = "database_upgrade"
	CodeExport                     = "export_failed"
	CodePrimaryKey                 = "invalid_primary_key"
	CodeNoPrimaryKeyCandidate      = "index_primary_key_no_candidate_found"
	CodeInvalidDocument            = "invalid_document"
	CodeInvalidFilter              = "invalid_document_filter"
	CodeUnsupportedOperation       = "unsupported_operation"
)

type IndexNotFoundError struct {
	Index string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index `%s` not found", e.Index)
}

func (e *IndexNotFoundError) Is(target error) bool { return target == ErrIndexNotFound }

type IndexAlreadyExistsError struct {
	Index string
}

func (e *IndexAlreadyExistsError) Error() string {
	return fmt.Sprintf("index `%s` already exists", e.Index)
}

func (e *IndexAlreadyExistsError) Is(target error) bool { return target == ErrIndexAlreadyExists }

type IndexVersionMismatchError struct {
	Index          string
	IndexVersion   string
	PackageVersion string
}

func (e *IndexVersionMismatchError) Error() string {
	return fmt.Sprintf("index `%s` is in version %s while the binary is %s", e.Index, e.IndexVersion, e.PackageVersion)
}

func (e *IndexVersionMismatchError) Is(target error) bool { return target == ErrIndexVersionMismatch }

// SwapIndexNotFoundError names every index of an index swap that does not exist.
type SwapIndexNotFoundError struct {
	Indexes []string
}

func (e *SwapIndexNotFoundError) Error() string {
	if len(e.Indexes) == 1 {
		return fmt.Sprintf("index `%s` not found", e.Indexes[0])
	}
	return fmt.Sprintf("indexes `%s` not found", strings.Join(e.Indexes, "`, `"))
}

func (e *SwapIndexNotFoundError) Is(target error) bool { return target == ErrSwapIndexNotFound }

// SwapIndexFoundDuringRenameError names the rename targets that already exist.
type SwapIndexFoundDuringRenameError struct {
	Pairs [][2]string
}

func (e *SwapIndexFoundDuringRenameError) Error() string {
	if len(e.Pairs) == 1 {
		return fmt.Sprintf("cannot rename `%s` to `%s` as the index already exists", e.Pairs[0][0], e.Pairs[0][1])
	}
	targets := make([]string, 0, len(e.Pairs))
	for _, p := range e.Pairs {
		targets = append(targets, p[1])
	}
	return fmt.Sprintf("cannot rename to `%s` as the indexes already exist", strings.Join(targets, "`, `"))
}

func (e *SwapIndexFoundDuringRenameError) Is(target error) bool {
	return target == ErrSwapIndexFoundDuringRename
}

// PanicError is a recovered panic payload.
type PanicError struct {
	Message string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("a batch panicked with: %s", e.Message)
}

func (e *PanicError) Is(target error) bool { return target == ErrProcessBatchPanicked }

// NewPanicError converts a recovered value into a PanicError.
func NewPanicError(recovered any) *PanicError {
	switch v := recovered.(type) {
	case string:
		return &PanicError{Message: v}
	case error:
		return &PanicError{Message: v.Error()}
	case fmt.Stringer:
		return &PanicError{Message: v.String()}
	default:
		return &PanicError{Message: "unknown panic payload"}
	}
}

type DatabaseUpgradeError struct {
	Cause error
}

func (e *DatabaseUpgradeError) Error() string {
	return fmt.Sprintf("database upgrade failed: %s", e.Cause)
}

func (e *DatabaseUpgradeError) Unwrap() error { return e.Cause }

func (e *DatabaseUpgradeError) Is(target error) bool { return target == ErrDatabaseUpgrade }

type ExportError struct {
	Cause error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed: %s", e.Cause)
}

func (e *ExportError) Unwrap() error { return e.Cause }

func (e *ExportError) Is(target error) bool { return target == ErrExport }

// Code returns the stable code of err as stored on a failed task.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrIndexNotFound):
		return CodeIndexNotFound
	case errors.Is(err, ErrIndexAlreadyExists):
		return CodeIndexAlreadyExists
	case errors.Is(err, ErrIndexVersionMismatch):
		return CodeIndexVersionMismatch
	case errors.Is(err, ErrSwapIndexNotFound):
		return CodeSwapIndexNotFound
	case errors.Is(err, ErrSwapIndexFoundDuringRename):
		return CodeSwapIndexFoundDuringRename
	case errors.Is(err, ErrDatabaseUpgrade):
		return CodeDatabaseUpgrade
	case errors.Is(err, ErrExport):
		return CodeExport
	case errors.Is(err, ErrPrimaryKeyAlreadyPresent):
		return CodePrimaryKey
	case errors.Is(err, ErrNoPrimaryKeyCandidate):
		return CodeNoPrimaryKeyCandidate
	case errors.Is(err, ErrInvalidDocument):
		return CodeInvalidDocument
	case errors.Is(err, ErrInvalidFilter):
		return CodeInvalidFilter
	case errors.Is(err, ErrUnsupportedOperation):
		return CodeUnsupportedOperation
	default:
		return CodeInternal
	}
}

// Type classifies err for the failed task: the caller can fix
// invalid_request errors, everything else is internal.
func Type(err error) string {
	switch Code(err) {
	case CodeInternal, CodeDatabaseUpgrade, CodeExport:
		return "internal"
	default:
		return "invalid_request"
	}
}
