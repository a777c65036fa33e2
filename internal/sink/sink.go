// Package sink defines the durable persistence port for extracted deltas.
// Writes are idempotent per (table, range key): re-issuing an identical
// batch after a crash overwrites the same object rather than appending.
package sink

import (
	"context"
	"fmt"

	"github.com/nucleus/delta-core/internal/source"
)

const (
	CodeSinkWriteFailed = "E_SINK_WRITE_FAILED"
	CodeBucketNotFound  = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound  = "E_OBJECT_NOT_FOUND"
)

// WriteRequest persists one delta batch under a deterministic key.
type WriteRequest struct {
	TableID  string
	RangeKey string
	Rows     []source.Record
	// Params carries descriptor hints such as format selection.
	Params map[string]string
}

// WriteResult reports where and how much was written.
type WriteResult struct {
	Path         string
	RowsWritten  int64
	BytesWritten int64
}

// Sink durably persists delta batches.
type Sink interface {
	WriteBatch(ctx context.Context, req *WriteRequest) (*WriteResult, error)
	Close() error
}

// Error wraps sink failures with a code and retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}
