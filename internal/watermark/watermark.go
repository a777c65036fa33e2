// Package watermark tracks the per-table ingestion frontier.
//
// A watermark records the highest change marker already captured for a
// table. The store's only mutation path is CompareAndAdvance, an atomic
// conditional update: it succeeds only while the stored marker still equals
// the caller's expected value, so two overlapping runs for the same table
// cannot both advance from a stale base.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	CodeConflict    = "E_WATERMARK_CONFLICT"
	CodeUnavailable = "E_WATERMARK_UNAVAILABLE"
)

// Watermark is the persisted frontier for one table.
type Watermark struct {
	TableID   string    `json:"tableId"`
	Marker    string    `json:"marker"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the durable watermark mapping shared by all runners.
//
// Get returns nil (not an error) when no watermark exists for the table;
// callers substitute the descriptor's initial marker. CompareAndAdvance is
// atomic with respect to concurrent callers for the same tableID and returns
// a conflict error when the stored marker no longer equals expected. An
// absent row is created on the first advance without checking expected: the
// insert itself arbitrates the race, so of two racing first advances exactly
// one wins and the other observes the conflict.
type Store interface {
	Get(ctx context.Context, tableID string) (*Watermark, error)
	CompareAndAdvance(ctx context.Context, tableID, expected, next string) error
	Close() error
}

// Error wraps store failures with a code and retryability hint.
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

// NewConflict reports a lost compare-and-advance race for a table.
func NewConflict(tableID, expected, found string) *Error {
	return &Error{
		Code:      CodeConflict,
		Retryable: false,
		Err:       fmt.Errorf("table %s: expected marker %q, found %q", tableID, expected, found),
	}
}

// IsConflict reports whether err is a compare-and-advance conflict.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeConflict
}

func wrapUnavailable(err error) *Error {
	return &Error{Code: CodeUnavailable, Retryable: true, Err: err}
}
