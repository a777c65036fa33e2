// Package source defines the extraction port: the capability to fetch rows
// whose change marker exceeds a given value. Implementations own the query
// and authentication mechanics of the upstream system.
package source

import (
	"context"
	"fmt"
)

const CodeExtractionFailed = "E_EXTRACTION_FAILED"

// Record is a single extracted row as key-value pairs.
type Record = map[string]any

// FetchRequest asks for one page of rows past AfterMarker.
type FetchRequest struct {
	TableID      string
	MarkerColumn string
	AfterMarker  string
	PageSize     int
	Params       map[string]string
}

// FetchResult is one page of the delta. MaxMarker is the highest marker
// value observed within Rows; HasMore signals further pages past MaxMarker.
type FetchResult struct {
	Rows      []Record
	MaxMarker string
	HasMore   bool
}

// Source fetches delta pages from an upstream system.
type Source interface {
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
	Close() error
}

// Error wraps extraction failures with a code and retryability hint.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", CodeExtractionFailed, e.Err)
	}
	return CodeExtractionFailed
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return CodeExtractionFailed }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(retryable bool, err error) *Error {
	return &Error{Retryable: retryable, Err: err}
}
