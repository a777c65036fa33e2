// Package runner executes incremental ingestion: a per-table delta runner
// drives resolve -> extract -> write -> advance, and a dispatch loop fans
// runners out across the registry under a bounded concurrency budget.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nucleus/delta-core/internal/registry"
	"github.com/nucleus/delta-core/internal/sink"
	"github.com/nucleus/delta-core/internal/source"
	"github.com/nucleus/delta-core/internal/watermark"
)

const (
	CodeCancelled = "E_CANCELLED"
	CodeTimeout   = "E_TIMEOUT"
	CodeUnknown   = "E_UNKNOWN"
)

// CodedError exposes error code metadata carried by port failures.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// DeltaRunner executes one table's incremental run. The watermark advances
// only after the delta is durably written; any earlier failure leaves it
// untouched so the next cycle re-attempts the identical delta.
type DeltaRunner struct {
	Store  watermark.Store
	Source source.Source
	Sink   sink.Sink
}

// Run moves one table through resolve -> extract -> write -> advance and
// returns its terminal outcome. It never returns an error; failures are
// encoded in the outcome.
func (r *DeltaRunner) Run(ctx context.Context, td registry.TableDescriptor) RunOutcome {
	started := time.Now()
	outcome := RunOutcome{TableID: td.ID}

	defer func() {
		outcome.Duration = time.Since(started)
	}()

	// ResolvingWatermark
	wm, err := r.Store.Get(ctx, td.ID)
	if err != nil {
		return fail(outcome, err)
	}
	from := td.InitialMarker
	if wm != nil {
		from = wm.Marker
	}
	outcome.FromMarker = from

	// Extracting: paginate until exhaustion or the page cap.
	var rows []source.Record
	maxMarker := from
	after := from
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return fail(outcome, err)
		}
		res, err := r.Source.Fetch(ctx, &source.FetchRequest{
			TableID:      td.ID,
			MarkerColumn: td.MarkerColumn,
			AfterMarker:  after,
			PageSize:     td.BatchSize,
			Params:       td.Params,
		})
		if err != nil {
			return fail(outcome, err)
		}
		pages++
		rows = append(rows, res.Rows...)
		if res.MaxMarker > maxMarker {
			maxMarker = res.MaxMarker
		}
		if !res.HasMore || pages >= td.MaxPages {
			break
		}
		after = res.MaxMarker
	}
	outcome.Pages = pages

	// No new rows: the watermark is deliberately not touched. "Nothing
	// changed" and "frontier already current" are distinguished only by
	// re-querying next cycle, never by re-advancing to the same value.
	if len(rows) == 0 {
		outcome.Status = StatusSkippedNoChange
		outcome.ToMarker = from
		return outcome
	}

	// Writing: deterministic range key makes a crash-replay overwrite the
	// same object instead of duplicating data.
	if err := ctx.Err(); err != nil {
		return fail(outcome, err)
	}
	rangeKey := RangeKey(from, maxMarker)
	res, err := r.Sink.WriteBatch(ctx, &sink.WriteRequest{
		TableID:  td.ID,
		RangeKey: rangeKey,
		Rows:     rows,
		Params:   td.Params,
	})
	if err != nil {
		return fail(outcome, err)
	}
	outcome.SinkPath = res.Path
	outcome.Rows = res.RowsWritten

	// Advancing: expected is the marker resolved at cycle start, so an
	// overlapping run for the same table loses exactly here.
	if err := ctx.Err(); err != nil {
		return fail(outcome, err)
	}
	if err := r.Store.CompareAndAdvance(ctx, td.ID, from, maxMarker); err != nil {
		return fail(outcome, err)
	}

	outcome.Status = StatusSucceeded
	outcome.ToMarker = maxMarker
	return outcome
}

// RangeKey renders the deterministic (from, to] marker range identifier
// used as the sink object key.
func RangeKey(from, to string) string {
	return fmt.Sprintf("%s__%s", sanitizeMarker(from), sanitizeMarker(to))
}

func sanitizeMarker(m string) string {
	if m == "" {
		return "epoch"
	}
	// Each reserved character maps to a distinct substitute so two different
	// markers cannot collapse onto the same range key.
	replacer := strings.NewReplacer(":", "-", "/", "~", " ", "_")
	return replacer.Replace(m)
}

func fail(outcome RunOutcome, err error) RunOutcome {
	outcome.Status = StatusFailed
	outcome.Code, _ = classifyError(err)
	outcome.Error = err.Error()
	return outcome
}

// classifyError maps a failure to a stable code and retryability hint.
// Context expiry takes precedence over port codes so a timed-out fetch is
// reported as a timeout, not an extraction failure.
func classifyError(err error) (string, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled, false
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.CodeValue(), coded.RetryableStatus()
	}
	return CodeUnknown, true
}
