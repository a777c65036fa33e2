package runner

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nucleus/delta-core/internal/registry"
	"github.com/nucleus/delta-core/internal/sink"
	"github.com/nucleus/delta-core/internal/source"
	"github.com/nucleus/delta-core/internal/watermark"
)

// Options tune one orchestration cycle.
type Options struct {
	// ConcurrencyLimit bounds simultaneously active runners (default 4).
	ConcurrencyLimit int
	// TableTimeout caps one table's wall clock; zero disables it.
	TableTimeout time.Duration
}

// Orchestrator fans delta runners out across the table registry.
type Orchestrator struct {
	Registry *registry.Registry
	Store    watermark.Store
	Source   source.Source
	Sink     sink.Sink
	Options  Options
}

// RunCycle executes one full batch cycle and returns its report. Every
// descriptor in the registry, malformed ones included, appears exactly once
// in the report; no failure escapes as an error and no table's failure
// cancels a sibling.
func (o *Orchestrator) RunCycle(ctx context.Context) *BatchReport {
	report := &BatchReport{
		CycleID:   uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}

	// Malformed descriptors are excluded from execution but still reported.
	for _, invalid := range o.Registry.Invalid() {
		outcome := RunOutcome{TableID: invalid.Descriptor.ID, Status: StatusFailed}
		outcome.Code, _ = classifyError(invalid.Err)
		outcome.Error = invalid.Err.Error()
		if outcome.TableID == "" {
			outcome.TableID = "(missing id)"
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	tables := o.Registry.ListTables()
	limit := o.Options.ConcurrencyLimit
	if limit <= 0 {
		limit = 4
	}
	log.Printf("[dispatch] cycle %s: %d tables, concurrency %d", report.CycleID, len(tables), limit)

	sem := make(chan struct{}, limit)
	results := make(chan RunOutcome, len(tables))
	var wg sync.WaitGroup

	for _, td := range tables {
		wg.Add(1)
		go func(td registry.TableDescriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- o.runTable(ctx, td)
		}(td)
	}
	wg.Wait()
	close(results)

	for outcome := range results {
		report.Outcomes = append(report.Outcomes, outcome)
	}
	// Deterministic report order regardless of completion order.
	sort.SliceStable(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].TableID < report.Outcomes[j].TableID
	})

	report.CompletedAt = time.Now().UTC()
	report.tally()
	log.Printf("[dispatch] cycle %s done: %d succeeded, %d failed, %d skipped",
		report.CycleID, report.Succeeded, report.Failed, report.Skipped)
	return report
}

func (o *Orchestrator) runTable(ctx context.Context, td registry.TableDescriptor) RunOutcome {
	runCtx := ctx
	var cancel context.CancelFunc
	if o.Options.TableTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.Options.TableTimeout)
		defer cancel()
	}

	runner := &DeltaRunner{Store: o.Store, Source: o.Source, Sink: o.Sink}
	outcome := runner.Run(runCtx, td)
	if outcome.Status == StatusFailed {
		log.Printf("[dispatch] table %s failed: %s", td.ID, outcome.Error)
	}
	return outcome
}
