package runner

import (
	"encoding/json"
	"time"
)

// Status is the terminal state of one table's run.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusSkippedNoChange Status = "skipped_no_change"
)

// RunOutcome is the per-table result of one dispatch cycle.
type RunOutcome struct {
	TableID    string        `json:"tableId"`
	Status     Status        `json:"status"`
	Rows       int64         `json:"rows"`
	Pages      int           `json:"pages,omitempty"`
	FromMarker string        `json:"fromMarker,omitempty"`
	ToMarker   string        `json:"toMarker,omitempty"`
	Code       string        `json:"code,omitempty"`
	Error      string        `json:"error,omitempty"`
	SinkPath   string        `json:"sinkPath,omitempty"`
	Duration   time.Duration `json:"durationMs"`
}

// MarshalJSON renders Duration in milliseconds for machine consumers.
func (o RunOutcome) MarshalJSON() ([]byte, error) {
	type alias RunOutcome
	return json.Marshal(struct {
		alias
		Duration int64 `json:"durationMs"`
	}{alias: alias(o), Duration: o.Duration.Milliseconds()})
}

// BatchReport aggregates one orchestration cycle. It is the sole observable
// output contract: no error escapes RunCycle.
type BatchReport struct {
	CycleID     string       `json:"cycleId"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt"`
	Outcomes    []RunOutcome `json:"outcomes"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
}

func (r *BatchReport) tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusSucceeded:
			r.Succeeded++
		case StatusSkippedNoChange:
			r.Skipped++
		default:
			r.Failed++
		}
	}
}
