package model

import "time"

// FailureEvent is the supervisor's structured record of one recovered crash
// or component failure. Seq is the run-wide monotonic failure counter value
// at capture time.
type FailureEvent struct {
	Component    string    `json:"component"`
	JobID        string    `json:"job_id"`
	Err          string    `json:"error,omitempty"`
	PanicValue   string    `json:"panic_value,omitempty"`
	StackSummary string    `json:"stack_summary,omitempty"`
	GoroutineID  uint64    `json:"goroutine_id,omitempty"`
	Seq          uint32    `json:"seq"`
	At           time.Time `json:"at"`
}

// PeriodStats counts the fate of one dataset period's records.
type PeriodStats struct {
	Period      string `json:"period"`
	Fetched     bool   `json:"fetched"`
	RecordsSeen int    `json:"records_seen"`
	Skipped     int    `json:"skipped"`
	Matched     int    `json:"matched"`
}

// RunStatus tracks a run through its lifecycle.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusAborted  RunStatus = "aborted"
	RunStatusFailed   RunStatus = "failed"
)

// RunSummary is the final observability surface of one pipeline run.
type RunSummary struct {
	RunID          string        `json:"run_id"`
	Status         RunStatus     `json:"status"`
	RecordsSeen    int           `json:"records_seen"`
	RecordsMatched int           `json:"records_matched"`
	RecordsSkipped int           `json:"records_skipped"`
	PeriodsFailed  int           `json:"periods_failed"`
	Failures       int           `json:"failures"`
	Aborted        bool          `json:"aborted"`
	Periods        []PeriodStats `json:"periods,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}
