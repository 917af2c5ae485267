package storage

import "time"

// TaskRun is the index record of one analysis task. The full record stays
// in the result directory's task log; this row points to it.
type TaskRun struct {
	ID         string     `json:"id" db:"id"`
	RunID      string     `json:"run_id" db:"run_id"`
	Tool       string     `json:"tool" db:"tool"`
	Mode       string     `json:"mode" db:"mode"`
	Filename   string     `json:"filename" db:"filename"`
	ResultDir  string     `json:"result_dir" db:"result_dir"`
	ExitCode   *int       `json:"exit_code,omitempty" db:"exit_code"`
	Status     string     `json:"status" db:"status"` // done, timeout, failed
	Findings   int        `json:"findings" db:"findings"`
	Error      string     `json:"error,omitempty" db:"error"`
	DurationMS int64      `json:"duration_ms" db:"duration_ms"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// TaskRunFilter provides criteria for querying task runs.
type TaskRunFilter struct {
	RunID  string
	Tool   string
	Status string
	Limit  int
	Offset int
}
