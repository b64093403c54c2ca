package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatementRun is the task type for the periodic statement run.
	TaskStatementRun = "royalty:statement_run"
	// TaskFxStalenessScan is the task type for the exchange-rate
	// staleness scan.
	TaskFxStalenessScan = "fx:staleness_scan"
)

// StatementRunPayload selects the period to generate statements for.
// An empty period means the previous calendar month.
type StatementRunPayload struct {
	// Period is a calendar month in YYYY-MM form.
	Period string `json:"period,omitempty"`
}

// NewStatementRunTask constructs an Asynq task for a statement run.
func NewStatementRunTask(payload StatementRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatementRun, data), nil
}

// FxStalenessPayload controls the staleness threshold of the scan.
type FxStalenessPayload struct {
	// MaxAgeHours flags pairs whose newest quote is older than this.
	// Zero falls back to the job default.
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// NewFxStalenessTask constructs an Asynq task for the staleness scan.
func NewFxStalenessTask(payload FxStalenessPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFxStalenessScan, data), nil
}
