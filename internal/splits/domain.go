package splits

import "time"

// ContractStatus enumerates split contract states.
type ContractStatus string

const (
	ContractDraft      ContractStatus = "DRAFT"
	ContractActive     ContractStatus = "ACTIVE"
	ContractTerminated ContractStatus = "TERMINATED"
)

// SplitSource names which table produced a participant's share.
type SplitSource string

const (
	SourceContract     SplitSource = "contract"
	SourceProjectSplit SplitSource = "project_split"
)

// Participant is one collaborator's percentage share of a release.
type Participant struct {
	UserID     int64
	Role       string
	Percentage float64
}

// SplitContract defines collaborator shares for a release. An active
// contract takes precedence over ProjectRoyaltySplit rows. Percentages need
// not sum to 100 (partial ownership is legal) but must each be >= 0.
type SplitContract struct {
	ID           int64
	ReleaseID    int64
	Status       ContractStatus
	Participants []Participant
	CreatedAt    time.Time
}

// ProjectRoyaltySplit is the simpler per-project fallback share row.
type ProjectRoyaltySplit struct {
	ID         int64
	ReleaseID  int64
	UserID     int64
	Role       string
	Percentage float64
}

// Breakdown is one participant's computed share of a statement.
type Breakdown struct {
	UserID              int64
	Role                string
	Percentage          float64
	Source              SplitSource
	GrossAmount         float64
	NetAmount           float64
	RecoupmentDeduction float64
	PayableAmount       float64
}
