package types

// OutcomeStatus is the terminal status of one pipeline run.
type OutcomeStatus string

const (
	// OutcomeDelivered indicates an artifact was delivered and recorded.
	OutcomeDelivered OutcomeStatus = "delivered"
	// OutcomeSkipped indicates no work was needed.
	OutcomeSkipped OutcomeStatus = "skipped"
	// OutcomeFailed indicates the run stopped at Stage with Reason.
	OutcomeFailed OutcomeStatus = "failed"
)

// Stage names the pipeline step an outcome refers to.
type Stage string

const (
	StagePreflight Stage = "preflight"
	StageStaging   Stage = "staging"
	StageAcquire   Stage = "acquire"
	StageDeliver   Stage = "deliver"
	StageRecord    Stage = "record"
)

// RunOutcome is the result of a run.
type RunOutcome struct {
	// Status is the outcome status.
	Status OutcomeStatus `json:"status"`
	// Stage is set for failures and skips.
	Stage Stage `json:"stage,omitempty"`
	// Reason is the stable reason code.
	Reason Reason `json:"reason,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message"`
}

// NeedsOperator reports whether the outcome requires manual intervention.
func (o *RunOutcome) NeedsOperator() bool {
	return o.Status == OutcomeFailed && o.Reason.NeedsOperator()
}
