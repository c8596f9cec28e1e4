package domain

import "time"

// ExecutionStatus is the state of a strategy as a whole:
// BUILT → EXECUTING → {SUCCEEDED, PARTIAL, FAILED, ABORTED}.
type ExecutionStatus string

const (
	ExecBuilt     ExecutionStatus = "BUILT"
	ExecExecuting ExecutionStatus = "EXECUTING"
	ExecSucceeded ExecutionStatus = "SUCCEEDED"
	ExecPartial   ExecutionStatus = "PARTIAL"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecAborted   ExecutionStatus = "ABORTED"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSucceeded, ExecPartial, ExecFailed, ExecAborted:
		return true
	}
	return false
}

// CancelState records a caller's cancellation request.
type CancelState string

const (
	CancelNone                  CancelState = ""
	CancelRequested             CancelState = "ABORT_REQUESTED"
	CancelRequestedButSubmitted CancelState = "ABORT_REQUESTED_BUT_SUBMITTED"
)

// StepProgress is the live state of one step. Status is the furthest stage
// any attempt reached and never moves back; AttemptStatus is where the
// current attempt stands.
type StepProgress struct {
	Status        StepStatus `json:"status"`
	Attempt       int        `json:"attempt"`
	AttemptStatus StepStatus `json:"attempt_status,omitempty"`
	Retries       int        `json:"retries"`
	Requotes      int        `json:"requotes"`
	// Signature belongs to the current attempt's transaction once it was
	// accepted by the cluster.
	Signature string `json:"signature,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Stage returns the current attempt's stage. Progress written without an
// attempt stage falls back to Status.
func (p StepProgress) Stage() StepStatus {
	if p.AttemptStatus != "" {
		return p.AttemptStatus
	}
	return p.Status
}

// Unsettled reports whether a failed step has a transaction that may still
// land: it was accepted but never reached the target commitment.
func (p StepProgress) Unsettled() bool {
	return p.Status == StepFailed && p.Signature != ""
}

// ExecutionProgress is the live status of an in-flight strategy. It is saved
// at every transition and removed once the strategy reaches a terminal state.
type ExecutionProgress struct {
	ExecutionID string          `json:"execution_id"`
	Wallet      string          `json:"wallet"`
	Strategy    BuiltStrategy   `json:"strategy"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep int             `json:"current_step"`
	Steps       []StepProgress  `json:"steps"`
	Rollback    []StepProgress  `json:"rollback,omitempty"`
	Cancel      CancelState     `json:"cancel"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LastConfirmedSignature returns the most recent confirmed step signature.
func (p ExecutionProgress) LastConfirmedSignature() string {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		if p.Steps[i].Status == StepConfirmed && p.Steps[i].Signature != "" {
			return p.Steps[i].Signature
		}
	}
	return ""
}

// StepOutcome is the reconciled result of one step.
type StepOutcome struct {
	Index     int        `json:"index"`
	Type      StepType   `json:"type"`
	Status    StepStatus `json:"status"`
	Signature string     `json:"signature,omitempty"`
	// UnconfirmedSignature is set on a FAILED step whose transaction was
	// accepted but not confirmed in time. It may still execute.
	UnconfirmedSignature string `json:"unconfirmed_signature,omitempty"`
	Retries              int    `json:"retries"`
	Error                string `json:"error,omitempty"`
}

// MultiTxResult is the outcome of executing a BuiltStrategy.
type MultiTxResult struct {
	ExecutionID            string          `json:"execution_id"`
	StrategyID             string          `json:"strategy_id"`
	Kind                   StrategyKind    `json:"kind"`
	Wallet                 string          `json:"wallet"`
	Protocol               ProtocolID      `json:"protocol"`
	Status                 ExecutionStatus `json:"status"`
	Steps                  []StepOutcome   `json:"steps"`
	StoppedAt              *int            `json:"stopped_at,omitempty"`
	ErrorClass             ErrorClass      `json:"error_class,omitempty"`
	Error                  string          `json:"error,omitempty"`
	RolledBack             bool            `json:"rolled_back"`
	Rollback               []StepOutcome   `json:"rollback,omitempty"`
	LastConfirmedSignature string          `json:"last_confirmed_signature,omitempty"`
	Cancel                 CancelState     `json:"cancel,omitempty"`
	PositionID             string          `json:"position_id,omitempty"`
	StartedAt              time.Time       `json:"started_at"`
	FinishedAt             time.Time       `json:"finished_at"`
}

// Signatures returns the per-step signatures in step order; unsigned steps
// yield an empty string.
func (r MultiTxResult) Signatures() []string {
	out := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Signature
	}
	return out
}

// UnconfirmedSignatures returns the signatures of failed steps, plan and
// compensation, that may still land on-chain.
func (r MultiTxResult) UnconfirmedSignatures() []string {
	var out []string
	for _, s := range append(append([]StepOutcome(nil), r.Steps...), r.Rollback...) {
		if s.UnconfirmedSignature != "" {
			out = append(out, s.UnconfirmedSignature)
		}
	}
	return out
}

// Confirmed reports whether the step of the given type reached CONFIRMED.
func (r MultiTxResult) Confirmed(t StepType) bool {
	for _, s := range r.Steps {
		if s.Type == t && s.Status == StepConfirmed {
			return true
		}
	}
	return false
}
