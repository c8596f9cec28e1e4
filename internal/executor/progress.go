package executor

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// slot addresses one StepProgress in a run: a plan step, or a compensation
// step appended during rollback.
type slot struct {
	index    int
	rollback bool
}

// run is the mutable state of one execution. The coordinator goroutine is the
// only writer of step state; Cancel and InFlight read and flip the cancel
// flag concurrently, hence the mutex.
type run struct {
	mu         sync.Mutex
	p          domain.ExecutionProgress
	comp       []domain.StrategyStep
	submitting bool
	cancel     context.CancelFunc
	lockLost   bool
	// resumedRollback is set when a previous process already started
	// compensating; those steps are not re-run.
	resumedRollback bool
}

func newRun(id string, s *domain.BuiltStrategy, now time.Time) *run {
	strat := *s
	strat.Steps = append([]domain.StrategyStep(nil), s.Steps...)
	steps := make([]domain.StepProgress, len(strat.Steps))
	for i := range steps {
		steps[i] = domain.StepProgress{Status: domain.StepPending, Attempt: 1, AttemptStatus: domain.StepPending}
	}
	return &run{p: domain.ExecutionProgress{
		ExecutionID: id,
		Wallet:      s.Wallet,
		Strategy:    strat,
		Status:      domain.ExecBuilt,
		Steps:       steps,
		StartedAt:   now,
		UpdatedAt:   now,
	}}
}

func resumeRun(p domain.ExecutionProgress) *run {
	return &run{p: p, resumedRollback: len(p.Rollback) > 0}
}

func (r *run) id() string { return r.p.ExecutionID }

// snapshot returns a deep copy safe to persist or hand out.
func (r *run) snapshot() domain.ExecutionProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.p
	p.Steps = append([]domain.StepProgress(nil), r.p.Steps...)
	p.Rollback = append([]domain.StepProgress(nil), r.p.Rollback...)
	p.Strategy.Steps = append([]domain.StrategyStep(nil), r.p.Strategy.Steps...)
	return p
}

// sp returns the progress entry for s. Callers hold r.mu.
func (r *run) sp(s slot) *domain.StepProgress {
	if s.rollback {
		return &r.p.Rollback[s.index]
	}
	return &r.p.Steps[s.index]
}

func (r *run) step(s slot) domain.StrategyStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.rollback {
		return r.comp[s.index]
	}
	return r.p.Strategy.Steps[s.index]
}

func (r *run) progress(s slot) domain.StepProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.sp(s)
}

func (r *run) stepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.p.Steps)
}

func (r *run) strategy() domain.BuiltStrategy {
	return r.snapshot().Strategy
}

// advance moves the current attempt forward and raises the step's status
// when the attempt passes the furthest stage reached so far. It refuses
// transitions that would move backwards or leave a terminal state.
func (r *run) advance(s slot, to domain.StepStatus, mut func(*domain.StepProgress)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.sp(s)
	if p.Status.Terminal() || !domain.CanAdvance(p.Stage(), to) {
		return false
	}
	p.AttemptStatus = to
	if to.Terminal() || to.Rank() > p.Status.Rank() {
		p.Status = to
	}
	if mut != nil {
		mut(p)
	}
	if !s.rollback {
		r.p.Strategy.Steps[s.index].Status = p.Status
	}
	return true
}

// newAttempt starts a fresh attempt of a step after a recoverable failure.
// The step keeps the furthest status it reached.
func (r *run) newAttempt(s slot, requote bool, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.sp(s)
	p.Attempt++
	p.AttemptStatus = domain.StepPending
	p.Signature = ""
	if cause != nil {
		p.LastError = cause.Error()
	}
	if requote {
		p.Requotes++
	} else {
		p.Retries++
	}
}

// reset starts a new attempt of an interrupted step without counting a retry.
func (r *run) reset(s slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.sp(s)
	p.Attempt++
	p.AttemptStatus = domain.StepPending
	p.Signature = ""
}

// dropSignature forgets the attempt's signature once its transaction is
// known to have failed on-chain.
func (r *run) dropSignature(s slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sp(s).Signature = ""
}

// fail makes the step FAILED. A signature still set belongs to a
// transaction that was accepted and may yet land.
func (r *run) fail(s slot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.sp(s)
	p.Status = domain.StepFailed
	p.AttemptStatus = domain.StepFailed
	p.LastError = err.Error()
	if !s.rollback {
		r.p.Strategy.Steps[s.index].Status = domain.StepFailed
	}
}

func (r *run) replaceStep(s slot, st domain.StrategyStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.rollback {
		r.comp[s.index] = st
		return
	}
	st.Index = s.index
	st.Status = r.p.Steps[s.index].Status
	r.p.Strategy.Steps[s.index] = st
}

func (r *run) addCompensation(st domain.StrategyStep) slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comp = append(r.comp, st)
	r.p.Rollback = append(r.p.Rollback, domain.StepProgress{Status: domain.StepPending, Attempt: 1, AttemptStatus: domain.StepPending})
	return slot{index: len(r.comp) - 1, rollback: true}
}

func (r *run) setStatus(st domain.ExecutionStatus, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p.Status = st
	r.p.UpdatedAt = now
}

func (r *run) setCurrent(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p.CurrentStep = i
}

func (r *run) touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p.UpdatedAt = now
}

// beginSubmit marks the point of no return for a plan step. It reports false
// when a cancellation arrived first. Compensation steps always proceed.
func (r *run) beginSubmit(s slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.rollback && r.p.Cancel != domain.CancelNone {
		return false
	}
	r.submitting = true
	return true
}

func (r *run) endSubmit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitting = false
}

// requestCancel records a cancellation. Before submission the run's context
// is cancelled; once a transaction is out, the request is only noted and the
// step is left to finish.
func (r *run) requestCancel() domain.CancelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Cancel != domain.CancelNone {
		return r.p.Cancel
	}
	if r.submitting {
		r.p.Cancel = domain.CancelRequestedButSubmitted
		return r.p.Cancel
	}
	r.p.Cancel = domain.CancelRequested
	if r.cancel != nil {
		r.cancel()
	}
	return r.p.Cancel
}

// loseLock stops the execution before its next submission once the wallet
// lock can no longer be held.
func (r *run) loseLock() domain.CancelState {
	r.mu.Lock()
	r.lockLost = true
	r.mu.Unlock()
	return r.requestCancel()
}

func (r *run) lostLock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockLost
}

// markInterrupted records a cancellation that came from the caller's context.
func (r *run) markInterrupted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p.Cancel == domain.CancelNone {
		r.p.Cancel = domain.CancelRequested
	}
}

func (r *run) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p.Cancel != domain.CancelNone
}

func outcomes(steps []domain.StrategyStep, progress []domain.StepProgress) []domain.StepOutcome {
	out := make([]domain.StepOutcome, len(progress))
	for i, p := range progress {
		out[i] = domain.StepOutcome{
			Index:     steps[i].Index,
			Type:      steps[i].Type,
			Status:    p.Status,
			Retries:   p.Retries,
			Error:     p.LastError,
			Signature: p.Signature,
		}
		if p.Status != domain.StepConfirmed && p.Status != domain.StepFailed {
			out[i].Error = ""
		}
		if p.Status == domain.StepFailed {
			out[i].Signature = ""
			out[i].UnconfirmedSignature = p.Signature
		}
	}
	return out
}

func unsettled(progress []domain.StepProgress, i int) bool {
	return i >= 0 && i < len(progress) && progress[i].Unsettled()
}

func anyConfirmed(progress []domain.StepProgress) bool {
	for _, p := range progress {
		if p.Status == domain.StepConfirmed {
			return true
		}
	}
	return false
}
