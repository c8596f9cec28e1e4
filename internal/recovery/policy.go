// Package recovery maps step failures to recovery actions. The mapping is a
// flat table keyed by (step type, error class) with a wildcard step type.
package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// Action is what the coordinator should do after a step failure.
type Action string

const (
	ActionRetry            Action = "retry"
	ActionRefreshBlockhash Action = "refresh_blockhash"
	ActionRequote          Action = "requote"
	ActionAbort            Action = "abort"
)

// AnyStep is the wildcard step type.
const AnyStep domain.StepType = "*"

// DefaultMaxRequotes is how many re-quotes a step gets on slippage.
const DefaultMaxRequotes = 1

type key struct {
	step  domain.StepType
	class domain.ErrorClass
}

// Decision is the resolved outcome for one failure.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Policy is the recovery table. It is safe for concurrent use.
type Policy struct {
	mu          sync.RWMutex
	rules       map[key]Action
	maxRequotes int
}

// NewPolicy returns a Policy loaded with the default table:
//
//	TRANSIENT          retry with backoff
//	BLOCKHASH_EXPIRED  refresh blockhash, re-sign, resubmit
//	SLIPPAGE_EXCEEDED  re-quote once
//	everything else    abort
func NewPolicy() *Policy {
	p := &Policy{
		rules:       make(map[key]Action),
		maxRequotes: DefaultMaxRequotes,
	}
	p.Set(AnyStep, domain.ErrorClassTransient, ActionRetry)
	p.Set(AnyStep, domain.ErrorClassBlockhashExpired, ActionRefreshBlockhash)
	p.Set(AnyStep, domain.ErrorClassSlippageExceeded, ActionRequote)
	p.Set(AnyStep, domain.ErrorClassInsufficientFunds, ActionAbort)
	p.Set(AnyStep, domain.ErrorClassUserRejected, ActionAbort)
	p.Set(AnyStep, domain.ErrorClassUnknown, ActionAbort)
	return p
}

// SetMaxRequotes changes the re-quote budget per step.
func (p *Policy) SetMaxRequotes(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		n = 0
	}
	p.maxRequotes = n
}

// Set installs or replaces a rule. Use AnyStep for the wildcard.
func (p *Policy) Set(step domain.StepType, class domain.ErrorClass, a Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[key{step, class}] = a
}

// Lookup returns the table entry for (step, class), falling back to the
// wildcard row and finally to abort.
func (p *Policy) Lookup(step domain.StepType, class domain.ErrorClass) Action {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if a, ok := p.rules[key{step, class}]; ok {
		return a
	}
	if a, ok := p.rules[key{AnyStep, class}]; ok {
		return a
	}
	return ActionAbort
}

// Decide resolves a failure of step with the given class. retries and
// requotes are the counts already spent on the step. Retries and blockhash
// refreshes are bounded by the step's MaxRetries and only apply to classes the
// step lists as retryable.
func (p *Policy) Decide(step domain.StrategyStep, class domain.ErrorClass, retries, requotes int) Decision {
	action := p.Lookup(step.Type, class)
	rc := step.Recovery

	switch action {
	case ActionRetry, ActionRefreshBlockhash:
		if !rc.Retryable(class) {
			return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s is not retryable for %s", class, step.Type)}
		}
		if retries >= rc.MaxRetries {
			return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s: retries exhausted (%d/%d)", class, retries, rc.MaxRetries)}
		}
		return Decision{
			Action: action,
			Delay:  rc.Backoff.Delay(retries+1, class),
			Reason: fmt.Sprintf("%s: attempt %d/%d", class, retries+1, rc.MaxRetries),
		}

	case ActionRequote:
		p.mu.RLock()
		budget := p.maxRequotes
		p.mu.RUnlock()
		if requotes >= budget {
			return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s: re-quote budget spent", class)}
		}
		return Decision{Action: ActionRequote, Reason: fmt.Sprintf("%s: re-quoting", class)}
	}

	return Decision{Action: ActionAbort, Reason: fmt.Sprintf("%s is not recoverable", class)}
}

// Compensation returns the step type that undoes t, if any.
func Compensation(t domain.StepType) (domain.StepType, bool) {
	switch t {
	case domain.StepBorrow:
		return domain.StepRepay, true
	case domain.StepDeposit:
		return domain.StepWithdraw, true
	}
	return "", false
}
