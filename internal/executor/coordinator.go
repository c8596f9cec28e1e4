// Package executor runs BuiltStrategies on-chain one step at a time, holding
// a per-wallet lock, persisting progress at every transition and applying the
// recovery policy when a step fails.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/metrics"
	"github.com/alanyoungcy/sentinel/internal/protocol"
	"github.com/alanyoungcy/sentinel/internal/recovery"
)

// ProgressChannel is the EventBus channel execution progress is published on.
const ProgressChannel = "sentinel:executions"

// Requoter produces a fresh version of a step after a slippage failure,
// typically by re-running the quote for the strategy's request.
type Requoter interface {
	Requote(ctx context.Context, s domain.BuiltStrategy, step domain.StrategyStep) (domain.StrategyStep, error)
}

// ResultHook sees every terminal result, including resumed ones, while the
// wallet lock is still held. It may set res.PositionID.
type ResultHook func(ctx context.Context, s domain.BuiltStrategy, res *domain.MultiTxResult)

// Options tunes locking and confirmation polling.
type Options struct {
	LockTTL         time.Duration
	Commitment      domain.Commitment
	ConfirmPolls    int
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
	DedupTTL        time.Duration
}

// OptionsFromConfig maps the [chain] and [execution] config sections.
func OptionsFromConfig(ch config.ChainConfig, ex config.ExecutionConfig) Options {
	return Options{
		LockTTL:         ex.LockTTL.Duration,
		Commitment:      domain.Commitment(ch.Commitment),
		ConfirmPolls:    ch.ConfirmPolls,
		ConfirmInterval: ch.ConfirmInterval.Duration,
		ConfirmTimeout:  ch.ConfirmTimeout.Duration,
	}
}

// Coordinator executes strategies. At most one strategy runs per wallet, the
// lock being taken before any transaction is built.
type Coordinator struct {
	registry *protocol.Registry
	chain    domain.ChainRPC
	signer   domain.Signer
	locks    domain.LockManager
	progress domain.ProgressStore
	policy   *recovery.Policy
	bus      domain.EventBus
	requoter Requoter
	onResult ResultHook
	dedup    *Dedup
	opts     Options
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	runs     map[string]*run   // execution ID -> run
	byWallet map[string]string // wallet -> execution ID
}

// NewCoordinator wires a coordinator. A nil policy means recovery.NewPolicy().
func NewCoordinator(
	registry *protocol.Registry,
	chain domain.ChainRPC,
	signer domain.Signer,
	locks domain.LockManager,
	progress domain.ProgressStore,
	policy *recovery.Policy,
	opts Options,
	logger *slog.Logger,
) *Coordinator {
	if policy == nil {
		policy = recovery.NewPolicy()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.Commitment == "" {
		opts.Commitment = domain.CommitmentConfirmed
	}
	if opts.ConfirmPolls <= 0 {
		opts.ConfirmPolls = 30
	}
	if opts.ConfirmInterval <= 0 {
		opts.ConfirmInterval = 500 * time.Millisecond
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = time.Minute
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	return &Coordinator{
		registry: registry,
		chain:    chain,
		signer:   signer,
		locks:    locks,
		progress: progress,
		policy:   policy,
		dedup:    NewDedup(opts.DedupTTL),
		opts:     opts,
		logger:   logger.With(slog.String("component", "coordinator")),
		sleep:    sleepCtx,
		now:      time.Now,
		runs:     make(map[string]*run),
		byWallet: make(map[string]string),
	}
}

// SetEventBus enables progress publication on ProgressChannel.
func (c *Coordinator) SetEventBus(bus domain.EventBus) { c.bus = bus }

// SetRequoter enables the re-quote recovery action for slippage failures.
func (c *Coordinator) SetRequoter(rq Requoter) { c.requoter = rq }

// SetResultHook registers fn to run on every terminal result.
func (c *Coordinator) SetResultHook(fn ResultHook) { c.onResult = fn }

// Execute runs s to a terminal state. A non-nil error means nothing was
// attempted: the strategy was invalid, already submitted, or another strategy
// holds the wallet (CoordinationError). Step failures are reported in the
// result, not as an error.
func (c *Coordinator) Execute(ctx context.Context, s *domain.BuiltStrategy) (domain.MultiTxResult, error) {
	if s == nil || len(s.Steps) == 0 {
		return domain.MultiTxResult{}, domain.NewValidationError("strategy", "has no steps")
	}
	if !s.Validation.Valid {
		return domain.MultiTxResult{}, s.Validation.Err()
	}

	id := uuid.NewString()
	release, err := c.claimWallet(s.Wallet, id)
	if err != nil {
		return domain.MultiTxResult{}, err
	}
	defer release()

	lock, err := c.lockWallet(ctx, s.Wallet)
	if err != nil {
		return domain.MultiTxResult{}, err
	}
	defer lock.Release()

	if !c.dedup.Claim(s.ID) {
		return domain.MultiTxResult{}, fmt.Errorf("executor: strategy %s: %w", s.ID, domain.ErrAlreadyExists)
	}

	r := newRun(id, s, c.now())
	stop := c.keepLock(ctx, r, lock)
	defer stop()
	c.logger.Info("execution started",
		slog.String("execution_id", r.id()),
		slog.String("strategy_id", s.ID),
		slog.String("kind", string(s.Kind)),
		slog.String("wallet", s.Wallet),
		slog.String("protocol", string(s.Protocol)),
		slog.Int("steps", len(s.Steps)),
	)
	return c.start(ctx, r, 0), nil
}

// Cancel requests cancellation of a running execution. Before the current
// step is submitted the execution stops there; afterwards the step is left to
// finish and ABORT_REQUESTED_BUT_SUBMITTED is returned.
func (c *Coordinator) Cancel(executionID string) (domain.CancelState, error) {
	c.mu.Lock()
	r, ok := c.runs[executionID]
	c.mu.Unlock()
	if !ok {
		return domain.CancelNone, fmt.Errorf("executor: execution %s: %w", executionID, domain.ErrNotFound)
	}
	state := r.requestCancel()
	c.logger.Info("cancel requested",
		slog.String("execution_id", executionID),
		slog.String("state", string(state)),
	)
	return state, nil
}

// InFlight returns the progress of the wallet's running execution, looking at
// this process first and then at the progress store.
func (c *Coordinator) InFlight(ctx context.Context, wallet string) (domain.ExecutionProgress, error) {
	c.mu.Lock()
	var r *run
	if id, ok := c.byWallet[wallet]; ok {
		r = c.runs[id]
	}
	c.mu.Unlock()
	if r != nil {
		return r.snapshot(), nil
	}

	active, err := c.progress.ListActive(ctx)
	if err != nil {
		return domain.ExecutionProgress{}, fmt.Errorf("executor: list active: %w", err)
	}
	for _, p := range active {
		if p.Wallet == wallet {
			return p, nil
		}
	}
	return domain.ExecutionProgress{}, fmt.Errorf("executor: wallet %s: %w", wallet, domain.ErrNotFound)
}

// Resume continues an execution persisted by an earlier process. Steps that
// were submitted are re-confirmed rather than re-sent; execution continues
// from the first step that is not CONFIRMED.
func (c *Coordinator) Resume(ctx context.Context, executionID string) (domain.MultiTxResult, error) {
	p, err := c.progress.Load(ctx, executionID)
	if err != nil {
		return domain.MultiTxResult{}, fmt.Errorf("executor: load %s: %w", executionID, err)
	}
	if p.Status.Terminal() {
		return domain.MultiTxResult{}, fmt.Errorf("executor: execution %s already %s", executionID, p.Status)
	}
	release, err := c.claimWallet(p.Wallet, executionID)
	if err != nil {
		return domain.MultiTxResult{}, err
	}
	defer release()

	lock, err := c.lockWallet(ctx, p.Wallet)
	if err != nil {
		return domain.MultiTxResult{}, err
	}
	defer lock.Release()

	r := resumeRun(p)
	stop := c.keepLock(ctx, r, lock)
	defer stop()
	from := len(p.Steps)
	for i, sp := range p.Steps {
		s := slot{index: i}
		if sp.Status == domain.StepConfirmed {
			continue
		}
		from = i
		if sp.Status == domain.StepFailed {
			break
		}
		if stage := sp.Stage(); sp.Signature != "" && (stage == domain.StepSubmitted || stage == domain.StepConfirming) {
			err := c.confirm(ctx, r, s, sp.Signature)
			if err == nil {
				r.advance(s, domain.StepConfirmed, nil)
				from = i + 1
				continue
			}
			c.logger.Warn("resumed step not confirmed, re-running",
				slog.String("execution_id", executionID),
				slog.Int("step", i),
				slog.String("error", err.Error()),
			)
		}
		r.reset(s)
		break
	}

	c.logger.Info("execution resumed",
		slog.String("execution_id", executionID),
		slog.Int("from_step", from),
	)
	return c.start(ctx, r, from), nil
}

// ResumeAll resumes every execution left in the progress store. Failures are
// logged and skipped.
func (c *Coordinator) ResumeAll(ctx context.Context) []domain.MultiTxResult {
	active, err := c.progress.ListActive(ctx)
	if err != nil {
		c.logger.Error("list active executions", slog.String("error", err.Error()))
		return nil
	}
	var out []domain.MultiTxResult
	for _, p := range active {
		res, err := c.Resume(ctx, p.ExecutionID)
		if err != nil {
			c.logger.Error("resume execution",
				slog.String("execution_id", p.ExecutionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, res)
	}
	return out
}

// claimWallet reserves wallet for one execution in this process. The
// distributed lock covers other processes.
func (c *Coordinator) claimWallet(wallet, executionID string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.byWallet[wallet]; busy {
		c.logger.Warn("wallet busy", slog.String("wallet", wallet))
		return nil, &domain.CoordinationError{Wallet: wallet, Err: domain.ErrLockHeld}
	}
	c.byWallet[wallet] = executionID
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.byWallet[wallet] == executionID {
			delete(c.byWallet, wallet)
		}
	}, nil
}

func (c *Coordinator) lockWallet(ctx context.Context, wallet string) (domain.Lock, error) {
	lock, err := c.locks.Acquire(ctx, "wallet:"+wallet, c.opts.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.Warn("wallet busy", slog.String("wallet", wallet))
		}
		return nil, &domain.CoordinationError{Wallet: wallet, Err: err}
	}
	return lock, nil
}

// keepLock refreshes the wallet lock every third of its TTL until the
// returned stop function is called. A lost lock stops the run before its
// next submission.
func (c *Coordinator) keepLock(ctx context.Context, r *run, lock domain.Lock) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(max(c.opts.LockTTL/3, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			err := lock.Refresh(ctx, c.opts.LockTTL)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrLockLost) {
				state := r.loseLock()
				c.logger.Error("wallet lock lost, stopping execution",
					slog.String("execution_id", r.id()),
					slog.String("wallet", r.p.Wallet),
					slog.String("cancel", string(state)),
				)
				return
			}
			c.logger.Warn("refresh wallet lock", slog.String("execution_id", r.id()), slog.String("error", err.Error()))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Coordinator) start(ctx context.Context, r *run, from int) domain.MultiTxResult {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	c.mu.Lock()
	c.runs[r.id()] = r
	c.mu.Unlock()
	metrics.ActiveExecutions.Inc()
	defer func() {
		c.mu.Lock()
		delete(c.runs, r.id())
		c.mu.Unlock()
		metrics.ActiveExecutions.Dec()
	}()

	r.setStatus(domain.ExecExecuting, c.now())
	c.save(rctx, r)
	return c.drive(rctx, r, from)
}

func (c *Coordinator) drive(ctx context.Context, r *run, from int) domain.MultiTxResult {
	stopped := -1
	canceled := false
	var failErr error

	n := r.stepCount()
	for i := from; i < n; i++ {
		if sp := r.progress(slot{index: i}); sp.Status == domain.StepFailed {
			// A previous process failed here and died before finishing.
			stopped = i
			failErr = domain.NewStepError(domain.ErrorClassUnknown, errors.New(sp.LastError))
			break
		}
		if r.cancelRequested() || ctx.Err() != nil {
			stopped, canceled = i, true
			break
		}
		r.setCurrent(i)
		err := c.runStep(ctx, r, slot{index: i})
		if err == nil {
			continue
		}
		stopped = i
		if errors.Is(err, errCanceled) {
			canceled = true
		} else {
			failErr = err
		}
		break
	}
	return c.finish(ctx, r, stopped, canceled, failErr)
}

// finish settles the final status:
//
//	every step confirmed           SUCCEEDED
//	canceled, nothing confirmed    ABORTED
//	canceled, something confirmed  PARTIAL
//	failed, nothing confirmed      FAILED
//	failed, rollback succeeded     FAILED (rolled back)
//	failed otherwise               PARTIAL
//
// A failed step whose transaction may still land is never compensated
// around: the execution is left PARTIAL for reconciliation.
func (c *Coordinator) finish(ctx context.Context, r *run, stopped int, canceled bool, failErr error) domain.MultiTxResult {
	ctx = context.WithoutCancel(ctx)
	p := r.snapshot()
	confirmed := anyConfirmed(p.Steps)

	res := domain.MultiTxResult{
		ExecutionID: p.ExecutionID,
		StrategyID:  p.Strategy.ID,
		Kind:        p.Strategy.Kind,
		Wallet:      p.Wallet,
		Protocol:    p.Strategy.Protocol,
		PositionID:  p.Strategy.PositionID,
		StartedAt:   p.StartedAt,
	}

	switch {
	case stopped < 0:
		res.Status = domain.ExecSucceeded
	case canceled:
		r.markInterrupted()
		res.Status = domain.ExecAborted
		if confirmed {
			res.Status = domain.ExecPartial
		}
	case unsettled(p.Steps, stopped):
		c.logger.Error("failed step may still land, not rolling back",
			slog.String("execution_id", p.ExecutionID),
			slog.Int("step", stopped),
			slog.String("signature", p.Steps[stopped].Signature),
		)
		res.Status = domain.ExecPartial
	case !confirmed:
		res.Status = domain.ExecFailed
	case p.Strategy.Steps[stopped].Recovery.OnFailure == domain.FailureRollback:
		if c.rollback(ctx, r, stopped) {
			res.Status = domain.ExecFailed
			res.RolledBack = true
			metrics.Rollbacks.WithLabelValues("succeeded").Inc()
		} else {
			res.Status = domain.ExecPartial
			metrics.Rollbacks.WithLabelValues("failed").Inc()
		}
	default:
		res.Status = domain.ExecPartial
	}

	if stopped >= 0 {
		res.StoppedAt = &stopped
	}
	if failErr != nil {
		res.ErrorClass = domain.ClassOf(failErr)
		res.Error = failErr.Error()
	} else if r.lostLock() {
		res.Error = "stopped: " + domain.ErrLockLost.Error()
	}

	r.setStatus(res.Status, c.now())
	p = r.snapshot()
	res.Steps = outcomes(p.Strategy.Steps, p.Steps)
	if len(r.comp) > 0 {
		res.Rollback = outcomes(r.comp, p.Rollback)
	}
	res.LastConfirmedSignature = p.LastConfirmedSignature()
	res.Cancel = p.Cancel
	res.FinishedAt = c.now()
	if c.onResult != nil {
		c.onResult(ctx, p.Strategy, &res)
	}

	c.save(ctx, r)
	if err := c.progress.Delete(ctx, p.ExecutionID); err != nil {
		c.logger.Warn("delete progress", slog.String("execution_id", p.ExecutionID), slog.String("error", err.Error()))
	}
	metrics.Executions.WithLabelValues(string(res.Kind), string(res.Status)).Inc()

	c.logger.Info("execution finished",
		slog.String("execution_id", res.ExecutionID),
		slog.String("status", string(res.Status)),
		slog.Bool("rolled_back", res.RolledBack),
		slog.String("cancel", string(res.Cancel)),
		slog.String("error_class", string(res.ErrorClass)),
		slog.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res
}

// rollback compensates the confirmed steps before failed, newest first, with
// the exact amounts the originals used. It reports whether every
// compensation confirmed.
func (c *Coordinator) rollback(ctx context.Context, r *run, failed int) bool {
	if r.resumedRollback {
		c.logger.Warn("rollback already attempted by a previous process, leaving partial",
			slog.String("execution_id", r.id()))
		return false
	}
	for i := failed - 1; i >= 0; i-- {
		if r.progress(slot{index: i}).Status != domain.StepConfirmed {
			continue
		}
		orig := r.step(slot{index: i})
		t, ok := recovery.Compensation(orig.Type)
		if !ok {
			continue
		}
		comp := domain.StrategyStep{
			Index:     orig.Index,
			Type:      t,
			Protocol:  orig.Protocol,
			Params:    domain.StepParams{Token: orig.Params.Token, Amount: orig.Params.Amount},
			DependsOn: -1,
			Recovery:  orig.Recovery,
			Bounds:    domain.StepBounds{MaxFeeUSD: orig.Bounds.MaxFeeUSD},
			Status:    domain.StepPending,
		}
		comp.Recovery.OnFailure = domain.FailureLeavePartial

		c.logger.Warn("compensating step",
			slog.String("execution_id", r.id()),
			slog.Int("step", orig.Index),
			slog.String("original", string(orig.Type)),
			slog.String("compensation", string(t)),
			slog.String("amount", orig.Params.Amount.String()),
		)
		s := r.addCompensation(comp)
		c.save(ctx, r)
		if err := c.runStep(ctx, r, s); err != nil {
			c.logger.Error("compensation failed",
				slog.String("execution_id", r.id()),
				slog.Int("step", orig.Index),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return true
}

// save persists and publishes the current progress. Failures are logged only.
func (c *Coordinator) save(ctx context.Context, r *run) {
	r.touch(c.now())
	p := r.snapshot()
	ctx = context.WithoutCancel(ctx)

	if err := c.progress.Save(ctx, p); err != nil {
		c.logger.Warn("save progress", slog.String("execution_id", p.ExecutionID), slog.String("error", err.Error()))
	}
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, ProgressChannel, payload); err != nil {
		c.logger.Debug("publish progress", slog.String("error", err.Error()))
	}
}
