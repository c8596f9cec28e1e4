package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentinel/internal/chain"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/metrics"
	"github.com/alanyoungcy/sentinel/internal/protocol"
	"github.com/alanyoungcy/sentinel/internal/recovery"
)

// errCanceled marks a step interrupted before its transaction was submitted.
var errCanceled = errors.New("execution canceled")

// runStep drives one step to CONFIRMED or FAILED, consulting the recovery
// policy after every failed attempt. Each retry is a fresh attempt with a new
// blockhash and signature; the step's status stays at the furthest stage
// reached until the new attempt passes it.
func (c *Coordinator) runStep(ctx context.Context, r *run, s slot) error {
	for {
		st := r.step(s)
		log := c.logger.With(
			slog.String("execution_id", r.id()),
			slog.Int("step", st.Index),
			slog.String("type", string(st.Type)),
			slog.Bool("compensation", s.rollback),
		)

		err := c.attempt(ctx, r, s, st)
		if err == nil {
			metrics.StepAttempts.WithLabelValues(string(st.Type), "confirmed").Inc()
			log.Info("step confirmed", slog.String("signature", r.progress(s).Signature))
			return nil
		}
		if errors.Is(err, errCanceled) {
			metrics.StepAttempts.WithLabelValues(string(st.Type), "canceled").Inc()
			log.Info("step canceled before submission")
			return err
		}

		class := domain.ClassOf(err)
		sp := r.progress(s)
		d := c.policy.Decide(st, class, sp.Retries, sp.Requotes)

		switch d.Action {
		case recovery.ActionRetry, recovery.ActionRefreshBlockhash:
			metrics.StepAttempts.WithLabelValues(string(st.Type), "retried").Inc()
			log.Warn("step attempt failed, retrying",
				slog.String("class", string(class)),
				slog.String("action", string(d.Action)),
				slog.Duration("delay", d.Delay),
				slog.String("error", err.Error()),
			)
			r.newAttempt(s, false, err)
			c.save(ctx, r)
			if serr := c.sleep(ctx, d.Delay); serr != nil {
				return errCanceled
			}
			continue

		case recovery.ActionRequote:
			if c.requoter == nil {
				d.Reason = "no re-quoter configured"
				break
			}
			fresh, qerr := c.requoter.Requote(ctx, r.strategy(), st)
			if qerr != nil {
				if ctx.Err() != nil {
					return errCanceled
				}
				log.Warn("re-quote failed", slog.String("error", qerr.Error()))
				err = annotate(err, fmt.Sprintf("re-quote failed: %v", qerr))
				break
			}
			metrics.StepAttempts.WithLabelValues(string(st.Type), "requoted").Inc()
			log.Warn("slippage exceeded, re-quoted step",
				slog.String("amount", fresh.Params.Amount.String()),
				slog.String("min_amount_out", fresh.Bounds.MinAmountOut.String()),
			)
			r.replaceStep(s, fresh)
			r.newAttempt(s, true, err)
			c.save(ctx, r)
			continue
		}

		serr := stepFailure(st, class, err)
		metrics.StepAttempts.WithLabelValues(string(st.Type), "failed").Inc()
		log.Error("step failed",
			slog.String("class", string(class)),
			slog.String("reason", d.Reason),
			slog.String("error", err.Error()),
		)
		r.fail(s, serr)
		c.save(ctx, r)
		return serr
	}
}

// attempt performs one build/sign/submit/confirm cycle. Everything up to
// Submit honours ctx; from Submit on the step runs to a terminal state even
// if the execution is canceled meanwhile.
func (c *Coordinator) attempt(ctx context.Context, r *run, s slot, st domain.StrategyStep) error {
	wallet := r.p.Wallet

	a, err := c.registry.Get(st.Protocol)
	if err != nil {
		return domain.NewStepError(domain.ErrorClassUnknown, err)
	}
	ins, err := protocol.BuildStep(ctx, a, wallet, st)
	if err != nil {
		return interrupted(ctx, err)
	}
	if err := checkBounds(st, ins); err != nil {
		return err
	}
	bh, err := c.chain.LatestBlockhash(ctx, c.opts.Commitment)
	if err != nil {
		return interrupted(ctx, err)
	}

	r.advance(s, domain.StepSigning, nil)
	c.save(ctx, r)

	tx := domain.UnsignedTransaction{
		ID:              uuid.NewString(),
		Wallet:          wallet,
		Instructions:    []domain.Instruction{ins},
		RecentBlockhash: bh,
	}
	tx.Message = chain.CompileMessage(tx)
	signed, err := c.signer.SignTransaction(ctx, tx)
	if err != nil {
		return interrupted(ctx, err)
	}

	if ctx.Err() != nil || !r.beginSubmit(s) {
		return errCanceled
	}
	defer r.endSubmit()

	sctx := context.WithoutCancel(ctx)
	start := time.Now()
	sig, err := c.chain.Submit(sctx, signed)
	if err != nil {
		if err := c.settleFailedSubmit(sctx, r, s, signed.Signature, err); err != nil {
			return err
		}
	} else {
		r.advance(s, domain.StepSubmitted, func(p *domain.StepProgress) { p.Signature = sig })
		c.save(sctx, r)
		if err := c.confirm(sctx, r, s, sig); err != nil {
			return err
		}
	}
	metrics.StepLatency.WithLabelValues(string(st.Type)).Observe(time.Since(start).Seconds())
	r.advance(s, domain.StepConfirmed, nil)
	c.save(sctx, r)
	return nil
}

// settleFailedSubmit looks for the transaction on-chain after Submit failed
// in a way that does not say whether the node forwarded it (a timeout, a
// dropped connection). It returns nil once that transaction confirmed; the
// submit error when it never showed up; the confirmation error otherwise.
func (c *Coordinator) settleFailedSubmit(ctx context.Context, r *run, s slot, sig string, err error) error {
	switch domain.ClassOf(err) {
	case domain.ErrorClassTransient, domain.ErrorClassUnknown:
	default:
		return err
	}
	if sig == "" {
		return err
	}
	cerr := c.confirm(ctx, r, s, sig)
	if cerr == nil {
		c.logger.Warn("transaction landed despite submit error",
			slog.String("execution_id", r.id()),
			slog.String("signature", sig),
			slog.String("submit_error", err.Error()),
		)
		return nil
	}
	if domain.ClassOf(cerr) == domain.ErrorClassBlockhashExpired {
		return err
	}
	return cerr
}

// confirm polls sig until it reaches the configured commitment. A signature
// that never shows up is reported as BLOCKHASH_EXPIRED so the policy can
// re-sign with a fresh blockhash. One that was seen but not confirmed in time
// is UNKNOWN: resubmitting it could execute the action twice.
func (c *Coordinator) confirm(ctx context.Context, r *run, s slot, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	interval := c.opts.ConfirmInterval
	seen := false
	for poll := 0; poll < c.opts.ConfirmPolls; poll++ {
		if poll > 0 {
			if err := c.sleep(ctx, interval); err != nil {
				break
			}
			interval = min(interval*2, 4*c.opts.ConfirmInterval)
		}
		st, err := c.chain.Confirm(ctx, sig, c.opts.Commitment)
		if err != nil {
			if domain.ClassOf(err) == domain.ErrorClassTransient {
				c.logger.Debug("confirm poll failed", slog.String("signature", sig), slog.String("error", err.Error()))
				continue
			}
			return err
		}
		if st.Err != nil {
			// Landed and failed: nothing moved.
			r.dropSignature(s)
			return st.Err
		}
		if !st.Found {
			continue
		}
		seen = true
		if r.progress(s).Stage().Rank() < domain.StepConfirming.Rank() {
			r.advance(s, domain.StepSubmitted, func(p *domain.StepProgress) { p.Signature = sig })
			r.advance(s, domain.StepConfirming, nil)
			c.save(ctx, r)
		}
		if st.Reached(c.opts.Commitment) {
			return nil
		}
	}

	if seen {
		return domain.NewStepError(domain.ErrorClassUnknown,
			fmt.Errorf("signature %s landed but did not reach %s in time", sig, c.opts.Commitment))
	}
	r.dropSignature(s)
	return domain.NewStepError(domain.ErrorClassBlockhashExpired,
		fmt.Errorf("signature %s not found after %d polls", sig, c.opts.ConfirmPolls))
}

// checkBounds verifies the adapter's instruction against the step's bounds
// before anything is signed.
func checkBounds(st domain.StrategyStep, ins domain.Instruction) error {
	b := st.Bounds
	if b.MaxFeeUSD > 0 && ins.EstimatedFeeUSD > b.MaxFeeUSD {
		return domain.NewStepError(domain.ErrorClassTransient,
			fmt.Errorf("estimated fee $%.4f exceeds bound $%.4f", ins.EstimatedFeeUSD, b.MaxFeeUSD))
	}
	if b.MaxSlippageBps > 0 && st.Params.SlippageBps > b.MaxSlippageBps {
		return domain.NewStepError(domain.ErrorClassSlippageExceeded,
			fmt.Errorf("slippage %d bps exceeds bound %d bps", st.Params.SlippageBps, b.MaxSlippageBps))
	}
	if b.MinAmountOut.IsPositive() && ins.MinAmountOut.LessThan(b.MinAmountOut) {
		return domain.NewStepError(domain.ErrorClassSlippageExceeded,
			fmt.Errorf("route minimum out %s below bound %s", ins.MinAmountOut, b.MinAmountOut))
	}
	return nil
}

// stepFailure attaches the step to err. An error that already is a
// classified step error is reused rather than wrapped a second time.
func stepFailure(st domain.StrategyStep, class domain.ErrorClass, err error) *domain.StepExecutionError {
	if se, ok := err.(*domain.StepExecutionError); ok {
		out := *se
		out.StepIndex, out.StepType = st.Index, st.Type
		return &out
	}
	return &domain.StepExecutionError{Class: class, StepIndex: st.Index, StepType: st.Type, Err: err}
}

// annotate appends note to err, inside the classified error when there is one.
func annotate(err error, note string) error {
	if se, ok := err.(*domain.StepExecutionError); ok {
		out := *se
		out.Err = fmt.Errorf("%w (%s)", se.Err, note)
		return &out
	}
	return fmt.Errorf("%w (%s)", err, note)
}

// interrupted turns an error caused by the execution's own cancellation into
// errCanceled.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errCanceled
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
