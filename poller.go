package esteps

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var (
	errNotReached = errors.New("target status not reached")
	errStaleWait  = errors.New("wait superseded")
)

// awaitStatus polls the remote status until it equals target, showing
// intermediate meanwhile, then moves to the step onReached picks. Polls are
// sequential, bounded by MaxPollAttempts and PollTimeout, and stop as soon
// as epoch is superseded.
func (w *Wizard) awaitStatus(epoch uint64, target ToolStatus, intermediate StepID, onReached func(ToolState) StepID) {
	w.mu.Lock()
	if w.epoch != epoch || w.closed {
		w.unlock()
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if w.opts.PollTimeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, w.opts.PollTimeout)
	} else {
		ctx, cancel = context.WithCancel(w.ctx)
	}
	if w.pollCancel != nil {
		w.pollCancel()
	}
	w.pollCancel = cancel
	w.polls.Add(1)
	w.unlock()

	go func() {
		defer w.polls.Done()
		defer cancel()
		w.poll(ctx, epoch, target, intermediate, onReached)
	}()
}

func (w *Wizard) poll(ctx context.Context, epoch uint64, target ToolStatus, intermediate StepID, onReached func(ToolState) StepID) {
	w.logger.Debugf("Waiting for tool status %s", target)

	var (
		attempt int
		reached ToolState
	)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.opts.PollInterval), uint64(w.opts.MaxPollAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempt++
		state, err := w.channel.FetchStatus(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if state.Status == target {
			reached = state
			return nil
		}
		if !w.showWaiting(epoch, intermediate, state, attempt) {
			return backoff.Permanent(errStaleWait)
		}
		return errNotReached
	}, b)

	switch {
	case err == nil:
		w.logger.Debugf("Tool status %s reached after %d checks", target, attempt)
		w.advance(epoch, onReached(reached))
	case errors.Is(err, errStaleWait), errors.Is(ctx.Err(), context.Canceled):
		w.logger.Debugf("Abandoned wait for tool status %s", target)
	case errors.Is(err, errNotReached), errors.Is(ctx.Err(), context.DeadlineExceeded):
		w.fail(epoch, &Fault{
			Kind:    FaultTimeout,
			Message: fmt.Sprintf("Timed out waiting for the printer to reach %s (%d status checks)", target, attempt),
			Err:     err,
		})
	default:
		w.fail(epoch, err)
	}
}

// showWaiting shows the intermediate step for one unsuccessful status check
func (w *Wizard) showWaiting(epoch uint64, intermediate StepID, state ToolState, attempt int) bool {
	w.mu.Lock()
	defer w.unlock()
	if w.epoch != epoch {
		return false
	}
	step, ok := w.lookup(intermediate)
	if !ok {
		return false
	}
	step.fields[fieldToolStatus] = state.Status.String()
	if state.CurrentTemp != nil {
		step.fields[fieldCurrentTemp] = *state.CurrentTemp
	}
	w.transitionLocked(step)
	w.pending = append(w.pending, Event{
		Kind:    EventPoll,
		From:    step.ID,
		Step:    step.ID,
		Status:  state.Status,
		Attempt: attempt,
	})
	return true
}
