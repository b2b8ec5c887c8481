package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/store"
)

const (
	// DefaultWaitTimeout bounds a synchronous submission when the caller does
	// not choose a budget.
	DefaultWaitTimeout = 3 * time.Minute

	// DefaultPollInterval is how often the Waiter re-reads a job.
	DefaultPollInterval = 100 * time.Millisecond
)

// Waiter blocks a caller until a job is terminal or a budget expires.
type Waiter struct {
	store    store.Store
	notifier *Notifier
	interval time.Duration
	logger   *slog.Logger
}

// NewWaiter creates a waiter reading from s. n may be nil, in which case the
// waiter relies on polling alone.
func NewWaiter(s store.Store, n *Notifier, interval time.Duration, logger *slog.Logger) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Waiter{store: s, notifier: n, interval: interval, logger: logger}
}

// Wait returns the job once it is terminal. Every check is a fresh store
// read. If budget elapses first the job is moved to timed_out, unless the
// executor finished in the meantime, and the current job is returned. The
// executor is never interrupted.
func (w *Waiter) Wait(ctx context.Context, jobID string, budget time.Duration) (*model.Job, error) {
	if budget <= 0 {
		budget = DefaultWaitTimeout
	}

	var events <-chan model.State
	if w.notifier != nil {
		ch, unsubscribe := w.notifier.Subscribe(jobID)
		defer unsubscribe()
		events = ch
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		j, err := w.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("read job: %w", err)
		}
		if j.State.Terminal() {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return w.expire(ctx, jobID)
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// expire marks a job timed_out. Losing the race to the executor is not an
// error: the fresh terminal state is returned instead.
func (w *Waiter) expire(ctx context.Context, jobID string) (*model.Job, error) {
	_, err := w.store.TransitionJob(ctx, jobID, model.StateTimedOut, nil)
	switch {
	case err == nil:
		waitTimeouts.Inc()
		if w.notifier != nil {
			w.notifier.Publish(jobID, model.StateTimedOut)
		}
		w.logger.Info("wait budget exhausted, job timed out", "job_id", jobID)
	case errors.Is(err, store.ErrInvalidTransition):
	default:
		return nil, fmt.Errorf("mark job timed out: %w", err)
	}

	j, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return j, nil
}
