package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/walker/internal/adapter"
	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/store"
)

// MsgNoResult is the trail message for a host the adapter did not report on.
const MsgNoResult = "adapter reported no result for host"

// MsgExecutorLost is the trail message for hosts of a job whose executor did
// not survive a restart.
const MsgExecutorLost = "executor lost before the job finished"

const (
	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
)

// ErrAlreadyRunning is returned by Dispatch for a job whose executor has not
// finished yet.
var ErrAlreadyRunning = errors.New("job already running")

// Options configures an Engine.
type Options struct {
	// AdapterName selects the adapter from the registry. Empty selects the
	// registry default.
	AdapterName string

	// CredentialRef is handed to ResolveCredential for every run.
	CredentialRef string

	// ResolveCredential defaults to adapter.ResolveKeyFile.
	ResolveCredential adapter.CredentialResolver

	// MaxConcurrent bounds the number of executors running at once. Zero means
	// unbounded.
	MaxConcurrent int64
}

// Engine owns the background executors.
type Engine struct {
	store    store.Store
	registry *adapter.Registry
	logger   *slog.Logger
	opts     Options
	notifier *Notifier
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]*Run
}

// Run is the handle of one dispatched executor.
type Run struct {
	JobID string
	done  chan struct{}
}

// Done is closed after the executor wrote its terminal state, or gave up.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// New creates an engine that persists to s and resolves adapters from reg.
func New(s store.Store, reg *adapter.Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.ResolveCredential == nil {
		opts.ResolveCredential = adapter.ResolveKeyFile
	}
	if opts.CredentialRef == "" {
		opts.CredentialRef = adapter.DefaultCredentialRef
	}
	e := &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		opts:     opts,
		notifier: NewNotifier(),
		running:  make(map[string]*Run),
	}
	if opts.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return e
}

// Notifier returns the engine's job state notifier.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// Dispatch starts the executor for a job that is already persisted as
// pending. It returns without waiting for the adapter. The executor works on
// copies of j and m.
func (e *Engine) Dispatch(j *model.Job, m *model.Mission) (*Run, error) {
	e.mu.Lock()
	if _, ok := e.running[j.ID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, j.ID)
	}
	run := &Run{JobID: j.ID, done: make(chan struct{})}
	e.running[j.ID] = run
	e.mu.Unlock()

	jCopy := *j
	jCopy.Trails = append([]model.Trail(nil), j.Trails...)
	mCopy := *m

	jobsSubmitted.Inc()
	e.wg.Go(func() {
		e.execute(run, &jCopy, &mCopy)
	})
	return run, nil
}

// FailOrphans marks jobs left unfinished by a previous process as
// setup_failed. Call it before the first Dispatch.
func (e *Engine) FailOrphans(ctx context.Context) ([]string, error) {
	ids, err := e.store.FailOrphanedJobs(ctx, model.FailureSummary(MsgExecutorLost))
	if err != nil {
		return nil, fmt.Errorf("fail orphaned jobs: %w", err)
	}
	for _, id := range ids {
		jobsFinished.WithLabelValues(string(model.StateSetupFailed)).Inc()
		e.logger.Warn("job orphaned by a previous run, marked setup_failed", "job_id", id)
	}
	return ids, nil
}

// Wait blocks until all in-flight executors complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown waits for in-flight executors until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for executors: %w", ctx.Err())
	}
}

// progress records how far a run got, so a panic can be settled without
// discarding per-host results already written.
type progress struct {
	returned bool
	res      adapter.Result
	runErr   error
	handled  map[string]bool
	failed   int
}

// execute runs the job lifecycle: credential, adapter, trails, terminal state.
func (e *Engine) execute(run *Run, j *model.Job, m *model.Mission) {
	defer func() {
		e.mu.Lock()
		delete(e.running, run.JobID)
		e.mu.Unlock()
		e.notifier.Close(run.JobID)
		close(run.done)
	}()

	if e.sem != nil {
		// Background context: Acquire cannot fail.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
	}

	activeRuns.Inc()
	defer activeRuns.Dec()

	p := &progress{handled: make(map[string]bool)}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panic", "job_id", j.ID, "panic", r)
			cause := fmt.Errorf("executor panic: %v", r)
			if p.returned {
				e.settle(j, p, cause)
				return
			}
			e.finishSetupFailed(j, cause)
		}
	}()

	logger := e.logger.With("job_id", j.ID, "owner_id", j.OwnerID)
	logger.Info("mission start", "hosts", len(j.Trails), "kind", m.Kind)

	cred, err := e.opts.ResolveCredential(e.opts.CredentialRef)
	if err != nil {
		e.finishSetupFailed(j, fmt.Errorf("resolve credential: %w", err))
		return
	}

	a, err := e.registry.Resolve(e.opts.AdapterName)
	if err != nil {
		e.finishSetupFailed(j, fmt.Errorf("resolve adapter: %w", err))
		return
	}

	start := time.Now()
	res, runErr := a.Run(context.Background(), adapter.NewRequest(j, m, cred))
	adapterRunSeconds.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())

	if runErr != nil && res.Empty() {
		e.finishSetupFailed(j, fmt.Errorf("adapter %s: %w", a.Name(), runErr))
		return
	}
	if runErr != nil {
		logger.Warn("adapter returned partial results", "adapter", a.Name(), "error", runErr)
	}

	p.returned, p.res, p.runErr = true, res, runErr
	e.complete(j, p)
}

// complete writes every trail and then the completed state with the
// aggregate code.
func (e *Engine) complete(j *model.Job, p *progress) {
	for _, host := range j.Hosts() {
		summary, hasSummary := p.res.Summaries[host]
		output, hasOutput := p.res.Outputs[host]
		synthesized := !hasSummary || !hasOutput
		if synthesized {
			summary = model.FailureSummary(MsgNoResult)
			p.failed++
		}

		err := retry(func() error {
			return e.store.UpdateTrail(context.Background(), j.ID, host, summary, output)
		})
		p.handled[host] = true
		if err != nil {
			e.logger.Error("failed to write trail", "job_id", j.ID, "host", host, "error", err)
			if !synthesized {
				p.failed++
			}
		}
	}

	code := aggregateCode(p.res.AggregateState, p.failed, p.runErr != nil)
	e.finish(j.ID, model.StateCompleted, &code)
}

// settle finishes a run that panicked after the adapter returned. Trails
// already handled are kept, the rest carry cause, and the job is completed
// with a failure-encoded aggregate.
func (e *Engine) settle(j *model.Job, p *progress, cause error) {
	summary := model.FailureSummary(cause.Error())
	for _, host := range j.Hosts() {
		if p.handled[host] {
			continue
		}
		p.failed++
		err := retry(func() error {
			return e.store.UpdateTrail(context.Background(), j.ID, host, summary, "")
		})
		if err != nil {
			e.logger.Error("failed to write trail", "job_id", j.ID, "host", host, "error", err)
		}
	}

	code := aggregateCode(p.res.AggregateState, max(p.failed, 1), true)
	e.finish(j.ID, model.StateCompleted, &code)
}

// aggregateCode returns the code persisted for a completed job. Hosts the
// engine had to fail itself must not disappear behind a zero code.
func aggregateCode(reported, failed int, adapterErr bool) int {
	switch {
	case reported < 0:
		return max(1, failed)
	case reported == 0 && failed > 0:
		return failed
	case reported == 0 && adapterErr:
		return 1
	}
	return reported
}

// finishSetupFailed marks every trail with cause and the job setup_failed.
func (e *Engine) finishSetupFailed(j *model.Job, cause error) {
	e.logger.Error("failed to establish mission", "job_id", j.ID, "error", cause)

	summary := model.FailureSummary(cause.Error())
	for _, host := range j.Hosts() {
		err := retry(func() error {
			return e.store.UpdateTrail(context.Background(), j.ID, host, summary, "")
		})
		if err != nil {
			e.logger.Error("failed to write trail", "job_id", j.ID, "host", host, "error", err)
		}
	}
	e.finish(j.ID, model.StateSetupFailed, nil)
}

// finish performs the terminal write. It is the last store write of a run.
func (e *Engine) finish(id string, to model.State, code *int) {
	var prev model.State
	err := retry(func() error {
		var err error
		prev, err = e.store.TransitionJob(context.Background(), id, to, code)
		return err
	})
	if err != nil {
		e.logger.Error("failed to write terminal state", "job_id", id, "state", to, "error", err)
		return
	}

	jobsFinished.WithLabelValues(string(to)).Inc()
	if prev == model.StateTimedOut {
		lateCompletions.Inc()
		e.logger.Warn("job finished after its wait timed out", "job_id", id, "state", to)
	}
	if to == model.StateCompleted {
		e.logger.Info("mission completed.", "job_id", id, "aggregate_code", *code)
	}
	e.notifier.Publish(id, to)
}

// retry runs op up to writeAttempts times with a growing backoff. Invalid
// transitions and missing rows are not retried.
func retry(op func() error) error {
	var err error
	for attempt := range writeAttempts {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt < writeAttempts-1 {
			time.Sleep(writeBackoff * time.Duration(attempt+1))
		}
	}
	return err
}
