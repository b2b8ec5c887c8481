// Package service implements the transport-independent operations of the
// walker: submitting jobs, querying them and managing scripts. Every
// operation takes the caller's identity explicitly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/walker/internal/engine"
	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/store"
)

// Messages returned with a submission.
const (
	MsgStarted     = "mission start"
	MsgCompleted   = "mission completed"
	MsgTimedOut    = "mission timed out, execution continues in the background"
	MsgSetupFailed = "failed to establish mission"
	MsgWaitAborted = "stopped waiting for mission, execution continues in the background"
)

const (
	nameTimeLayout = "20060102150405"
	maxNameSuffix  = 48

	// DefaultListLimit is used when a list call passes no limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single page of jobs.
	MaxListLimit = 500
)

// Service wires the store, the engine and the waiter together.
type Service struct {
	store       store.Store
	engine      *engine.Engine
	waiter      *engine.Waiter
	logger      *slog.Logger
	waitTimeout time.Duration
	now         func() time.Time
}

// New creates a service. waitTimeout is the budget of a synchronous
// submission that does not pick its own.
func New(s store.Store, eng *engine.Engine, w *engine.Waiter, logger *slog.Logger, waitTimeout time.Duration) *Service {
	if waitTimeout <= 0 {
		waitTimeout = engine.DefaultWaitTimeout
	}
	return &Service{
		store:       s,
		engine:      eng,
		waiter:      w,
		logger:      logger,
		waitTimeout: waitTimeout,
		now:         time.Now,
	}
}

// SubmitRequest describes one job. Exactly one of Command and ScriptID must
// be set.
type SubmitRequest struct {
	Targets    []string
	Command    string
	ScriptID   string
	RemoteUser string
	Name       string
	// WaitTimeout overrides the configured wait budget when non-nil.
	WaitTimeout *time.Duration
	// Wait makes Submit block until the job is terminal or the budget runs out.
	Wait bool
}

// SubmitResult is the outcome of a submission. Job holds the per-host
// snapshot at return time.
type SubmitResult struct {
	Message string     `json:"message"`
	Job     *model.Job `json:"job"`
}

// Submit validates req, persists the job in pending state and dispatches it.
// Nothing is persisted when validation fails.
func (s *Service) Submit(ctx context.Context, id model.Identity, req SubmitRequest) (*SubmitResult, error) {
	hosts, err := normalizeTargets(req.Targets)
	if err != nil {
		return nil, err
	}
	if err := validateRemoteUser(req.RemoteUser); err != nil {
		return nil, err
	}

	command := strings.TrimSpace(req.Command)
	scriptID := strings.TrimSpace(req.ScriptID)
	if (command == "") == (scriptID == "") {
		return nil, invalid("command", ErrCommandRequired)
	}

	var script *model.Script
	if scriptID != "" {
		script, err = s.store.GetOwnedScript(ctx, scriptID, id.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, scriptID)
		}
		if err != nil {
			return nil, fmt.Errorf("get script: %w", err)
		}
	}

	now := s.now().UTC()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		suffix := command
		if script != nil {
			suffix = script.Name
		}
		name = defaultName(now, suffix)
	}

	j := model.NewJob(name, id.UserID, hosts, now)
	var m *model.Mission
	if script != nil {
		m = model.NewScriptMission(j.ID, script, req.RemoteUser)
	} else {
		m = model.NewInlineMission(j.ID, command, req.RemoteUser)
	}

	if err := s.store.CreateJob(ctx, j, m); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := s.engine.Dispatch(j, m); err != nil {
		s.logger.Error("dispatch failed", "job_id", j.ID, "error", err)
		if _, terr := s.store.TransitionJob(ctx, j.ID, model.StateSetupFailed, nil); terr != nil {
			s.logger.Error("failed to mark job setup_failed", "job_id", j.ID, "error", terr)
		}
		return s.snapshot(ctx, j.ID, MsgSetupFailed)
	}

	s.logger.Info("job submitted", "job_id", j.ID, "owner_id", id.UserID, "hosts", len(hosts), "kind", m.Kind)

	if !req.Wait {
		return s.snapshot(ctx, j.ID, MsgStarted)
	}

	budget := s.waitTimeout
	if req.WaitTimeout != nil && *req.WaitTimeout > 0 {
		budget = *req.WaitTimeout
	}
	final, err := s.waiter.Wait(ctx, j.ID, budget)
	if err != nil {
		// The job exists and keeps running, so the caller still gets its id.
		s.logger.Warn("wait for job failed", "job_id", j.ID, "error", err)
		return s.snapshot(context.WithoutCancel(ctx), j.ID, MsgWaitAborted)
	}
	return &SubmitResult{Message: messageFor(final.State), Job: final}, nil
}

func (s *Service) snapshot(ctx context.Context, jobID, msg string) (*SubmitResult, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &SubmitResult{Message: msg, Job: j}, nil
}

func messageFor(st model.State) string {
	switch st {
	case model.StateCompleted:
		return MsgCompleted
	case model.StateTimedOut:
		return MsgTimedOut
	case model.StateSetupFailed:
		return MsgSetupFailed
	}
	return MsgStarted
}

// defaultName builds "<timestamp>-<command or script name>", keeping the
// first line of the command only.
func defaultName(now time.Time, suffix string) string {
	suffix, _, _ = strings.Cut(suffix, "\n")
	suffix = strings.TrimSpace(suffix)
	if r := []rune(suffix); len(r) > maxNameSuffix {
		suffix = string(r[:maxNameSuffix])
	}
	return now.Format(nameTimeLayout) + "-" + suffix
}

// JobPage is one page of a caller's jobs.
type JobPage struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ListJobs returns the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, id model.Identity, limit, offset int) (*JobPage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	jobs, total, err := s.store.ListJobs(ctx, id.UserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return &JobPage{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

// GetJob returns the job with its trails. A job owned by someone else is
// reported as ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, id model.Identity, jobID string) (*model.Job, error) {
	if !model.ValidID(jobID) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	j, err := s.store.GetOwnedJob(ctx, jobID, id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetMission returns the command bound to a job the caller owns.
func (s *Service) GetMission(ctx context.Context, id model.Identity, jobID string) (*model.Mission, error) {
	if _, err := s.GetJob(ctx, id, jobID); err != nil {
		return nil, err
	}
	m, err := s.store.GetMission(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return m, nil
}

// Stats returns the caller's job counts.
func (s *Service) Stats(ctx context.Context, id model.Identity) (*store.JobStats, error) {
	st, err := s.store.GetJobStats(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return st, nil
}
