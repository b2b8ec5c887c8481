package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/service"
)

// submitJobRequest is the JSON body for POST /v1/jobs and /v1/jobs/async.
type submitJobRequest struct {
	Targets       []string `json:"targets"`
	Command       string   `json:"command"`
	ScriptID      string   `json:"script_id"`
	RemoteUser    string   `json:"remote_user"`
	Name          string   `json:"name"`
	WaitTimeoutMS *int64   `json:"wait_timeout_ms"`
}

// submitJobResponse carries the submission message and the job snapshot.
type submitJobResponse struct {
	Message string     `json:"message"`
	JobID   string     `json:"job_id"`
	Job     *model.Job `json:"job"`
}

// jobDetail is a job with its mission.
type jobDetail struct {
	*model.Job
	Mission *model.Mission `json:"mission,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, true)
}

func (s *Server) handleSubmitJobAsync(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, false)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, wait bool) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sreq := service.SubmitRequest{
		Targets:    req.Targets,
		Command:    req.Command,
		ScriptID:   req.ScriptID,
		RemoteUser: req.RemoteUser,
		Name:       req.Name,
		Wait:       wait,
	}
	budget := s.cfg.WaitTimeout
	if req.WaitTimeoutMS != nil {
		if *req.WaitTimeoutMS <= 0 {
			s.writeError(w, http.StatusBadRequest, "wait_timeout_ms must be positive")
			return
		}
		budget = time.Duration(*req.WaitTimeoutMS) * time.Millisecond
		sreq.WaitTimeout = &budget
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
		// The wait may outlast the server-wide write timeout.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Now().Add(budget + writeTimeout)); err != nil {
			s.logger.Debug("extend write deadline", "error", err)
		}
	}

	res, err := s.svc.Submit(r.Context(), identity(r), sreq)
	if err != nil {
		s.writeServiceError(w, err, "submit job")
		return
	}

	s.writeJSON(w, status, submitJobResponse{
		Message: res.Message,
		JobID:   res.Job.ID,
		Job:     res.Job,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", service.DefaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	page, err := s.svc.ListJobs(r.Context(), identity(r), limit, offset)
	if err != nil {
		s.writeServiceError(w, err, "list jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := identity(r)

	j, err := s.svc.GetJob(r.Context(), caller, id)
	if err != nil {
		s.writeServiceError(w, err, "get job")
		return
	}
	m, err := s.svc.GetMission(r.Context(), caller, id)
	if err != nil {
		s.writeServiceError(w, err, "get mission")
		return
	}
	s.writeJSON(w, http.StatusOK, jobDetail{Job: j, Mission: m})
}

// writeServiceError maps service errors to HTTP statuses. Unexpected errors
// are logged and hidden from the caller.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, op string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, service.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
