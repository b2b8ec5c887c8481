package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/walker/internal/service"
)

// createScriptRequest is the JSON body for POST /v1/scripts.
type createScriptRequest struct {
	Name     string `json:"name"`
	Body     string `json:"body"`
	Language string `json:"language"`
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req createScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sc, err := s.svc.CreateScript(r.Context(), identity(r), service.CreateScriptRequest{
		Name:     req.Name,
		Body:     req.Body,
		Language: req.Language,
	})
	if err != nil {
		s.writeServiceError(w, err, "create script")
		return
	}
	s.writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.svc.ListScripts(r.Context(), identity(r))
	if err != nil {
		s.writeServiceError(w, err, "list scripts")
		return
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.svc.GetScript(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "get script")
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}
