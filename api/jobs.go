package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scribe/horosafe"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/kit"
	"github.com/hazyhaar/scribe/orchestrator"
)

type submitJobRequest struct {
	Path     string     `json:"path"` // relative to the artifacts directory
	Filename string     `json:"filename"`
	Params   job.Params `json:"params"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", orchestrator.ErrInvalid, err))
		return
	}
	if req.Path == "" {
		s.fail(w, r, fmt.Errorf("%w: path is required", orchestrator.ErrInvalid))
		return
	}
	if s.artifactsDir == "" {
		s.fail(w, r, fmt.Errorf("%w: direct submission is disabled", orchestrator.ErrInvalid))
		return
	}
	path, err := horosafe.SafePath(s.artifactsDir, req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.jobs.SubmitJob(r.Context(), orchestrator.SubmitRequest{
		ArtifactPath: path,
		Filename:     req.Filename,
		Params:       req.Params,
		Owner:        kit.Owner(r.Context()),
	})
	s.writeSubmitted(w, r, snap, err)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}
	jobs, err := s.jobs.ListJobs(r.Context(), kit.Owner(r.Context()), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.jobs.CancelJob(kit.WithJobID(r.Context(), id), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if !snap.Status.Terminal() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, snap)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.jobs.RetryJob(kit.WithJobID(r.Context(), id), id)
	s.writeSubmitted(w, r, snap, err)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	hist, err := s.jobs.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
