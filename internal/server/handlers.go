package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/gitx"
	"github.com/Corvid-Labs/fixstream/internal/logger"
	"github.com/Corvid-Labs/fixstream/internal/run"
)

const contentTypeJSON = "application/json"

// createRetryAttempts bounds run-id reallocation on the offhand chance of
// a collision in the 8-character id space.
const createRetryAttempts = 3

// createRunHandler admits a new run: throttle, validate, register, and
// hand off to the pipeline. Validation failures create nothing.
func (s *Server) createRunHandler(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.respondWithError(w, http.StatusTooManyRequests, "too many run creation requests")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := req.normalize(s.cfg.Git.Host); err != nil {
		s.respondWithFault(w, err)
		return
	}

	newRun := &run.Run{
		RepoURL:       req.RepoURL,
		TeamName:      req.TeamName,
		LeaderName:    req.LeaderName,
		BranchName:    gitx.DeriveBranchName(req.TeamName, req.LeaderName),
		MaxIterations: req.MaxIterations,
	}

	created := false
	for attempt := 0; attempt < createRetryAttempts; attempt++ {
		newRun.ID = run.NewRunID()
		newRun.Workspace = filepath.Join(s.cfg.WorkDir, newRun.ID)
		if err := s.reg.Create(newRun); err == nil {
			created = true
			break
		}
	}
	if !created {
		s.respondWithError(w, http.StatusInternalServerError, "failed to allocate run id")
		return
	}

	s.starter.Start(newRun.ID)

	logger.WithFields(map[string]interface{}{
		"run_id":      newRun.ID,
		"repo_url":    newRun.RepoURL,
		"team_name":   newRun.TeamName,
		"branch_name": newRun.BranchName,
	}).Info("run created")

	s.respondJSON(w, http.StatusCreated, CreateRunResponse{
		RunID:       newRun.ID,
		BranchName:  newRun.BranchName,
		Status:      string(run.StatusPending),
		EventsPath:  fmt.Sprintf("/runs/%s/events", newRun.ID),
		ResultsPath: fmt.Sprintf("/runs/%s/results", newRun.ID),
	})
}

// runStatusHandler returns the lightweight status summary for a run.
func (s *Server) runStatusHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		s.respondWithError(w, http.StatusNotFound, "run not found")
		return
	}
	s.respondJSON(w, http.StatusOK, newRunSummary(snapshot))
}

// runResultsHandler returns the full results payload once a run is
// terminal. A run still working is a normal condition reported as 202,
// never as a failure.
func (s *Server) runResultsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		s.respondWithError(w, http.StatusNotFound, "run not found")
		return
	}

	switch {
	case !snapshot.Status.Terminal():
		s.respondJSON(w, http.StatusAccepted, map[string]string{
			"run_id": snapshot.ID,
			"status": string(snapshot.Status),
			"error":  "run still in progress",
		})
	case snapshot.Status == run.StatusError:
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"run_id": snapshot.ID,
			"status": string(run.StatusError),
			"error":  snapshot.ErrorMessage,
		})
	default:
		s.respondJSON(w, http.StatusOK, newResultsResponse(snapshot))
	}
}

// healthHandler responds to liveness probes.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
