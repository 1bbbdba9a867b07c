package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/strandlabs/controlplane/internal/auth"
	"github.com/strandlabs/controlplane/internal/events"
	"github.com/strandlabs/controlplane/internal/runstate"
	"github.com/strandlabs/controlplane/internal/store"
)

// ============================================================================
// RUN LIFECYCLE
// ============================================================================

type createRunRequest struct {
	UserID          string `json:"user_id"`
	Prompt          string `json:"prompt"`
	Priority        int    `json:"priority"`
	DeadlineSeconds int    `json:"deadline_seconds"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}

	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(req.Prompt) > s.cfg.MaxPromptChars {
		writeError(w, http.StatusBadRequest, "prompt too long")
		return
	}
	if req.Priority < 0 || req.Priority > 10 {
		writeError(w, http.StatusBadRequest, "priority must be 0-10")
		return
	}

	run := &store.Run{
		OrgID:    orgID,
		UserID:   req.UserID,
		Prompt:   req.Prompt,
		State:    runstate.RunCreated,
		Priority: req.Priority,
	}
	if req.DeadlineSeconds > 0 {
		deadline := time.Now().UTC().Add(time.Duration(req.DeadlineSeconds) * time.Second)
		run.DeadlineAt = &deadline
	}

	if err := s.cfg.Store.CreateRun(r.Context(), run); err != nil {
		s.logger.Printf("create run failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	if err := s.cfg.Queue.Enqueue(r.Context(), run.ID, run.Priority, 0); err != nil {
		// The run row exists; the queue reconciler will pick it up.
		s.logger.Printf("enqueue run %s failed: %v", run.ID, err)
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Emit(events.TypeRunStateChanged, s.cfg.Source, run.ID, run.OrgID,
			map[string]interface{}{
				"run_id":     run.ID,
				"org_id":     run.OrgID,
				"from_state": "",
				"to_state":   string(run.State),
			})
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.cfg.Store.ListRunsByOrg(r.Context(), orgID, limit)
	if err != nil {
		s.logger.Printf("list runs failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}

	var req cancelRunRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	if run.State.IsTerminal() {
		writeError(w, http.StatusConflict, "run is already in a terminal state")
		return
	}
	if !runstate.CanTransition(run.State, runstate.RunCancelled) {
		writeError(w, http.StatusConflict, "run cannot be cancelled from state "+string(run.State))
		return
	}

	// Administrative path: no fencing token. The driver's next guarded write
	// fails its version check and it releases the run.
	updated, err := s.cfg.Store.TransitionRun(r.Context(), store.TransitionRunParams{
		RunID:           run.ID,
		From:            run.State,
		To:              runstate.RunCancelled,
		ExpectedVersion: run.StateVersion,
		Actor:           "api",
		Reason:          req.Reason,
	})
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, "run state changed concurrently, retry")
		return
	case errors.Is(err, runstate.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "run cannot be cancelled from its current state")
		return
	case err != nil:
		s.logger.Printf("cancel run %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	if s.cfg.Bus != nil {
		data := map[string]interface{}{
			"run_id":     updated.ID,
			"org_id":     updated.OrgID,
			"from_state": string(run.State),
			"to_state":   string(updated.State),
		}
		s.cfg.Bus.Emit(events.TypeRunStateChanged, s.cfg.Source, updated.ID, updated.OrgID, data)
		s.cfg.Bus.Emit(events.TypeRunCancelled, s.cfg.Source, updated.ID, updated.OrgID, data)
	}

	writeJSON(w, http.StatusOK, updated)
}

// ============================================================================
// SUBTASKS
// ============================================================================

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	subtasks, err := s.cfg.Store.ListSubtasksByRun(r.Context(), run.ID)
	if err != nil {
		s.logger.Printf("list subtasks for %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to list subtasks")
		return
	}
	if subtasks == nil {
		subtasks = []*store.Subtask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subtasks": subtasks})
}

func (s *Server) handleGetSubtask(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	subtaskID := mux.Vars(r)["subtask_id"]
	st, err := s.cfg.Store.GetSubtask(r.Context(), subtaskID)
	if err != nil {
		s.logger.Printf("get subtask %s failed: %v", subtaskID, err)
		writeError(w, http.StatusInternalServerError, "failed to get subtask")
		return
	}
	if st == nil || st.RunID != run.ID {
		writeError(w, http.StatusNotFound, "subtask not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// scopedRun loads the run from the path and enforces org ownership. Runs in
// other orgs read as 404, not 403, so ids do not leak.
func (s *Server) scopedRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	orgID, err := auth.OrgIDFrom(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "org context missing")
		return nil, false
	}
	runID := mux.Vars(r)["id"]
	run, err := s.cfg.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Printf("get run %s failed: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	if run == nil || run.OrgID != orgID {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}
