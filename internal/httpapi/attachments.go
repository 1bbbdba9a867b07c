package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/strandlabs/controlplane/internal/blob"
	"github.com/strandlabs/controlplane/internal/store"
)

// ============================================================================
// RUN MESSAGES
// ============================================================================

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}

	var req appendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Role {
	case "user", "assistant", "system":
	default:
		writeError(w, http.StatusBadRequest, "role must be user, assistant, or system")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := &store.RunMessage{RunID: run.ID, Role: req.Role, Content: req.Content}
	if err := s.cfg.Tables.AppendRunMessage(msg); err != nil {
		s.logger.Printf("append message to %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to append message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.cfg.Tables.ListRunMessages(run.ID, limit)
	if err != nil {
		s.logger.Printf("list messages for %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []store.RunMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// ============================================================================
// RUN LOGS
// ============================================================================

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "log store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.cfg.Tables.ListRunLogs(run.ID, limit)
	if err != nil {
		s.logger.Printf("list logs for %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	if logs == nil {
		logs = []store.RunLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// ============================================================================
// RUN ARTIFACTS
// ============================================================================

// handleUploadArtifact streams the request body into the blob store and
// records the artifact row. Name comes from the ?name= query parameter,
// content type from the Content-Type header.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Tables == nil || s.cfg.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	artifactID := uuid.NewString()
	blobKey := "runs/" + run.ID + "/artifacts/" + artifactID

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxArtifactBytes)
	size, err := s.cfg.Blobs.Put(r.Context(), blobKey, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "artifact too large")
			return
		}
		s.logger.Printf("store artifact for %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	artifact := &store.RunArtifact{
		ID:          artifactID,
		RunID:       run.ID,
		Name:        name,
		ContentType: contentType,
		BlobKey:     blobKey,
		SizeBytes:   size,
	}
	if err := s.cfg.Tables.CreateRunArtifact(artifact); err != nil {
		// Orphaned blob; remove it so metadata and bytes stay in step.
		s.cfg.Blobs.Delete(r.Context(), blobKey)
		s.logger.Printf("record artifact for %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to record artifact")
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}
	artifacts, err := s.cfg.Tables.ListRunArtifacts(run.ID)
	if err != nil {
		s.logger.Printf("list artifacts for %s failed: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []store.RunArtifact{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	run, ok := s.scopedRun(w, r)
	if !ok {
		return
	}
	if s.cfg.Tables == nil || s.cfg.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}

	artifactID := mux.Vars(r)["artifact_id"]
	artifact, err := s.cfg.Tables.GetRunArtifact(artifactID)
	if err != nil {
		s.logger.Printf("get artifact %s failed: %v", artifactID, err)
		writeError(w, http.StatusInternalServerError, "failed to get artifact")
		return
	}
	if artifact == nil || artifact.RunID != run.ID {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	rc, err := s.cfg.Blobs.Get(r.Context(), artifact.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact content missing")
		return
	}
	if err != nil {
		s.logger.Printf("read artifact %s failed: %v", artifactID, err)
		writeError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Name+`"`)
	if artifact.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	}
	io.Copy(w, rc)
}
