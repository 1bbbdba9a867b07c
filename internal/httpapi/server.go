// Package httpapi exposes the control plane over REST/JSON: run lifecycle,
// subtasks, run attachments (messages, artifacts, logs), the event feed,
// webhook subscriptions, and org/key/billing management.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/strandlabs/controlplane/internal/auth"
	"github.com/strandlabs/controlplane/internal/blob"
	"github.com/strandlabs/controlplane/internal/events"
	"github.com/strandlabs/controlplane/internal/store"
	"github.com/strandlabs/controlplane/internal/webhooks"
)

// RunStore is the slice of the durable store the API reads and writes.
// *store.PostgresStore satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRunsByOrg(ctx context.Context, orgID string, limit int) ([]*store.Run, error)
	TransitionRun(ctx context.Context, p store.TransitionRunParams) (*store.Run, error)
	GetSubtask(ctx context.Context, id string) (*store.Subtask, error)
	ListSubtasksByRun(ctx context.Context, runID string) ([]*store.Subtask, error)
	GetBalance(ctx context.Context, orgID string) (*store.CreditBalance, error)
	AddCredits(ctx context.Context, orgID string, amount decimal.Decimal, reason string) (*store.CreditBalance, error)
	Ping(ctx context.Context) error
}

// PlatformStore is the slice of the table store the API uses.
// *store.TableStore satisfies it.
type PlatformStore interface {
	CreateOrganization(org *store.Organization) error
	GetOrganization(orgID string) (*store.Organization, error)
	AppendRunMessage(msg *store.RunMessage) error
	ListRunMessages(runID string, limit int) ([]store.RunMessage, error)
	CreateRunArtifact(a *store.RunArtifact) error
	GetRunArtifact(id string) (*store.RunArtifact, error)
	ListRunArtifacts(runID string) ([]store.RunArtifact, error)
	ListRunLogs(runID string, limit int) ([]store.RunLog, error)
	CreateWebhookSubscription(sub *store.WebhookSubscriptionRow) error
	DeleteWebhookSubscription(id string) error
}

// RunQueue is where freshly created runs are enqueued for the driver.
// *queue.Queue satisfies it.
type RunQueue interface {
	Enqueue(ctx context.Context, runID string, priority, retryCount int) error
}

// Config wires the server's collaborators. Store, Queue, and Verifier are
// required; the rest degrade gracefully when nil (endpoints return 503).
type Config struct {
	Store    RunStore
	Tables   PlatformStore
	Blobs    blob.Store
	Bus      *events.Bus
	Hooks    *webhooks.Registry
	Keys     *auth.Manager
	Queue    RunQueue
	Verifier auth.Verifier

	// TrustOrgHeader accepts X-Org-ID without a credential. Internal
	// deployments behind a gateway only.
	TrustOrgHeader bool

	// Source is the CloudEvents source URI stamped on API-originated events.
	Source string

	MaxPromptChars   int
	MaxArtifactBytes int64
}

// Server is the REST API node.
type Server struct {
	cfg      Config
	eventLog *EventLog
	logger   *log.Logger
	httpSrv  *http.Server
}

// NewServer builds the server and starts its event log tail.
func NewServer(cfg Config) *Server {
	if cfg.Source == "" {
		cfg.Source = "/controlplane/api"
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = 100_000
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = 64 << 20
	}
	s := &Server{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if cfg.Bus != nil {
		s.eventLog = NewEventLog(cfg.Bus, 0)
	}
	return s
}

// Router assembles all routes. Exposed separately so tests can drive the
// handler stack through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.loggingMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware(s.cfg.Verifier, s.cfg.TrustOrgHeader))

	// Runs.
	api.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/subtasks", s.handleListSubtasks).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/subtasks/{subtask_id}", s.handleGetSubtask).Methods(http.MethodGet)

	// Run attachments.
	api.HandleFunc("/runs/{id}/messages", s.handleAppendMessage).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/logs", s.handleListLogs).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/artifacts", s.handleUploadArtifact).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/artifacts", s.handleListArtifacts).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/artifacts/{artifact_id}", s.handleDownloadArtifact).Methods(http.MethodGet)

	// Event feed.
	api.HandleFunc("/runs/{id}/events", s.handleRunEvents).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/events/stream", s.handleRunEventStream).Methods(http.MethodGet)

	// Webhook subscriptions.
	api.HandleFunc("/webhooks", s.handleCreateWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods(http.MethodDelete)

	// Org, keys, billing.
	api.HandleFunc("/orgs", s.handleCreateOrg).Methods(http.MethodPost)
	api.HandleFunc("/keys", s.handleIssueKey).Methods(http.MethodPost)
	api.HandleFunc("/keys", s.handleListKeys).Methods(http.MethodGet)
	api.HandleFunc("/keys/{key_id}", s.handleRevokeKey).Methods(http.MethodDelete)
	api.HandleFunc("/billing/balance", s.handleGetBalance).Methods(http.MethodGet)
	api.HandleFunc("/billing/credits", s.handleAddCredits).Methods(http.MethodPost)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the event log tail.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.eventLog != nil {
		s.eventLog.Stop()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Org-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
