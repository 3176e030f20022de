package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scholardesk/zotsync/internal/zotsync"
)

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
}

// Server exposes the sync service over HTTP. Routing is method plus path
// segments; auth is a bearer JWT checked per route, except the webhook
// ingress which authenticates by payload signature instead.
type Server struct {
	store *zotsync.Store
	cfg   ServerConfig
}

func NewServer(store *zotsync.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *zotsync.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "zotero" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	// Webhook ingress authenticates via X-Signature, not a bearer token.
	if len(parts) == 4 && parts[2] == "webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, parts[3])
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[2] == "sync" && parts[3] == "jobs" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "schedule_job"
	case len(parts) == 4 && parts[2] == "sync" && parts[3] == "jobs" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "list_jobs"
	case len(parts) == 5 && parts[2] == "sync" && parts[3] == "jobs" && parts[4] == "process" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "process_jobs"
	case len(parts) == 5 && parts[2] == "sync" && parts[3] == "jobs" && parts[4] == "stats" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "job_stats"
	case len(parts) == 5 && parts[2] == "sync" && parts[3] == "jobs" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "get_job"
	case len(parts) == 6 && parts[2] == "sync" && parts[3] == "jobs" && parts[5] == "cancel" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "cancel_job"
	case len(parts) == 6 && parts[2] == "sync" && parts[3] == "connections" && parts[5] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "connection_sync"
	case len(parts) == 4 && parts[2] == "sync" && parts[3] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "list_conflicts"
	case len(parts) == 6 && parts[2] == "sync" && parts[3] == "conflicts" && parts[5] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "resolve_conflict"
	case len(parts) == 5 && parts[2] == "sync" && parts[3] == "queue" && parts[4] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "queue_status"
	case len(parts) == 5 && parts[2] == "sync" && parts[3] == "queue" && parts[4] == "cleanup" && r.Method == http.MethodPost:
		requiredScope = "admin"
		route = "queue_cleanup"
	case len(parts) == 4 && parts[2] == "sync" && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events"
	case len(parts) == 4 && parts[2] == "connections" && r.Method == http.MethodPut:
		requiredScope = "admin"
		route = "put_connection"
	case len(parts) == 4 && parts[2] == "webhook-endpoints" && r.Method == http.MethodPut:
		requiredScope = "admin"
		route = "put_endpoint"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	userID := claims.UserID
	if claims.isAdmin() {
		// Admins see every connection; the store skips ownership checks
		// for the system caller.
		userID = ""
	}

	switch route {
	case "schedule_job":
		s.handleScheduleJob(w, r, userID, correlationID)
	case "list_jobs":
		s.handleListJobs(w, r, userID, correlationID)
	case "process_jobs":
		s.handleProcessJobs(w, r, correlationID)
	case "job_stats":
		s.handleJobStats(w, r, correlationID)
	case "get_job":
		s.handleGetJob(w, r, userID, parts[4], correlationID)
	case "cancel_job":
		s.handleCancelJob(w, r, userID, parts[4], correlationID)
	case "connection_sync":
		s.handleConnectionSync(w, r, userID, parts[4], correlationID)
	case "list_conflicts":
		s.handleListConflicts(w, r, userID, correlationID)
	case "resolve_conflict":
		s.handleResolveConflict(w, r, claims.UserID, userID, parts[4], correlationID)
	case "queue_status":
		s.handleQueueStatus(w, r, correlationID)
	case "queue_cleanup":
		s.handleQueueCleanup(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	case "put_connection":
		s.handlePutConnection(w, r, parts[3], correlationID)
	case "put_endpoint":
		s.handlePutEndpoint(w, r, parts[3], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type scheduleJobBody struct {
	ConnectionID string         `json:"connectionId"`
	JobType      string         `json:"jobType"`
	Priority     int            `json:"priority"`
	ScheduledAt  *time.Time     `json:"scheduledAt"`
	MaxRetries   *int           `json:"maxRetries"`
	Metadata     map[string]any `json:"metadata"`
	Deduplicate  bool           `json:"deduplicate"`
}

func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var body scheduleJobBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	// A blank connection id is bad input, not a missing connection; let the
	// store's validation answer before the ownership check.
	if userID != "" && strings.TrimSpace(body.ConnectionID) != "" {
		if _, err := s.store.GetConnection(r.Context(), userID, body.ConnectionID); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
	}
	job, created, err := s.store.ScheduleSyncJob(r.Context(), zotsync.ScheduleJobRequest{
		ConnectionID: body.ConnectionID,
		JobType:      zotsync.JobType(body.JobType),
		Priority:     body.Priority,
		ScheduledAt:  body.ScheduledAt,
		MaxRetries:   body.MaxRetries,
		Metadata:     body.Metadata,
		Deduplicate:  body.Deduplicate,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	q := r.URL.Query()
	filter := zotsync.JobFilter{
		ConnectionID: strings.TrimSpace(q.Get("connectionId")),
		Limit:        parseBoundedInt(q.Get("limit"), 20, 1, 100),
		Offset:       parseBoundedInt(q.Get("offset"), 0, 0, 1_000_000),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				filter.Statuses = append(filter.Statuses, zotsync.JobStatus(part))
			}
		}
	}
	page, err := s.store.GetSyncJobs(r.Context(), userID, filter)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, userID, jobID, correlationID string) {
	job, err := s.store.GetSyncJob(r.Context(), userID, jobID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, userID, jobID, correlationID string) {
	cancelled, err := s.store.CancelSyncJob(r.Context(), userID, jobID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "cancelled": cancelled})
}

func (s *Server) handleProcessJobs(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.store.ProcessSyncJobs(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	stats, err := s.store.JobStats(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConnectionSync(w http.ResponseWriter, r *http.Request, userID, connectionID, correlationID string) {
	if userID != "" {
		if _, err := s.store.GetConnection(r.Context(), userID, connectionID); err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
	}
	job, created, err := s.store.ScheduleSyncJob(r.Context(), zotsync.ScheduleJobRequest{
		ConnectionID: connectionID,
		JobType:      zotsync.JobTypeManualSync,
		Deduplicate:  true,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	q := r.URL.Query()
	filter := zotsync.ConflictFilter{
		ConnectionID:     strings.TrimSpace(q.Get("connectionId")),
		SyncJobID:        strings.TrimSpace(q.Get("jobId")),
		ResolutionStatus: zotsync.ResolutionStatus(strings.TrimSpace(q.Get("resolutionStatus"))),
		Limit:            parseBoundedInt(q.Get("limit"), 20, 1, 100),
		Offset:           parseBoundedInt(q.Get("offset"), 0, 0, 1_000_000),
	}
	conflicts, err := s.store.ListConflicts(r.Context(), userID, filter)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveConflictBody struct {
	Strategy string `json:"strategy"`
	Notes    string `json:"notes"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, actorID, userID, conflictID, correlationID string) {
	var body resolveConflictBody
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	conflict, err := s.store.ResolveSyncConflict(r.Context(), userID, conflictID, zotsync.ResolutionStrategy(body.Strategy), body.Notes)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if conflict.ResolvedBy == "" {
		conflict.ResolvedBy = actorID
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, err := s.store.QueueStatus(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type cleanupBody struct {
	OlderThanHours int `json:"olderThanHours"`
}

func (s *Server) handleQueueCleanup(w http.ResponseWriter, r *http.Request, correlationID string) {
	body := cleanupBody{OlderThanHours: 24 * 7}
	if r.ContentLength > 0 {
		if !s.decodeJSONBody(w, r, correlationID, &body) {
			return
		}
	}
	removed, err := s.store.CleanupJobs(r.Context(), time.Duration(body.OlderThanHours)*time.Hour)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, endpointID string) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	event, err := s.store.IngestWebhook(r.Context(), endpointID, r.Header.Get("X-Signature"), body)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"event_id": event.ID,
		"status":   "accepted",
	})
}

func (s *Server) handlePutConnection(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	var conn zotsync.Connection
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	// APIKey is excluded from JSON marshalling, so pull it from a sidecar
	// field on write.
	var payload struct {
		UserID       string `json:"userId"`
		ZoteroUserID string `json:"zoteroUserId"`
		APIKey       string `json:"apiKey"`
		Strategy     string `json:"resolutionStrategy"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	conn.ID = connectionID
	conn.UserID = payload.UserID
	conn.ZoteroUserID = payload.ZoteroUserID
	conn.APIKey = payload.APIKey
	conn.Strategy = zotsync.ResolutionStrategy(payload.Strategy)
	if existing, err := s.store.GetConnection(r.Context(), "", connectionID); err == nil {
		conn.LibraryVersion = existing.LibraryVersion
		conn.CreatedAt = existing.CreatedAt
	}
	if err := s.store.PutConnection(r.Context(), &conn); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handlePutEndpoint(w http.ResponseWriter, r *http.Request, endpointID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var payload struct {
		ConnectionID string `json:"connectionId"`
		URL          string `json:"url"`
		Secret       string `json:"secret"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	endpoint := zotsync.WebhookEndpoint{
		ID:           endpointID,
		ConnectionID: payload.ConnectionID,
		URL:          payload.URL,
		Secret:       payload.Secret,
		Status:       zotsync.WebhookEndpointStatus(payload.Status),
	}
	if err := s.store.PutWebhookEndpoint(r.Context(), &endpoint); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func parseBoundedInt(raw string, def, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, zotsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, zotsync.ErrSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error(), correlationID)
	case errors.Is(err, zotsync.ErrPermission):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, zotsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, zotsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, zotsync.ErrUpstream), errors.Is(err, zotsync.ErrBreakerOpen):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}
