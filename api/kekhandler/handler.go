package kekhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/quorumkey/kek-service-backend/kek"
	"github.com/quorumkey/kek-service-backend/metrics"
)

// Handler serves the KEK lifecycle HTTP API. Every request is resolved to a
// principal by the Authenticator; mutating lifecycle operations additionally
// require the admin role in the caller's tenant. Tenant scoping is strict: a
// caller can only ever address resources of its own tenant, and a mismatch
// is surfaced as Forbidden.
type Handler struct {
	versions *kek.VersionManager
	blobs    *kek.BlobStore
	quorum   *kek.QuorumEngine
	recovery *kek.RecoveryCoordinator

	auth  interfaces.Authenticator
	authz interfaces.Authorizer
	m     *metrics.Metrics
	log   *slog.Logger
}

// NewHandler creates the API handler. m may be nil to disable metrics.
func NewHandler(versions *kek.VersionManager, blobs *kek.BlobStore, quorum *kek.QuorumEngine, recovery *kek.RecoveryCoordinator, auth interfaces.Authenticator, authz interfaces.Authorizer, m *metrics.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		versions: versions,
		blobs:    blobs,
		quorum:   quorum,
		recovery: recovery,
		auth:     auth,
		authz:    authz,
		m:        m,
		log:      log,
	}
}

// RegisterRoutes configures the HTTP router for the KEK API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/kek/versions", h.handleListVersions)
	r.Post("/kek/versions", h.handleCreateVersion)
	r.Post("/kek/rotate", h.handleRotate)
	r.Get("/kek/versions/active", h.handleActiveVersion)
	r.Put("/kek/versions/{id}/status", h.handleSetStatus)

	r.Get("/kek/blobs", h.handleGetBlobs)
	r.Post("/kek/blobs", h.handleProvisionBlob)
	r.Delete("/kek/blobs", h.handleDeleteBlobs)
	r.Delete("/kek/blobs/{principalId}/{versionId}", h.handleDeleteBlob)

	r.Post("/kek/quorum", h.handleCreateTask)
	r.Get("/kek/quorum/{taskId}", h.handleGetTask)
	r.Post("/kek/quorum/{taskId}/shares", h.handleAddContribution)
	r.Get("/kek/quorum/{taskId}/shares", h.handleListContributions)

	r.Post("/kek/recovery", h.handleInitiateRecovery)
	r.Get("/kek/recovery", h.handleListRecovery)
	r.Get("/kek/recovery/{sessionId}", h.handleGetRecovery)
	r.Post("/kek/recovery/{sessionId}/shares", h.handleSubmitShare)
	r.Get("/kek/recovery/{sessionId}/shares", h.handleListShares)
	r.Post("/kek/recovery/{sessionId}/complete", h.handleCompleteRecovery)
	r.Post("/kek/recovery/{sessionId}/cancel", h.handleCancelRecovery)
}

// authenticate resolves the caller and, when admin is set, checks the admin
// role in the caller's tenant. A nil error means the request may proceed.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, op string, admin bool) (interfaces.Principal, bool) {
	caller, err := h.auth.Principal(r)
	if err != nil {
		h.writeError(w, op, err)
		return interfaces.Principal{}, false
	}
	if admin {
		ok, err := h.authz.IsAdmin(r.Context(), caller.ID, caller.TenantID)
		if err != nil {
			h.writeError(w, op, err)
			return interfaces.Principal{}, false
		}
		if !ok {
			h.writeError(w, op, fmt.Errorf("%w: admin role required", interfaces.ErrForbidden))
			h.log.Warn("rejected non-admin caller",
				slog.String("op", op),
				slog.String("principalId", string(caller.ID)),
				slog.String("tenantId", string(caller.TenantID)))
			return interfaces.Principal{}, false
		}
	}
	return caller, true
}

// tenantParam resolves the effective tenant for a request: the tenant_id
// query parameter when present, otherwise the caller's own tenant. Naming
// another tenant is Forbidden.
func tenantParam(r *http.Request, caller interfaces.Principal) (interfaces.TenantID, error) {
	requested := r.URL.Query().Get("tenant_id")
	if requested == "" {
		return caller.TenantID, nil
	}
	if interfaces.TenantID(requested) != caller.TenantID {
		return "", interfaces.ErrForbidden
	}
	return caller.TenantID, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return interfaces.ErrValidation
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, op string, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			h.log.Error("failed to encode response", slog.String("op", op), slog.Any("err", err))
		}
	}
	if h.m != nil {
		h.m.RequestsTotal.WithLabelValues(op, "ok").Inc()
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrStoreUnavailable), errors.Is(err, interfaces.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		h.log.Error("request failed", slog.String("op", op), slog.Any("err", err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
	if h.m != nil {
		h.m.RequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	}
}

func (h *Handler) observe(op string, start time.Time) {
	if h.m != nil {
		h.m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// GET /kek/versions
func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	const op = "list_versions"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}
	tenant, err := tenantParam(r, caller)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	versions, err := h.versions.ListVersions(r.Context(), tenant)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, versions)
}

// POST /kek/versions
func (h *Handler) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	h.createVersion(w, r, "create_version", "initial version")
}

// POST /kek/rotate
func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	h.createVersion(w, r, "rotate", "scheduled rotation")
}

func (h *Handler) createVersion(w http.ResponseWriter, r *http.Request, op, defaultReason string) {
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	var req createVersionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}
	if req.TenantID != "" && interfaces.TenantID(req.TenantID) != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultReason
	}

	var version interfaces.KEKVersion
	var err error
	if op == "rotate" {
		version, err = h.versions.Rotate(r.Context(), caller.TenantID, caller.ID, reason)
		if err == nil && h.m != nil {
			h.m.VersionRotationsTotal.Inc()
		}
	} else {
		version, err = h.versions.CreateVersion(r.Context(), caller.TenantID, caller.ID, reason)
		if err == nil && h.m != nil {
			h.m.VersionsCreatedTotal.Inc()
		}
	}
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusCreated, version)
}

// GET /kek/versions/active
func (h *Handler) handleActiveVersion(w http.ResponseWriter, r *http.Request) {
	const op = "active_version"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}
	tenant, err := tenantParam(r, caller)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	version, err := h.versions.GetActiveVersion(r.Context(), tenant)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, version)
}

// PUT /kek/versions/{id}/status
func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	const op = "set_version_status"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	versionID := interfaces.VersionID(chi.URLParam(r, "id"))
	var req setStatusRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}

	// Tenant check before mutation so a mismatch never changes state.
	current, err := h.versions.GetVersion(r.Context(), versionID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if current.TenantID != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}

	version, err := h.versions.SetStatus(r.Context(), versionID, interfaces.VersionStatus(req.Status))
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, version)
}

// GET /kek/blobs?principal_id&kek_version_id
func (h *Handler) handleGetBlobs(w http.ResponseWriter, r *http.Request) {
	const op = "get_blobs"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}

	principalID := interfaces.PrincipalID(r.URL.Query().Get("principal_id"))
	if principalID == "" {
		principalID = caller.ID
	}
	if principalID != caller.ID {
		// Reading another principal's blobs requires the admin role.
		isAdmin, err := h.authz.IsAdmin(r.Context(), caller.ID, caller.TenantID)
		if err != nil {
			h.writeError(w, op, err)
			return
		}
		if !isAdmin {
			h.writeError(w, op, interfaces.ErrForbidden)
			return
		}
	}

	if versionID := r.URL.Query().Get("kek_version_id"); versionID != "" {
		blob, err := h.blobs.Get(r.Context(), principalID, interfaces.VersionID(versionID))
		if err != nil {
			h.writeError(w, op, err)
			return
		}
		h.writeJSON(w, op, http.StatusOK, blob)
		return
	}

	blobs, err := h.blobs.ListForPrincipal(r.Context(), principalID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, blobs)
}

// POST /kek/blobs
func (h *Handler) handleProvisionBlob(w http.ResponseWriter, r *http.Request) {
	const op = "provision_blob"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	var req provisionBlobRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}

	version, err := h.versions.GetVersion(r.Context(), interfaces.VersionID(req.KEKVersionID))
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if version.TenantID != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}

	blob, err := h.blobs.Provision(r.Context(), interfaces.PrincipalID(req.PrincipalID), version.ID, req.EncryptedBlob)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.BlobsProvisionedTotal.Inc()
	}
	h.writeJSON(w, op, http.StatusCreated, blob)
}

// DELETE /kek/blobs/{principalId}/{versionId}
func (h *Handler) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	const op = "delete_blob"
	defer h.observe(op, time.Now())
	_, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}

	principalID := interfaces.PrincipalID(chi.URLParam(r, "principalId"))
	versionID := interfaces.VersionID(chi.URLParam(r, "versionId"))
	if err := h.blobs.Delete(r.Context(), principalID, versionID); err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.BlobsDeletedTotal.Inc()
	}
	h.writeJSON(w, op, http.StatusNoContent, nil)
}

// DELETE /kek/blobs?principal_id handles principal offboarding.
func (h *Handler) handleDeleteBlobs(w http.ResponseWriter, r *http.Request) {
	const op = "delete_all_blobs"
	defer h.observe(op, time.Now())
	_, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}

	principalID := interfaces.PrincipalID(r.URL.Query().Get("principal_id"))
	if principalID == "" {
		h.writeError(w, op, interfaces.ErrValidation)
		return
	}
	if err := h.blobs.DeleteAllForPrincipal(r.Context(), principalID); err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.BlobsDeletedTotal.Inc()
	}
	h.writeJSON(w, op, http.StatusNoContent, nil)
}

// POST /kek/quorum
func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	const op = "create_task"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}
	if req.TenantID != "" && interfaces.TenantID(req.TenantID) != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}

	task, err := h.quorum.CreateTask(r.Context(), caller.TenantID, interfaces.TaskType(req.TaskType), caller.ID, req.RequiredShares, req.Metadata)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.QuorumTasksTotal.WithLabelValues(string(task.TaskType)).Inc()
	}
	h.writeJSON(w, op, http.StatusCreated, task)
}

// GET /kek/quorum/{taskId}
func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	const op = "get_task"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}

	task, err := h.quorum.GetTask(r.Context(), interfaces.TaskID(chi.URLParam(r, "taskId")))
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if task.TenantID != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}
	h.writeJSON(w, op, http.StatusOK, task)
}

// POST /kek/quorum/{taskId}/shares
func (h *Handler) handleAddContribution(w http.ResponseWriter, r *http.Request) {
	const op = "add_contribution"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}
	taskID := interfaces.TaskID(chi.URLParam(r, "taskId"))
	var req addContributionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}

	task, err := h.quorum.GetTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if task.TenantID != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}

	task, err = h.quorum.AddContribution(r.Context(), taskID, caller.ID, req.ShareData)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if task.Status == interfaces.TaskCompleted && h.m != nil {
		h.m.QuorumCompletionsTotal.Inc()
	}
	h.writeJSON(w, op, http.StatusOK, task)
}

// GET /kek/quorum/{taskId}/shares
func (h *Handler) handleListContributions(w http.ResponseWriter, r *http.Request) {
	const op = "list_contributions"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	taskID := interfaces.TaskID(chi.URLParam(r, "taskId"))

	task, err := h.quorum.GetTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if task.TenantID != caller.TenantID {
		h.writeError(w, op, interfaces.ErrForbidden)
		return
	}

	contributions, err := h.quorum.ListContributions(r.Context(), taskID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, contributions)
}

// POST /kek/recovery
func (h *Handler) handleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	const op = "initiate_recovery"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	var req initiateRecoveryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}

	session, err := h.recovery.Initiate(r.Context(), caller.ID, interfaces.VersionID(req.VersionID), req.Threshold, req.Reason, caller.TenantID, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.RecoverySessionsTotal.WithLabelValues("initiated").Inc()
	}
	h.writeJSON(w, op, http.StatusCreated, session)
}

// GET /kek/recovery
func (h *Handler) handleListRecovery(w http.ResponseWriter, r *http.Request) {
	const op = "list_recovery"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}

	sessions, err := h.recovery.ListForTenant(r.Context(), caller.TenantID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, sessions)
}

// loadSession fetches a session and enforces tenant scoping.
func (h *Handler) loadSession(r *http.Request, caller interfaces.Principal) (interfaces.RecoverySession, error) {
	session, err := h.recovery.Get(r.Context(), interfaces.SessionID(chi.URLParam(r, "sessionId")))
	if err != nil {
		return interfaces.RecoverySession{}, err
	}
	if session.TenantID != caller.TenantID {
		return interfaces.RecoverySession{}, interfaces.ErrForbidden
	}
	return session, nil
}

// GET /kek/recovery/{sessionId}
func (h *Handler) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	const op = "get_recovery"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}
	session, err := h.loadSession(r, caller)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, session)
}

// POST /kek/recovery/{sessionId}/shares
func (h *Handler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	const op = "submit_share"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}
	if _, err := h.loadSession(r, caller); err != nil {
		h.writeError(w, op, err)
		return
	}
	var req submitShareRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}

	session, err := h.recovery.SubmitShare(r.Context(), caller.ID, interfaces.SessionID(chi.URLParam(r, "sessionId")), req.Share, interfaces.PrincipalID(req.EncryptedFor))
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.RecoverySharesTotal.Inc()
	}
	h.writeJSON(w, op, http.StatusOK, session)
}

// GET /kek/recovery/{sessionId}/shares
func (h *Handler) handleListShares(w http.ResponseWriter, r *http.Request) {
	const op = "list_shares"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, false)
	if !ok {
		return
	}
	if _, err := h.loadSession(r, caller); err != nil {
		h.writeError(w, op, err)
		return
	}

	// Callers only ever see the shares addressed to them.
	shares, err := h.recovery.ListShares(r.Context(), interfaces.SessionID(chi.URLParam(r, "sessionId")), caller.ID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeJSON(w, op, http.StatusOK, shares)
}

// POST /kek/recovery/{sessionId}/complete
func (h *Handler) handleCompleteRecovery(w http.ResponseWriter, r *http.Request) {
	const op = "complete_recovery"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	session, err := h.loadSession(r, caller)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	var req completeRecoveryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, op, err)
		return
	}

	result, err := h.recovery.Complete(r.Context(), caller.ID, session.ID, req.RecoveredKEK, req.NewKEKVersion)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.RecoverySessionsTotal.WithLabelValues("completed").Inc()
		h.m.RecoverySessionDuration.Observe(result.CompletedAt.Sub(session.CreatedAt).Seconds())
	}
	h.writeJSON(w, op, http.StatusOK, result)
}

// POST /kek/recovery/{sessionId}/cancel
func (h *Handler) handleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	const op = "cancel_recovery"
	defer h.observe(op, time.Now())
	caller, ok := h.authenticate(w, r, op, true)
	if !ok {
		return
	}
	session, err := h.loadSession(r, caller)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	session, err = h.recovery.Cancel(r.Context(), session.ID)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if h.m != nil {
		h.m.RecoverySessionsTotal.WithLabelValues("cancelled").Inc()
	}
	h.writeJSON(w, op, http.StatusOK, session)
}
