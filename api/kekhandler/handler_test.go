package kekhandler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/quorumkey/kek-service-backend/kek"
	"github.com/quorumkey/kek-service-backend/metrics"
	"github.com/quorumkey/kek-service-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	payloads := storage.NewMemoryBackend()

	versions := kek.NewVersionManager(store, log)
	authz := NewStaticAuthorizer()
	authz.Grant("t1", "admin")
	authz.Grant("t2", "admin2")

	handler := NewHandler(
		versions,
		kek.NewBlobStore(store, payloads, log),
		kek.NewQuorumEngine(store, log),
		kek.NewRecoveryCoordinator(store, payloads, versions, log),
		HeaderAuthenticator{},
		authz,
		metrics.New("test"),
		log,
	)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func doRequest(t *testing.T, router chi.Router, method, path string, principal, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err, "Failed to encode request body")
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if principal != "" {
		req.Header.Set(HeaderPrincipalID, principal)
		req.Header.Set(HeaderTenantID, tenant)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "Failed to decode response: %s", rec.Body.String())
	return v
}

func TestHandler_Authentication(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/kek/versions", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "Missing identity headers should be 401")

	rec = doRequest(t, router, http.MethodPost, "/kek/versions", "alice", "t1", createVersionRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code, "Non-admin caller should not create versions")

	rec = doRequest(t, router, http.MethodGet, "/kek/versions?tenant_id=t2", "admin", "t1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "Naming another tenant should be rejected")
}

func TestHandler_VersionLifecycle(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/kek/versions/active", "admin", "t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "No active version before the first create")

	rec = doRequest(t, router, http.MethodPost, "/kek/versions", "admin", "t1", createVersionRequest{TenantID: "t1", Reason: "init"})
	require.Equal(t, http.StatusCreated, rec.Code, "Version creation should succeed: %s", rec.Body.String())
	v1 := decodeResponse[interfaces.KEKVersion](t, rec)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, interfaces.VersionActive, v1.Status)

	rec = doRequest(t, router, http.MethodPost, "/kek/rotate", "admin", "t1", createVersionRequest{Reason: "scheduled"})
	require.Equal(t, http.StatusCreated, rec.Code)
	v2 := decodeResponse[interfaces.KEKVersion](t, rec)
	assert.Equal(t, 2, v2.VersionNumber)

	rec = doRequest(t, router, http.MethodGet, "/kek/versions/active", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeResponse[interfaces.KEKVersion](t, rec)
	assert.Equal(t, v2.ID, active.ID, "Rotation should change the active version")

	rec = doRequest(t, router, http.MethodPut, "/kek/versions/"+string(v1.ID)+"/status", "admin", "t1", setStatusRequest{Status: "deprecated"})
	require.Equal(t, http.StatusOK, rec.Code)
	deprecated := decodeResponse[interfaces.KEKVersion](t, rec)
	assert.Equal(t, interfaces.VersionDeprecated, deprecated.Status)

	rec = doRequest(t, router, http.MethodPut, "/kek/versions/"+string(v1.ID)+"/status", "admin2", "t2", setStatusRequest{Status: "active"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "Another tenant's admin should not touch the version")

	rec = doRequest(t, router, http.MethodPut, "/kek/versions/missing/status", "admin", "t1", setStatusRequest{Status: "deprecated"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/kek/versions", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decodeResponse[[]interfaces.KEKVersion](t, rec)
	require.Len(t, versions, 2)
	assert.Equal(t, v2.ID, versions[0].ID, "Listing should be newest first")
}

func TestHandler_Blobs(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/kek/versions", "admin", "t1", createVersionRequest{Reason: "init"})
	require.Equal(t, http.StatusCreated, rec.Code)
	v1 := decodeResponse[interfaces.KEKVersion](t, rec)

	rec = doRequest(t, router, http.MethodPost, "/kek/blobs", "admin", "t1", provisionBlobRequest{
		PrincipalID:   "alice",
		KEKVersionID:  string(v1.ID),
		EncryptedBlob: []byte("ciphertext"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, "Provisioning should succeed: %s", rec.Body.String())

	rec = doRequest(t, router, http.MethodPost, "/kek/blobs", "admin", "t1", provisionBlobRequest{
		PrincipalID:   "alice",
		KEKVersionID:  "missing",
		EncryptedBlob: []byte("ciphertext"),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "Unknown version should be 404")

	// Principals read their own blobs without any role
	rec = doRequest(t, router, http.MethodGet, "/kek/blobs?kek_version_id="+string(v1.ID), "alice", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blob := decodeResponse[interfaces.KEKBlob](t, rec)
	assert.Equal(t, []byte("ciphertext"), blob.EncryptedBlob)

	rec = doRequest(t, router, http.MethodGet, "/kek/blobs?principal_id=alice", "bob", "t1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "Reading another principal's blobs requires admin")

	rec = doRequest(t, router, http.MethodGet, "/kek/blobs?principal_id=alice", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blobs := decodeResponse[[]interfaces.KEKBlob](t, rec)
	assert.Len(t, blobs, 1)

	rec = doRequest(t, router, http.MethodDelete, "/kek/blobs/alice/"+string(v1.ID), "admin", "t1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/kek/blobs?principal_id=alice", "admin", "t1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "Offboarding an already-clean principal is a no-op")

	rec = doRequest(t, router, http.MethodDelete, "/kek/blobs", "admin", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "Offboarding requires principal_id")
}

func TestHandler_Quorum(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/kek/quorum", "admin", "t1", createTaskRequest{
		TenantID:       "t1",
		TaskType:       "kek_rotation",
		RequiredShares: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, "Task creation should succeed: %s", rec.Body.String())
	task := decodeResponse[interfaces.QuorumTask](t, rec)

	rec = doRequest(t, router, http.MethodPost, "/kek/quorum", "admin", "t1", createTaskRequest{TaskType: "kek_rotation", RequiredShares: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "requiredShares below 1 should be 400")

	base := "/kek/quorum/" + string(task.ID)
	rec = doRequest(t, router, http.MethodPost, base+"/shares", "holder1", "t1", addContributionRequest{ShareData: []byte("s1")})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeResponse[interfaces.QuorumTask](t, rec)
	assert.Equal(t, 1, got.CollectedShares)

	rec = doRequest(t, router, http.MethodPost, base+"/shares", "holder1", "t1", addContributionRequest{ShareData: []byte("s1")})
	assert.Equal(t, http.StatusConflict, rec.Code, "Duplicate contribution should be 409")

	rec = doRequest(t, router, http.MethodPost, base+"/shares", "holder2", "t1", addContributionRequest{ShareData: []byte("s2")})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeResponse[interfaces.QuorumTask](t, rec)
	assert.Equal(t, interfaces.TaskCompleted, got.Status, "Threshold contribution should complete the task")

	rec = doRequest(t, router, http.MethodGet, base, "admin2", "t2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "Tasks are tenant-scoped")

	rec = doRequest(t, router, http.MethodGet, base+"/shares", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	contributions := decodeResponse[[]interfaces.ShareContribution](t, rec)
	assert.Len(t, contributions, 2)
}

func TestHandler_RecoveryFlow(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/kek/versions", "admin", "t1", createVersionRequest{Reason: "init"})
	require.Equal(t, http.StatusCreated, rec.Code)
	v1 := decodeResponse[interfaces.KEKVersion](t, rec)

	rec = doRequest(t, router, http.MethodPost, "/kek/recovery", "admin", "t1", initiateRecoveryRequest{
		VersionID: string(v1.ID),
		Threshold: 2,
		Reason:    "lost laptop",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "Initiation should succeed: %s", rec.Body.String())
	session := decodeResponse[interfaces.RecoverySession](t, rec)
	base := "/kek/recovery/" + string(session.ID)

	share := func(y string) json.RawMessage {
		return json.RawMessage(`{"x":1,"y":"` + y + `"}`)
	}
	rec = doRequest(t, router, http.MethodPost, base+"/shares", "holderA", "t1", submitShareRequest{Share: share("YQ=="), EncryptedFor: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, "Share submission should succeed: %s", rec.Body.String())

	rec = doRequest(t, router, http.MethodPost, base+"/complete", "admin", "t1", completeRecoveryRequest{
		RecoveredKEK:  []byte("evidence"),
		NewKEKVersion: kek.NewVersionSpec{Reason: "recovered"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "Completion below threshold should be 400")
	assert.True(t, strings.Contains(rec.Body.String(), "not enough shares"), "Error should say how many shares are missing")

	rec = doRequest(t, router, http.MethodPost, base+"/shares", "holderB", "t1", submitShareRequest{Share: share("Yg=="), EncryptedFor: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The recovering principal retrieves the shares addressed to it
	rec = doRequest(t, router, http.MethodGet, base+"/shares", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	shares := decodeResponse[[]interfaces.RecoveryShare](t, rec)
	assert.Len(t, shares, 2)

	rec = doRequest(t, router, http.MethodGet, base+"/shares", "holderA", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeResponse[[]interfaces.RecoveryShare](t, rec), "Holders see no shares addressed to others")

	rec = doRequest(t, router, http.MethodPost, base+"/complete", "admin", "t1", completeRecoveryRequest{
		RecoveredKEK:  []byte("evidence"),
		NewKEKVersion: kek.NewVersionSpec{Reason: "recovered"},
	})
	require.Equal(t, http.StatusOK, rec.Code, "Completion should succeed: %s", rec.Body.String())
	result := decodeResponse[interfaces.RecoveryResult](t, rec)
	assert.Equal(t, v1.ID, result.VersionID)
	assert.NotEmpty(t, result.NewVersionID)

	rec = doRequest(t, router, http.MethodPost, base+"/complete", "admin", "t1", completeRecoveryRequest{RecoveredKEK: []byte("evidence")})
	assert.Equal(t, http.StatusConflict, rec.Code, "Second completion should be 409")

	rec = doRequest(t, router, http.MethodGet, "/kek/recovery", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeResponse[[]interfaces.RecoverySession](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, interfaces.SessionCompleted, sessions[0].Status)

	rec = doRequest(t, router, http.MethodGet, base, "admin2", "t2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "Sessions are tenant-scoped")
}

func TestHandler_RecoveryCancel(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/kek/versions", "admin", "t1", createVersionRequest{Reason: "init"})
	require.Equal(t, http.StatusCreated, rec.Code)
	v1 := decodeResponse[interfaces.KEKVersion](t, rec)

	rec = doRequest(t, router, http.MethodPost, "/kek/recovery", "admin", "t1", initiateRecoveryRequest{VersionID: string(v1.ID), Threshold: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decodeResponse[interfaces.RecoverySession](t, rec)

	rec = doRequest(t, router, http.MethodPost, "/kek/recovery/"+string(session.ID)+"/cancel", "holderA", "t1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "Cancellation requires admin")

	rec = doRequest(t, router, http.MethodPost, "/kek/recovery/"+string(session.ID)+"/cancel", "admin", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeResponse[interfaces.RecoverySession](t, rec)
	assert.Equal(t, interfaces.SessionCancelled, got.Status)

	rec = doRequest(t, router, http.MethodPost, "/kek/recovery/"+string(session.ID)+"/shares", "holderA", "t1", submitShareRequest{Share: json.RawMessage(`{"x":1,"y":"YQ=="}`), EncryptedFor: "admin"})
	assert.Equal(t, http.StatusConflict, rec.Code, "Cancelled session rejects shares")
}
