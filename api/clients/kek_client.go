// Package clients provides typed HTTP clients for the KEK service API.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/quorumkey/kek-service-backend/kek"
)

// KEKClient talks to the KEK service on behalf of one principal. Identity
// travels in the gateway headers; when the client is used behind the real
// gateway the headers are overwritten upstream.
type KEKClient struct {
	baseURL    string
	principal  interfaces.Principal
	httpClient *http.Client
}

// NewKEKClient creates a client for the service at baseURL acting as
// principal. An optional timeout overrides the 30 second default.
func NewKEKClient(baseURL string, principal interfaces.Principal, timeout ...time.Duration) *KEKClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &KEKClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		principal:  principal,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *KEKClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-ID", string(c.principal.ID))
	req.Header.Set("X-Tenant-ID", string(c.principal.TenantID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// ListVersions lists the caller's tenant versions, newest first.
func (c *KEKClient) ListVersions(ctx context.Context) ([]interfaces.KEKVersion, error) {
	var versions []interfaces.KEKVersion
	err := c.do(ctx, http.MethodGet, "/kek/versions", nil, &versions)
	return versions, err
}

// CreateVersion creates the tenant's next KEK version.
func (c *KEKClient) CreateVersion(ctx context.Context, reason string) (interfaces.KEKVersion, error) {
	var version interfaces.KEKVersion
	err := c.do(ctx, http.MethodPost, "/kek/versions", map[string]string{"reason": reason}, &version)
	return version, err
}

// Rotate supersedes the tenant's active version.
func (c *KEKClient) Rotate(ctx context.Context, reason string) (interfaces.KEKVersion, error) {
	var version interfaces.KEKVersion
	err := c.do(ctx, http.MethodPost, "/kek/rotate", map[string]string{"reason": reason}, &version)
	return version, err
}

// ActiveVersion fetches the tenant's active version.
func (c *KEKClient) ActiveVersion(ctx context.Context) (interfaces.KEKVersion, error) {
	var version interfaces.KEKVersion
	err := c.do(ctx, http.MethodGet, "/kek/versions/active", nil, &version)
	return version, err
}

// SetVersionStatus transitions a version to the given status.
func (c *KEKClient) SetVersionStatus(ctx context.Context, versionID interfaces.VersionID, status interfaces.VersionStatus) (interfaces.KEKVersion, error) {
	var version interfaces.KEKVersion
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/kek/versions/%s/status", versionID), map[string]string{"status": string(status)}, &version)
	return version, err
}

// ProvisionBlob uploads encrypted KEK material for a principal and version.
func (c *KEKClient) ProvisionBlob(ctx context.Context, principalID interfaces.PrincipalID, versionID interfaces.VersionID, encryptedBlob []byte) (interfaces.KEKBlob, error) {
	var blob interfaces.KEKBlob
	err := c.do(ctx, http.MethodPost, "/kek/blobs", map[string]any{
		"principal_id":   string(principalID),
		"kek_version_id": string(versionID),
		"encrypted_blob": encryptedBlob,
	}, &blob)
	return blob, err
}

// GetBlob fetches the caller's blob for a version.
func (c *KEKClient) GetBlob(ctx context.Context, versionID interfaces.VersionID) (interfaces.KEKBlob, error) {
	var blob interfaces.KEKBlob
	err := c.do(ctx, http.MethodGet, "/kek/blobs?kek_version_id="+url.QueryEscape(string(versionID)), nil, &blob)
	return blob, err
}

// ListBlobs fetches all of the caller's blobs, newest updated first.
func (c *KEKClient) ListBlobs(ctx context.Context) ([]interfaces.KEKBlob, error) {
	var blobs []interfaces.KEKBlob
	err := c.do(ctx, http.MethodGet, "/kek/blobs", nil, &blobs)
	return blobs, err
}

// DeleteBlob removes one blob.
func (c *KEKClient) DeleteBlob(ctx context.Context, principalID interfaces.PrincipalID, versionID interfaces.VersionID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/kek/blobs/%s/%s", principalID, versionID), nil, nil)
}

// OffboardPrincipal removes every blob owned by the principal.
func (c *KEKClient) OffboardPrincipal(ctx context.Context, principalID interfaces.PrincipalID) error {
	return c.do(ctx, http.MethodDelete, "/kek/blobs?principal_id="+url.QueryEscape(string(principalID)), nil, nil)
}

// CreateQuorumTask opens an N-of-M task.
func (c *KEKClient) CreateQuorumTask(ctx context.Context, taskType interfaces.TaskType, requiredShares int, metadata map[string]string) (interfaces.QuorumTask, error) {
	var task interfaces.QuorumTask
	err := c.do(ctx, http.MethodPost, "/kek/quorum", map[string]any{
		"task_type":       string(taskType),
		"required_shares": requiredShares,
		"metadata":        metadata,
	}, &task)
	return task, err
}

// GetQuorumTask fetches a task.
func (c *KEKClient) GetQuorumTask(ctx context.Context, taskID interfaces.TaskID) (interfaces.QuorumTask, error) {
	var task interfaces.QuorumTask
	err := c.do(ctx, http.MethodGet, "/kek/quorum/"+string(taskID), nil, &task)
	return task, err
}

// Contribute submits the caller's share to a task.
func (c *KEKClient) Contribute(ctx context.Context, taskID interfaces.TaskID, shareData []byte) (interfaces.QuorumTask, error) {
	var task interfaces.QuorumTask
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/kek/quorum/%s/shares", taskID), map[string]any{"share_data": shareData}, &task)
	return task, err
}

// InitiateRecovery opens a recovery session against a version.
func (c *KEKClient) InitiateRecovery(ctx context.Context, versionID interfaces.VersionID, threshold int, reason string, expiresIn time.Duration) (interfaces.RecoverySession, error) {
	var session interfaces.RecoverySession
	err := c.do(ctx, http.MethodPost, "/kek/recovery", map[string]any{
		"versionId": string(versionID),
		"threshold": threshold,
		"reason":    reason,
		"expiresIn": int64(expiresIn.Seconds()),
	}, &session)
	return session, err
}

// GetRecoverySession fetches a session.
func (c *KEKClient) GetRecoverySession(ctx context.Context, sessionID interfaces.SessionID) (interfaces.RecoverySession, error) {
	var session interfaces.RecoverySession
	err := c.do(ctx, http.MethodGet, "/kek/recovery/"+string(sessionID), nil, &session)
	return session, err
}

// ListRecoverySessions lists the tenant's sessions, newest first.
func (c *KEKClient) ListRecoverySessions(ctx context.Context) ([]interfaces.RecoverySession, error) {
	var sessions []interfaces.RecoverySession
	err := c.do(ctx, http.MethodGet, "/kek/recovery", nil, &sessions)
	return sessions, err
}

// SubmitRecoveryShare submits the caller's share, sealed to encryptedFor.
func (c *KEKClient) SubmitRecoveryShare(ctx context.Context, sessionID interfaces.SessionID, share json.RawMessage, encryptedFor interfaces.PrincipalID) (interfaces.RecoverySession, error) {
	var session interfaces.RecoverySession
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/kek/recovery/%s/shares", sessionID), map[string]any{
		"share":        share,
		"encryptedFor": string(encryptedFor),
	}, &session)
	return session, err
}

// ListRecoveryShares fetches the shares addressed to the caller.
func (c *KEKClient) ListRecoveryShares(ctx context.Context, sessionID interfaces.SessionID) ([]interfaces.RecoveryShare, error) {
	var shares []interfaces.RecoveryShare
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/kek/recovery/%s/shares", sessionID), nil, &shares)
	return shares, err
}

// CompleteRecovery finishes a session whose threshold is met.
func (c *KEKClient) CompleteRecovery(ctx context.Context, sessionID interfaces.SessionID, recoveredKEK []byte, spec kek.NewVersionSpec) (interfaces.RecoveryResult, error) {
	var result interfaces.RecoveryResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/kek/recovery/%s/complete", sessionID), map[string]any{
		"recoveredKEK":  recoveredKEK,
		"newKEKVersion": spec,
	}, &result)
	return result, err
}

// CancelRecovery cancels a pending session.
func (c *KEKClient) CancelRecovery(ctx context.Context, sessionID interfaces.SessionID) (interfaces.RecoverySession, error) {
	var session interfaces.RecoverySession
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/kek/recovery/%s/cancel", sessionID), nil, &session)
	return session, err
}
