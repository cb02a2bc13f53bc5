package kekhandler

import (
	"encoding/json"

	"github.com/quorumkey/kek-service-backend/kek"
)

// Request bodies. The version, blob and quorum endpoints use snake_case
// field names; the recovery endpoints use camelCase. Both shapes are part
// of the wire contract consumed by existing clients.

type createVersionRequest struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type provisionBlobRequest struct {
	PrincipalID   string `json:"principal_id"`
	KEKVersionID  string `json:"kek_version_id"`
	EncryptedBlob []byte `json:"encrypted_blob"`
}

type createTaskRequest struct {
	TenantID       string            `json:"tenant_id"`
	TaskType       string            `json:"task_type"`
	RequiredShares int               `json:"required_shares"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type addContributionRequest struct {
	ShareData []byte `json:"share_data"`
}

type initiateRecoveryRequest struct {
	VersionID string `json:"versionId"`
	Threshold int    `json:"threshold"`
	Reason    string `json:"reason"`
	// ExpiresIn is in seconds; zero means the default session TTL.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

type submitShareRequest struct {
	// Share is opaque to the service and passed through verbatim. Clients
	// conventionally send a Shamir point {"x": ..., "y": ...}.
	Share        json.RawMessage `json:"share"`
	EncryptedFor string          `json:"encryptedFor"`
}

type completeRecoveryRequest struct {
	RecoveredKEK  []byte             `json:"recoveredKEK"`
	NewKEKVersion kek.NewVersionSpec `json:"newKEKVersion"`
}

type errorResponse struct {
	Error string `json:"error"`
}
