package interfaces

import (
	"fmt"
	"strings"
	"time"
)

// TenantID identifies a tenant. All KEK state is tenant-scoped.
type TenantID string

// PrincipalID identifies a user or service that can hold a KEK blob or
// contribute a recovery share.
type PrincipalID string

// VersionID identifies a single KEK version record.
type VersionID string

// TaskID identifies a quorum task.
type TaskID string

// SessionID identifies a recovery session.
type SessionID string

// Principal is the identity resolved by the Authenticator for a request.
type Principal struct {
	ID       PrincipalID `json:"id"`
	TenantID TenantID    `json:"tenantId"`
}

// VersionStatus is the lifecycle state of a KEK version.
type VersionStatus string

const (
	// VersionActive is the single version used to encrypt new data.
	VersionActive VersionStatus = "active"

	// VersionDecryptOnly is a superseded version still usable for decryption.
	VersionDecryptOnly VersionStatus = "decrypt-only"

	// VersionDeprecated is an administratively retired version.
	VersionDeprecated VersionStatus = "deprecated"
)

// Valid reports whether s is one of the defined version statuses.
func (s VersionStatus) Valid() bool {
	switch s {
	case VersionActive, VersionDecryptOnly, VersionDeprecated:
		return true
	}
	return false
}

// KEKVersion is one entry in a tenant's key-version history. Versions are
// never deleted; they form an immutable audit trail.
type KEKVersion struct {
	ID            VersionID     `json:"id"`
	TenantID      TenantID      `json:"tenantId"`
	VersionNumber int           `json:"versionNumber"`
	Status        VersionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	CreatedBy     PrincipalID   `json:"createdBy"`
	Reason        string        `json:"reason"`
}

// BlobKey is the composite key addressing a KEK blob.
type BlobKey struct {
	PrincipalID  PrincipalID
	KEKVersionID VersionID
}

// String renders the key in its wire form "principal/version".
func (k BlobKey) String() string {
	return string(k.PrincipalID) + "/" + string(k.KEKVersionID)
}

// ParseBlobKey parses the "principal/version" wire form.
func ParseBlobKey(s string) (BlobKey, error) {
	principal, version, ok := strings.Cut(s, "/")
	if !ok || principal == "" || version == "" {
		return BlobKey{}, fmt.Errorf("%w: blob key must be principal/version", ErrValidation)
	}
	return BlobKey{PrincipalID: PrincipalID(principal), KEKVersionID: VersionID(version)}, nil
}

// KEKBlob is the KEK material encrypted for one principal and one version.
// The ciphertext is opaque to this system.
type KEKBlob struct {
	PrincipalID   PrincipalID `json:"principalId"`
	KEKVersionID  VersionID   `json:"kekVersionId"`
	EncryptedBlob []byte      `json:"encryptedBlob"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// TaskType classifies a quorum task.
type TaskType string

const (
	TaskKEKRotation      TaskType = "kek_rotation"
	TaskUserProvisioning TaskType = "user_provisioning"
	TaskAdminPromotion   TaskType = "admin_promotion"
)

// Valid reports whether t is one of the defined task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskKEKRotation, TaskUserProvisioning, TaskAdminPromotion:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a quorum task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// QuorumTask tracks an N-of-M contribution operation. Status becomes
// completed exactly once, atomically with the contribution that reaches
// RequiredShares.
type QuorumTask struct {
	ID              TaskID            `json:"id"`
	TenantID        TenantID          `json:"tenantId"`
	TaskType        TaskType          `json:"taskType"`
	Status          TaskStatus        `json:"status"`
	CreatedBy       PrincipalID       `json:"createdBy"`
	RequiredShares  int               `json:"requiredShares"`
	CollectedShares int               `json:"collectedShares"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// ShareContribution is one principal's contribution to a quorum task.
// The payload is never interpreted by this system.
type ShareContribution struct {
	ID          string      `json:"id"`
	TaskID      TaskID      `json:"taskId"`
	PrincipalID PrincipalID `json:"principalId"`
	ShareData   []byte      `json:"shareData"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// SessionStatus is the lifecycle state of a recovery session.
// pending is the only non-terminal state.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s != SessionPending
}

// ShareReceipt records that a principal has submitted a share to a session.
type ShareReceipt struct {
	UserID      PrincipalID `json:"userId"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// RecoverySession is a time-bounded, threshold-gated protocol instance for
// recovering one KEK version. A session whose ExpiresAt has passed is treated
// as expired on next observation even if not yet materialized in storage.
type RecoverySession struct {
	ID          SessionID      `json:"id"`
	VersionID   VersionID      `json:"versionId"`
	TenantID    TenantID       `json:"tenantId"`
	InitiatedBy PrincipalID    `json:"initiatedBy"`
	Threshold   int            `json:"threshold"`
	Reason      string         `json:"reason"`
	Status      SessionStatus  `json:"status"`
	Shares      []ShareReceipt `json:"shares"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// RecoveryShare is the share ciphertext a principal submitted to a session,
// addressed to the principal who performs reconstruction client-side.
type RecoveryShare struct {
	SessionID    SessionID   `json:"sessionId"`
	SubmittedBy  PrincipalID `json:"submittedBy"`
	Share        []byte      `json:"share"`
	EncryptedFor PrincipalID `json:"encryptedFor"`
}

// RecoveryResult is returned on successful session completion.
type RecoveryResult struct {
	SessionID    SessionID `json:"sessionId"`
	VersionID    VersionID `json:"versionId"`
	NewVersionID VersionID `json:"newVersionId"`
	CompletedAt  time.Time `json:"completedAt"`
}
