package model

import "time"

// Snapshot is a platform-specific restorable capture of an asset's
// pre-change state. It must be Verified before any rollback uses it.
type Snapshot struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	AssetID     string       `json:"asset_id"`
	Platform    PlatformKind `json:"platform"`

	// Payload is the platform-specific restore payload: serialized workload
	// spec + revision for Kubernetes, committed image reference plus the
	// original runtime config for containers, the hypervisor snapshot name
	// for VMs, an archive path for servers.
	Payload []byte `json:"payload"`

	Checksum  string `json:"checksum"` // hex sha256 of Payload
	SizeBytes int64  `json:"size_bytes"`
	Verified  bool   `json:"verified"`

	CreatedAt  time.Time  `json:"created_at"`
	RestoredAt *time.Time `json:"restored_at,omitempty"`
}
