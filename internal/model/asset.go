package model

import "fmt"

func missingLocator(kind string) error {
	return fmt.Errorf("asset locator for platform %q missing or incomplete", kind)
}

// PlatformKind identifies the control plane an asset runs on.
type PlatformKind string

const (
	PlatformKubernetes PlatformKind = "kubernetes"
	PlatformContainer  PlatformKind = "container"
	PlatformVM         PlatformKind = "vm"
	PlatformServer     PlatformKind = "server"
)

// CriticalityTier ranks the operational importance of an asset.
type CriticalityTier string

const (
	CriticalityLow             CriticalityTier = "low"
	CriticalityMedium          CriticalityTier = "medium"
	CriticalityHigh            CriticalityTier = "high"
	CriticalityMissionCritical CriticalityTier = "mission_critical"
)

// ClusterLocator addresses a Kubernetes workload.
type ClusterLocator struct {
	Context    string `json:"context,omitempty"`
	Namespace  string `json:"namespace"`
	Deployment string `json:"deployment"`
	Container  string `json:"container,omitempty"`
}

// ContainerLocator addresses a standalone container.
type ContainerLocator struct {
	Host        string `json:"host,omitempty"`
	ContainerID string `json:"container_id"`
	Image       string `json:"image"`
}

// VMLocator addresses a hypervisor-managed virtual machine.
type VMLocator struct {
	Hypervisor string `json:"hypervisor,omitempty"`
	Domain     string `json:"domain"`
}

// ServerLocator addresses a bare server.
type ServerLocator struct {
	Host    string `json:"host"`
	SSHUser string `json:"ssh_user,omitempty"`
}

// Asset is the target of a remediation. Exactly one locator matching the
// platform kind is populated.
type Asset struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Platform    PlatformKind    `json:"platform"`
	Criticality CriticalityTier `json:"criticality"`

	DependencyCount int  `json:"dependency_count"`
	HasRedundancy   bool `json:"has_redundancy"`
	HasBackups      bool `json:"has_backups"`

	ComplianceFrameworks []string `json:"compliance_frameworks,omitempty"`

	Cluster   *ClusterLocator   `json:"cluster,omitempty"`
	Container *ContainerLocator `json:"container,omitempty"`
	VM        *VMLocator        `json:"vm,omitempty"`
	Server    *ServerLocator    `json:"server,omitempty"`

	// InstanceCount is the replica/instance count used to size rolling
	// update batches. Zero is treated as a single instance.
	InstanceCount int `json:"instance_count"`
}

// Validate checks the asset carries the locator its platform requires.
func (a *Asset) Validate() error {
	switch a.Platform {
	case PlatformKubernetes:
		if a.Cluster == nil || a.Cluster.Namespace == "" || a.Cluster.Deployment == "" {
			return missingLocator("cluster")
		}
	case PlatformContainer:
		if a.Container == nil || a.Container.ContainerID == "" {
			return missingLocator("container")
		}
	case PlatformVM:
		if a.VM == nil || a.VM.Domain == "" {
			return missingLocator("vm")
		}
	case PlatformServer:
		if a.Server == nil || a.Server.Host == "" {
			return missingLocator("server")
		}
	default:
		return missingLocator(string(a.Platform))
	}
	return nil
}

// Instances returns the effective instance count, never zero.
func (a *Asset) Instances() int {
	if a.InstanceCount < 1 {
		return 1
	}
	return a.InstanceCount
}
