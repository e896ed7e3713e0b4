package model

import (
	"sync"
	"time"
)

// PatchSourceKind identifies where a patch candidate came from.
type PatchSourceKind string

const (
	SourceVendorAdvisory   PatchSourceKind = "vendor_advisory"
	SourcePackageManager   PatchSourceKind = "package_manager"
	SourceContainerRegistry PatchSourceKind = "container_registry"
)

// Patch is a candidate fix selected once per execution. The first verified
// candidate wins; the engine never swaps it automatically on failure.
type Patch struct {
	ID              string          `json:"id"`
	VulnerabilityID string          `json:"vulnerability_id"`
	Source          PatchSourceKind `json:"source"`
	SourceName      string          `json:"source_name"`
	Version         string          `json:"version"`
	DownloadURL     string          `json:"download_url,omitempty"`
	Checksum        string          `json:"checksum,omitempty"` // hex sha256
	Signature       []byte          `json:"signature,omitempty"`
	ReleasedAt      time.Time       `json:"released_at"`
	Verified        bool            `json:"verified"`
	MaturityWarning bool            `json:"maturity_warning"`
	CreatedAt       time.Time       `json:"created_at"`

	stats PatchStats
	mu    sync.Mutex
}

// PatchStats tracks real-world application outcomes for a patch. The
// numbers are updated after each production application and may influence
// future source ordering.
type PatchStats struct {
	Applications int     `json:"applications"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
}

// RecordApplication updates the running success-rate statistics.
func (p *Patch) RecordApplication(succeeded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Applications++
	if succeeded {
		p.stats.Successes++
	}
	p.stats.SuccessRate = float64(p.stats.Successes) / float64(p.stats.Applications)
}

// Stats returns a copy of the running statistics.
func (p *Patch) Stats() PatchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// AgeDays returns the patch age in whole days at the given instant.
func (p *Patch) AgeDays(now time.Time) int {
	if p.ReleasedAt.IsZero() {
		return 0
	}
	return int(now.Sub(p.ReleasedAt).Hours() / 24)
}
