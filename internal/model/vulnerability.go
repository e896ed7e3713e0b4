package model

import (
	"strings"
	"time"

	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"
)

// Vulnerability is the detected finding driving a remediation execution.
// Records arrive from the external scanning/inventory system.
type Vulnerability struct {
	ID          string    `json:"id"` // e.g. CVE-2024-12345
	Summary     string    `json:"summary"`
	CVSSScore   float64   `json:"cvss_score"`
	CVSSVector  string    `json:"cvss_vector,omitempty"`
	Package     string    `json:"package,omitempty"`
	InstalledAt string    `json:"installed_version,omitempty"`
	FixedIn     string    `json:"fixed_version,omitempty"`
	PublishedAt time.Time `json:"published_at"`

	// Exploit signals
	ExploitInWild    bool `json:"exploit_in_wild"`
	ProofOfConcept   bool `json:"proof_of_concept"`
	WeaponizedKit    bool `json:"weaponized_kit"`
	PatchAgeDays     int  `json:"patch_age_days"`
}

// EffectiveScore returns the CVSS base score, deriving it from the vector
// string when the numeric score is absent.
func (v *Vulnerability) EffectiveScore() float64 {
	if v.CVSSScore > 0 {
		return v.CVSSScore
	}
	return ScoreFromVector(v.CVSSVector)
}

// ScoreFromVector calculates the CVSS base score from a vector string
func ScoreFromVector(vectorStr string) float64 {
	if vectorStr == "" || !strings.HasPrefix(vectorStr, "CVSS:") {
		return 0
	}
	if strings.HasPrefix(vectorStr, "CVSS:3.1") || strings.HasPrefix(vectorStr, "CVSS:3.0") {
		if cvss31, err := gocvss31.ParseVector(vectorStr); err == nil {
			return cvss31.BaseScore()
		}
	}
	if strings.HasPrefix(vectorStr, "CVSS:4.0") {
		if cvss40, err := gocvss40.ParseVector(vectorStr); err == nil {
			return cvss40.Score()
		}
	}
	return 0
}

// SeverityRating returns the qualitative rating for a CVSS score
func SeverityRating(score float64) string {
	switch {
	case score == 0:
		return "NONE"
	case score < 4.0:
		return "LOW"
	case score < 7.0:
		return "MEDIUM"
	case score < 9.0:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}
