// Package report defines the threat-modeling report schema shared by the
// analyzer pipeline and the orchestrator: architecture components and
// connections from the diagram stage, STRIDE-classified threats, and DREAD
// risk scoring.
package report

import (
	"fmt"
	"math"
)

// StrideCategory is one of the six Microsoft STRIDE threat categories.
type StrideCategory string

const (
	Spoofing              StrideCategory = "Spoofing"
	Tampering             StrideCategory = "Tampering"
	Repudiation           StrideCategory = "Repudiation"
	InformationDisclosure StrideCategory = "Information Disclosure"
	DenialOfService       StrideCategory = "Denial of Service"
	ElevationOfPrivilege  StrideCategory = "Elevation of Privilege"
)

// StrideCategories lists all valid categories in canonical order.
var StrideCategories = []StrideCategory{
	Spoofing, Tampering, Repudiation,
	InformationDisclosure, DenialOfService, ElevationOfPrivilege,
}

// Valid reports whether c is one of the six STRIDE categories.
func (c StrideCategory) Valid() bool {
	for _, v := range StrideCategories {
		if c == v {
			return true
		}
	}
	return false
}

// RiskLevel buckets an overall risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFromScore maps a 0-10 risk score to its level.
// Boundaries: <3 LOW, <6 MEDIUM, <8 HIGH, else CRITICAL.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score < 3:
		return RiskLow
	case score < 6:
		return RiskMedium
	case score < 8:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Component is a node identified in the architecture diagram.
type Component struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Connection is a data flow between two components.
type Connection struct {
	FromID      string `json:"from_id"`
	ToID        string `json:"to_id"`
	Protocol    string `json:"protocol,omitempty"`
	Encrypted   *bool  `json:"encrypted,omitempty"`
	Description string `json:"description,omitempty"`
}

// DreadDetails holds the five DREAD dimensions, each an integer in [1,10].
type DreadDetails struct {
	Damage          int `json:"damage"`
	Reproducibility int `json:"reproducibility"`
	Exploitability  int `json:"exploitability"`
	AffectedUsers   int `json:"affected_users"`
	Discoverability int `json:"discoverability"`
}

// Average returns the arithmetic mean of the five dimensions, rounded to
// two decimals.
func (d DreadDetails) Average() float64 {
	sum := d.Damage + d.Reproducibility + d.Exploitability + d.AffectedUsers + d.Discoverability
	return Round2(float64(sum) / 5)
}

// Valid reports whether every dimension is in [1,10].
func (d DreadDetails) Valid() bool {
	for _, v := range []int{d.Damage, d.Reproducibility, d.Exploitability, d.AffectedUsers, d.Discoverability} {
		if v < 1 || v > 10 {
			return false
		}
	}
	return true
}

// Threat is one identified threat: STRIDE classification plus optional
// DREAD scoring. DreadScore is nil until the DREAD stage succeeds.
type Threat struct {
	ComponentID  string         `json:"component_id"`
	ThreatType   StrideCategory `json:"threat_type"`
	Description  string         `json:"description"`
	Mitigation   string         `json:"mitigation"`
	DreadScore   *float64       `json:"dread_score,omitempty"`
	DreadDetails *DreadDetails  `json:"dread_details,omitempty"`
}

// ThreatReport is the full analyzer output persisted into an Analysis result.
type ThreatReport struct {
	ModelUsed       string       `json:"model_used"`
	Components      []Component  `json:"components"`
	Connections     []Connection `json:"connections"`
	TrustBoundaries []string     `json:"trust_boundaries"`
	Threats         []Threat     `json:"threats"`
	RiskScore       float64      `json:"risk_score"`
	RiskLevel       RiskLevel    `json:"risk_level"`
	ProcessingTime  float64      `json:"processing_time"`
	ThreatCount     int          `json:"threat_count"`
	ComponentCount  int          `json:"component_count"`
}

// Finalize fills the derived fields: risk score (mean of scored threats,
// 0 when none), risk level, and the counts.
func (r *ThreatReport) Finalize() {
	var sum float64
	var scored int
	for _, t := range r.Threats {
		if t.DreadScore != nil {
			sum += *t.DreadScore
			scored++
		}
	}
	if scored > 0 {
		r.RiskScore = Round2(sum / float64(scored))
	} else {
		r.RiskScore = 0
	}
	r.RiskLevel = RiskLevelFromScore(r.RiskScore)
	r.ThreatCount = len(r.Threats)
	r.ComponentCount = len(r.Components)
}

// Validate checks referential integrity: every connection endpoint and every
// threat component id must reference a known component.
func (r *ThreatReport) Validate() error {
	ids := make(map[string]bool, len(r.Components))
	for _, c := range r.Components {
		if ids[c.ID] {
			return fmt.Errorf("duplicate component id %q", c.ID)
		}
		ids[c.ID] = true
	}
	for _, c := range r.Connections {
		if !ids[c.FromID] {
			return fmt.Errorf("connection references unknown component %q", c.FromID)
		}
		if !ids[c.ToID] {
			return fmt.Errorf("connection references unknown component %q", c.ToID)
		}
	}
	for _, t := range r.Threats {
		if !ids[t.ComponentID] {
			return fmt.Errorf("threat references unknown component %q", t.ComponentID)
		}
	}
	return nil
}

// ClampDread bounds a DREAD score to the closed interval [1,10].
func ClampDread(score float64) float64 {
	return math.Max(1, math.Min(10, score))
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
