package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Severity is the ordered threat classification assigned by an assessment.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps a severity to its position in the ordering. Unknown
// values rank below low so they never trip the alert threshold.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsAlertable reports whether a severity is in the two highest levels.
func (s Severity) IsAlertable() bool {
	return SeverityRank(s) >= SeverityRank(SeverityHigh)
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	return SeverityRank(s) > 0
}

// Finding is one detected threat inside an assessment.
type Finding struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	SourceIPs   []string `json:"source_ips,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
}

// TrendStats aggregates message-level outcomes across the report window.
type TrendStats struct {
	TotalMessages  int64   `json:"total_messages"`
	PassingCount   int64   `json:"passing_count"`
	FailingCount   int64   `json:"failing_count"`
	FailureRate    float64 `json:"failure_rate"`
	UniqueSources  int     `json:"unique_sources"`
	TopFailingIP   string  `json:"top_failing_ip,omitempty"`
	QuarantinedPct float64 `json:"quarantined_pct"`
	RejectedPct    float64 `json:"rejected_pct"`
}

// Assessment is the reasoning-service verdict for one Report. At most one
// exists per report and it is never mutated after creation.
type Assessment struct {
	ID       string `gorm:"primaryKey" json:"id"`
	ReportID string `gorm:"uniqueIndex;not null" json:"report_id"`
	Report   Report `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	Compliance      string   `json:"compliance"` // compliant, partial, non_compliant
	Score           int      `json:"score"`      // 0-100
	Severity        Severity `json:"severity"`
	Findings        string   `gorm:"type:text" json:"findings"`        // []Finding, serialized JSON
	Trends          string   `gorm:"type:text" json:"trends"`          // TrendStats, serialized JSON
	Recommendations string   `gorm:"type:text" json:"recommendations"` // []string, serialized JSON
	Summary         string   `gorm:"type:text" json:"summary"`
	Model           string   `json:"model"` // reasoning-service model version used

	CreatedAt time.Time `json:"created_at"`
}

func (a *Assessment) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return
}
