package models

import (
	"time"

	"github.com/google/uuid"
)

// Dimension names one of the six sub-scores every opportunity is ranked on.
type Dimension string

const (
	DimensionMarketDemand          Dimension = "market_demand"
	DimensionPainIntensity         Dimension = "pain_intensity"
	DimensionMonetizationPotential Dimension = "monetization_potential"
	DimensionMarketGap             Dimension = "market_gap"
	DimensionTechnicalFeasibility  Dimension = "technical_feasibility"
	DimensionSimplicity            Dimension = "simplicity"
)

// Dimensions lists the six dimensions in the fixed order used for weighted sums.
var Dimensions = []Dimension{
	DimensionMarketDemand,
	DimensionPainIntensity,
	DimensionMonetizationPotential,
	DimensionMarketGap,
	DimensionTechnicalFeasibility,
	DimensionSimplicity,
}

// DimensionScores maps each dimension to a 0-100 score.
type DimensionScores map[Dimension]float64

// Clone returns an independent copy so callers never share score maps.
func (d DimensionScores) Clone() DimensionScores {
	out := make(DimensionScores, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// DedupStatus is the marking the deduplication engine leaves on an opportunity.
type DedupStatus string

const (
	DedupUnique    DedupStatus = "unique"
	DedupDuplicate DedupStatus = "duplicate"
)

// DisqualificationAudit preserves the score a record held before it was zeroed.
type DisqualificationAudit struct {
	OriginalScore  float64   `json:"original_score"`
	Reason         string    `json:"reason"`
	DisqualifiedAt time.Time `json:"disqualified_at"`
	FunctionCount  int       `json:"function_count"`
	MaxAllowed     int       `json:"max_allowed"`
}

type Opportunity struct {
	ID                 string                 `json:"id"`
	ConceptDescription string                 `json:"concept_description"`
	CoreFunctions      []string               `json:"core_functions"`
	FunctionCount      int                    `json:"function_count"`
	DimensionScores    DimensionScores        `json:"dimension_scores"`
	IsDisqualified     bool                   `json:"is_disqualified"`
	ViolationReason    string                 `json:"violation_reason,omitempty"`
	TotalScore         float64                `json:"total_score"`
	Audit              *DisqualificationAudit `json:"audit,omitempty"`
	ConstraintVersion  string                 `json:"constraint_version"`
	ValidatedAt        *time.Time             `json:"validated_at"`
	Fingerprint        string                 `json:"fingerprint,omitempty"`

	// Dedup marking, written by the store on resolution.
	DedupStatus          DedupStatus `json:"dedup_status,omitempty"`
	ConceptID            *uuid.UUID  `json:"concept_id,omitempty"`
	PrimaryOpportunityID string      `json:"primary_opportunity_id,omitempty"`

	SourceRunID *string   `json:"source_run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BusinessConcept is the canonical, deduplicated idea keyed by fingerprint.
// It refers back to the opportunity that introduced it by id only.
type BusinessConcept struct {
	ID                   uuid.UUID `json:"id"`
	Fingerprint          string    `json:"fingerprint"`
	PrimaryOpportunityID string    `json:"primary_opportunity_id"`
	SubmissionCount      int       `json:"submission_count"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ValidationRun is the bookkeeping row for one persisted batch.
type ValidationRun struct {
	RunID        string     `json:"run_id"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Approved     int        `json:"approved"`
	Disqualified int        `json:"disqualified"`
	Errored      int        `json:"errored"`
	Unique       int        `json:"unique"`
	Duplicate    int        `json:"duplicate"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Operator is an account allowed to submit batches through the API.
type Operator struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
