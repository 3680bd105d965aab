package ingest

import (
	"fmt"
	"log"
	"time"

	"github.com/david/opportunity-validator/internal/models"
	"github.com/david/opportunity-validator/internal/scoring"
)

const (
	// ConstraintVersion is stamped on every validated record.
	ConstraintVersion = "1.0.0"
	// MaxCoreFunctions is the most core functions an approved opportunity may have.
	MaxCoreFunctions = 3
	// ReasonSimplicityViolation is the audit reason for over-scoped concepts.
	ReasonSimplicityViolation = "simplicity_constraint_violation"
)

// Outcome is the terminal state of a validated record.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeDisqualified Outcome = "disqualified"
)

// ConstraintDecision is the validated record plus how it got there.
type ConstraintDecision struct {
	Opportunity models.Opportunity
	Outcome     Outcome
	Source      FunctionSourceKind
	Corrected   bool
	Warnings    []string
}

// Reason is the human-readable reason for the outcome, empty when approved.
func (d ConstraintDecision) Reason() string {
	return d.Opportunity.ViolationReason
}

// ConstraintValidator decides whether a record is approved or disqualified,
// and only scores records it approves.
type ConstraintValidator struct {
	weights      scoring.Weights
	maxFunctions int
	version      string
}

// NewConstraintValidator checks weights up front so a bad configuration fails
// before any record is processed. Nil weights select the defaults.
func NewConstraintValidator(weights scoring.Weights) (*ConstraintValidator, error) {
	if weights == nil {
		weights = scoring.DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	w := make(scoring.Weights, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &ConstraintValidator{
		weights:      w,
		maxFunctions: MaxCoreFunctions,
		version:      ConstraintVersion,
	}, nil
}

// Weights returns a copy of the weights in use.
func (v *ConstraintValidator) Weights() scoring.Weights {
	out := make(scoring.Weights, len(v.weights))
	for k, w := range v.weights {
		out[k] = w
	}
	return out
}

// Validate extracts functions, applies the simplicity constraint and either
// disqualifies the record or computes its total score. now becomes the
// record's validated_at, so equal inputs give equal outputs.
func (v *ConstraintValidator) Validate(raw RawOpportunity, now time.Time) (ConstraintDecision, error) {
	raw = NormalizeRaw(raw)
	if raw.ID == "" {
		return ConstraintDecision{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}

	src := ResolveFunctionSource(raw)
	functions, err := ExtractFunctions(src)
	if err != nil {
		return ConstraintDecision{}, fmt.Errorf("extract functions for %s: %w", raw.ID, err)
	}
	if len(functions) == 0 {
		return ConstraintDecision{}, fmt.Errorf("%w (id=%s, source=%s)", ErrMissingFunctions, raw.ID, src.Kind)
	}

	decision := ConstraintDecision{Source: src.Kind}
	count := len(functions)
	if raw.StoredFunctionCount != nil && *raw.StoredFunctionCount != count {
		msg := fmt.Sprintf("stored function_count %d corrected to %d", *raw.StoredFunctionCount, count)
		log.Printf("[Warn] %s: %s", raw.ID, msg)
		decision.Corrected = true
		decision.Warnings = append(decision.Warnings, msg)
	}

	simplicity, err := scoring.SimplicityScore(count)
	if err != nil {
		return ConstraintDecision{}, fmt.Errorf("simplicity for %s: %w", raw.ID, err)
	}

	scores := raw.DimensionScores.Clone()
	opp := models.Opportunity{
		ID:                 raw.ID,
		ConceptDescription: raw.ConceptDescription,
		CoreFunctions:      functions,
		FunctionCount:      count,
		Audit:              copyAudit(raw.Audit),
	}
	if raw.SourceRunID != "" {
		runID := raw.SourceRunID
		opp.SourceRunID = &runID
	}
	validatedAt := now.UTC()

	if count > v.maxFunctions {
		scores[models.DimensionSimplicity] = 0
		opp.IsDisqualified = true
		opp.TotalScore = 0
		opp.ViolationReason = fmt.Sprintf("simplicity constraint violation: %d core functions exceeds maximum of %d", count, v.maxFunctions)
		if opp.Audit == nil && raw.PriorTotalScore > 0 {
			opp.Audit = &models.DisqualificationAudit{
				OriginalScore:  scoring.Round2(raw.PriorTotalScore),
				Reason:         ReasonSimplicityViolation,
				DisqualifiedAt: validatedAt,
				FunctionCount:  count,
				MaxAllowed:     v.maxFunctions,
			}
		}
		decision.Outcome = OutcomeDisqualified
	} else {
		scores[models.DimensionSimplicity] = simplicity
		total, err := scoring.TotalScore(scores, v.weights)
		if err != nil {
			return ConstraintDecision{}, fmt.Errorf("score %s: %w", raw.ID, err)
		}
		opp.TotalScore = total
		decision.Outcome = OutcomeApproved
	}

	opp.DimensionScores = scores
	opp.ConstraintVersion = v.version
	opp.ValidatedAt = &validatedAt
	decision.Opportunity = opp
	return decision, nil
}

func copyAudit(a *models.DisqualificationAudit) *models.DisqualificationAudit {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
