package ingest

import (
	"bytes"
	"encoding/json"

	"github.com/david/opportunity-validator/internal/models"
)

// RawOpportunity is an unvalidated record as delivered by the upstream
// collector and dimension scorer. Exactly which function representation is
// populated varies by producer and by record age.
type RawOpportunity struct {
	ID                 string                 `json:"id"`
	ConceptDescription string                 `json:"concept_description"`
	DimensionScores    models.DimensionScores `json:"dimension_scores"`

	// Function representations, in resolution priority order.
	FunctionList        []string        `json:"function_list,omitempty"`
	CoreFunctionsJSON   json.RawMessage `json:"core_functions_json,omitempty"`
	LegacyFunctionCount *float64        `json:"function_count_legacy,omitempty"`

	// Previously stored state, present when re-validating.
	StoredFunctionCount *int                          `json:"function_count,omitempty"`
	PriorTotalScore     float64                       `json:"total_score,omitempty"`
	Audit               *models.DisqualificationAudit `json:"audit,omitempty"`

	SourceRunID string `json:"source_run_id,omitempty"`
}

// FunctionSourceKind tags which representation a record's functions come from.
type FunctionSourceKind int

const (
	SourceExplicitList FunctionSourceKind = iota + 1
	SourceSerialized
	SourceLegacyCount
	SourceFreeText
)

func (k FunctionSourceKind) String() string {
	switch k {
	case SourceExplicitList:
		return "explicit_list"
	case SourceSerialized:
		return "serialized"
	case SourceLegacyCount:
		return "legacy_count"
	case SourceFreeText:
		return "free_text"
	default:
		return "unknown"
	}
}

// FunctionSource is the resolved function representation of one record.
// Only the field matching Kind is meaningful.
type FunctionSource struct {
	Kind    FunctionSourceKind
	List    []string
	Payload json.RawMessage
	Count   float64
	Text    string
}

// ResolveFunctionSource picks the first representation present on raw.
// An explicit list counts as present when non-nil, even if empty.
func ResolveFunctionSource(raw RawOpportunity) FunctionSource {
	switch {
	case raw.FunctionList != nil:
		return FunctionSource{Kind: SourceExplicitList, List: raw.FunctionList}
	case hasPayload(raw.CoreFunctionsJSON):
		return FunctionSource{Kind: SourceSerialized, Payload: raw.CoreFunctionsJSON}
	case raw.LegacyFunctionCount != nil:
		return FunctionSource{Kind: SourceLegacyCount, Count: *raw.LegacyFunctionCount}
	default:
		return FunctionSource{Kind: SourceFreeText, Text: raw.ConceptDescription}
	}
}

func hasPayload(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// RawFromStored rebuilds the raw form of a persisted opportunity so it can be
// run through the validator again.
func RawFromStored(opp models.Opportunity) RawOpportunity {
	count := opp.FunctionCount
	functions := opp.CoreFunctions
	if functions == nil {
		functions = []string{}
	}
	raw := RawOpportunity{
		ID:                  opp.ID,
		ConceptDescription:  opp.ConceptDescription,
		DimensionScores:     opp.DimensionScores.Clone(),
		FunctionList:        append([]string{}, functions...),
		StoredFunctionCount: &count,
		PriorTotalScore:     opp.TotalScore,
		Audit:               opp.Audit,
	}
	if opp.SourceRunID != nil {
		raw.SourceRunID = *opp.SourceRunID
	}
	return raw
}
