package ingest

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/david/opportunity-validator/internal/models"
	"github.com/david/opportunity-validator/internal/scoring"
)

var validatedAt = time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)

func upstreamScores() models.DimensionScores {
	return models.DimensionScores{
		models.DimensionMarketDemand:          80,
		models.DimensionPainIntensity:         85,
		models.DimensionMonetizationPotential: 78,
		models.DimensionMarketGap:             72,
		models.DimensionTechnicalFeasibility:  95,
	}
}

func newValidator(t *testing.T) *ConstraintValidator {
	t.Helper()
	v, err := NewConstraintValidator(nil)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return v
}

func TestValidate_ApprovedExample(t *testing.T) {
	v := newValidator(t)
	raw := RawOpportunity{
		ID:                 "6f1c1a52-9d4e-4c53-9a52-0b3c3f1d2e10",
		ConceptDescription: "Receipt scanner for freelancers",
		DimensionScores:    upstreamScores(),
		FunctionList:       []string{"Scan receipts"},
	}

	d, err := v.Validate(raw, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opp := d.Opportunity
	if d.Outcome != OutcomeApproved {
		t.Fatalf("expected approved, got %s", d.Outcome)
	}
	if opp.TotalScore != 84.80 {
		t.Fatalf("expected total 84.80, got %v", opp.TotalScore)
	}
	if opp.DimensionScores[models.DimensionSimplicity] != 100 {
		t.Fatalf("expected simplicity 100, got %v", opp.DimensionScores[models.DimensionSimplicity])
	}
	if opp.IsDisqualified || opp.ViolationReason != "" || opp.Audit != nil {
		t.Fatalf("approved record carries disqualification state: %+v", opp)
	}
	if opp.ConstraintVersion != ConstraintVersion {
		t.Fatalf("expected constraint version %s, got %s", ConstraintVersion, opp.ConstraintVersion)
	}
	if opp.ValidatedAt == nil || !opp.ValidatedAt.Equal(validatedAt) {
		t.Fatalf("expected validated_at %s, got %v", validatedAt, opp.ValidatedAt)
	}
}

func TestValidate_FourFunctionsDisqualified(t *testing.T) {
	v := newValidator(t)
	raw := RawOpportunity{
		ID:              "6f1c1a52-9d4e-4c53-9a52-0b3c3f1d2e11",
		DimensionScores: upstreamScores(),
		FunctionList:    []string{"Track", "Split", "Export", "Chat"},
		PriorTotalScore: 81.3,
	}

	d, err := v.Validate(raw, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opp := d.Opportunity
	if d.Outcome != OutcomeDisqualified || !opp.IsDisqualified {
		t.Fatalf("expected disqualified, got %s", d.Outcome)
	}
	if opp.TotalScore != 0 {
		t.Fatalf("expected total 0, got %v", opp.TotalScore)
	}
	if opp.DimensionScores[models.DimensionSimplicity] != 0 {
		t.Fatalf("expected simplicity 0, got %v", opp.DimensionScores[models.DimensionSimplicity])
	}
	if !strings.Contains(opp.ViolationReason, "4") || !strings.Contains(opp.ViolationReason, "3") {
		t.Fatalf("expected reason naming 4 and 3, got %q", opp.ViolationReason)
	}
	if opp.Audit == nil {
		t.Fatal("expected audit for previously scored record")
	}
	if opp.Audit.OriginalScore != 81.3 || opp.Audit.FunctionCount != 4 || opp.Audit.MaxAllowed != 3 {
		t.Fatalf("unexpected audit: %+v", opp.Audit)
	}
	if opp.Audit.Reason != ReasonSimplicityViolation {
		t.Fatalf("expected audit reason %s, got %s", ReasonSimplicityViolation, opp.Audit.Reason)
	}
}

func TestValidate_NoAuditWithoutPriorScore(t *testing.T) {
	v := newValidator(t)
	d, err := v.Validate(RawOpportunity{ID: "x-1", FunctionList: []string{"a", "b", "c", "d", "e"}}, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Opportunity.Audit != nil {
		t.Fatalf("expected no audit, got %+v", d.Opportunity.Audit)
	}
}

func TestValidate_AuditIsWriteOnce(t *testing.T) {
	v := newValidator(t)
	first := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	existing := &models.DisqualificationAudit{OriginalScore: 77.5, Reason: ReasonSimplicityViolation, DisqualifiedAt: first, FunctionCount: 5, MaxAllowed: 3}

	d, err := v.Validate(RawOpportunity{
		ID:              "x-2",
		FunctionList:    []string{"a", "b", "c", "d"},
		PriorTotalScore: 90,
		Audit:           existing,
	}, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(d.Opportunity.Audit, existing) {
		t.Fatalf("audit was overwritten: %+v", d.Opportunity.Audit)
	}
}

func TestValidate_SimplicityTableAndGate(t *testing.T) {
	v := newValidator(t)
	for n := 1; n <= 8; n++ {
		fns := make([]string, n)
		for i := range fns {
			fns[i] = "fn " + string(rune('a'+i))
		}
		d, err := v.Validate(RawOpportunity{ID: "x-3", DimensionScores: upstreamScores(), FunctionList: fns}, validatedAt)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}
		opp := d.Opportunity
		if opp.FunctionCount != len(opp.CoreFunctions) || opp.FunctionCount != n {
			t.Fatalf("n=%d: function_count %d, core_functions %d", n, opp.FunctionCount, len(opp.CoreFunctions))
		}
		want, _ := scoring.SimplicityScore(n)
		if got := opp.DimensionScores[models.DimensionSimplicity]; got != want {
			t.Fatalf("n=%d: expected simplicity %v, got %v", n, want, got)
		}
		if disq := n > MaxCoreFunctions; disq != opp.IsDisqualified {
			t.Fatalf("n=%d: expected disqualified=%v", n, disq)
		}
		if opp.IsDisqualified && opp.TotalScore != 0 {
			t.Fatalf("n=%d: disqualified record scored %v", n, opp.TotalScore)
		}
		if !opp.IsDisqualified && opp.TotalScore <= 0 {
			t.Fatalf("n=%d: approved record has no score", n)
		}
	}
}

func TestValidate_MissingFunctions(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		raw  RawOpportunity
	}{
		{name: "empty explicit list", raw: RawOpportunity{ID: "x-4", FunctionList: []string{}}},
		{name: "blank explicit list", raw: RawOpportunity{ID: "x-4", FunctionList: []string{" ", ""}}},
		{name: "zero legacy count", raw: RawOpportunity{ID: "x-4", LegacyFunctionCount: floatPtr(0)}},
		{name: "no heuristic match", raw: RawOpportunity{ID: "x-4", ConceptDescription: "Something about money."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.raw, validatedAt)
			if !errors.Is(err, ErrMissingFunctions) {
				t.Fatalf("expected ErrMissingFunctions, got %v", err)
			}
		})
	}
}

func TestValidate_Malformed(t *testing.T) {
	v := newValidator(t)
	if _, err := v.Validate(RawOpportunity{ID: "  ", FunctionList: []string{"a"}}, validatedAt); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected malformed for missing id, got %v", err)
	}
	if _, err := v.Validate(RawOpportunity{ID: "x-5", CoreFunctionsJSON: json.RawMessage(`"nope"`)}, validatedAt); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected malformed for bad serialized form, got %v", err)
	}
}

func TestValidate_CorrectsStoredCount(t *testing.T) {
	v := newValidator(t)
	stored := 5
	d, err := v.Validate(RawOpportunity{
		ID:                  "x-6",
		DimensionScores:     upstreamScores(),
		FunctionList:        []string{"a", "b"},
		StoredFunctionCount: &stored,
	}, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Corrected || len(d.Warnings) != 1 {
		t.Fatalf("expected one correction warning, got %+v", d.Warnings)
	}
	if d.Opportunity.FunctionCount != 2 {
		t.Fatalf("expected corrected count 2, got %d", d.Opportunity.FunctionCount)
	}
}

func TestValidate_MissingDimensionOnApprove(t *testing.T) {
	v := newValidator(t)
	scores := upstreamScores()
	delete(scores, models.DimensionPainIntensity)

	_, err := v.Validate(RawOpportunity{ID: "x-7", DimensionScores: scores, FunctionList: []string{"a"}}, validatedAt)
	if !errors.Is(err, scoring.ErrMissingDimension) {
		t.Fatalf("expected ErrMissingDimension, got %v", err)
	}
}

func TestValidate_IsIdempotent(t *testing.T) {
	v := newValidator(t)
	raw := RawOpportunity{
		ID:                 "x-8",
		ConceptDescription: "It lets you track habits, log meals and plan workouts.",
		DimensionScores:    upstreamScores(),
	}

	a, err := v.Validate(raw, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := v.Validate(raw, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ja, _ := json.Marshal(a.Opportunity)
	jb, _ := json.Marshal(b.Opportunity)
	if string(ja) != string(jb) {
		t.Fatalf("expected identical output\n%s\n%s", ja, jb)
	}

	again, err := v.Validate(RawFromStored(a.Opportunity), validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jc, _ := json.Marshal(again.Opportunity)
	if string(ja) != string(jc) {
		t.Fatalf("re-validating a stored record changed it\n%s\n%s", ja, jc)
	}
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	v := newValidator(t)
	scores := upstreamScores()
	fns := []string{" a ", "b"}
	_, err := v.Validate(RawOpportunity{ID: "x-9", DimensionScores: scores, FunctionList: fns}, validatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := scores[models.DimensionSimplicity]; ok {
		t.Fatal("validator wrote into caller's score map")
	}
	if fns[0] != " a " {
		t.Fatal("validator rewrote caller's function list")
	}
}

func TestNewConstraintValidator_RejectsBadWeights(t *testing.T) {
	w := scoring.DefaultWeights()
	w[models.DimensionSimplicity] = 0.5
	if _, err := NewConstraintValidator(w); !errors.Is(err, scoring.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
