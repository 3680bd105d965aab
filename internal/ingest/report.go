package ingest

import "github.com/david/opportunity-validator/internal/models"

// RecordSummary is the flat per-record view printed by the CLI and returned
// by the API.
type RecordSummary struct {
	Index         int                `json:"index"`
	ID            string             `json:"id"`
	Outcome       string             `json:"outcome"`
	TotalScore    float64            `json:"total_score"`
	FunctionCount int                `json:"function_count"`
	CoreFunctions []string           `json:"core_functions,omitempty"`
	FunctionSrc   string             `json:"function_source,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Corrected     bool               `json:"corrected,omitempty"`
	DedupStatus   models.DedupStatus `json:"dedup_status,omitempty"`
	Fingerprint   string             `json:"fingerprint,omitempty"`
}

func (r RecordResult) Summary() RecordSummary {
	s := RecordSummary{Index: r.Index, ID: r.ID}
	if r.Err != nil {
		s.Outcome = "error"
		s.Reason = r.Err.Reason() + ": " + r.Err.Err.Error()
		return s
	}
	opp := r.Decision.Opportunity
	s.Outcome = string(r.Decision.Outcome)
	s.TotalScore = opp.TotalScore
	s.FunctionCount = opp.FunctionCount
	s.CoreFunctions = opp.CoreFunctions
	s.FunctionSrc = r.Decision.Source.String()
	s.Reason = r.Decision.Reason()
	s.Corrected = r.Decision.Corrected
	if r.Resolution != nil {
		s.DedupStatus = r.Resolution.Outcome
		s.Fingerprint = r.Resolution.Fingerprint
	}
	return s
}

// BatchReport is the JSON form of a BatchResult.
type BatchReport struct {
	RunID   string          `json:"run_id,omitempty"`
	Stats   BatchStats      `json:"stats"`
	Records []RecordSummary `json:"records"`
}

func (b BatchResult) Report() BatchReport {
	rep := BatchReport{RunID: b.RunID, Stats: b.Stats, Records: make([]RecordSummary, 0, len(b.Records))}
	for _, r := range b.Records {
		rep.Records = append(rep.Records, r.Summary())
	}
	return rep
}
