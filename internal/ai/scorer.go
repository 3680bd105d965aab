package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/david/opportunity-validator/internal/models"
)

// upstreamDimensions are the sub-scores the model is asked for. Simplicity
// is never requested; the constraint validator derives it.
var upstreamDimensions = []models.Dimension{
	models.DimensionMarketDemand,
	models.DimensionPainIntensity,
	models.DimensionMonetizationPotential,
	models.DimensionMarketGap,
	models.DimensionTechnicalFeasibility,
}

// DimensionScorer asks a model for the five upstream sub-scores of a concept.
type DimensionScorer struct {
	client Completer
}

func NewDimensionScorer(client Completer) *DimensionScorer {
	return &DimensionScorer{client: client}
}

func (s *DimensionScorer) Score(ctx context.Context, conceptDescription string, coreFunctions []string) (models.DimensionScores, error) {
	functions, _ := json.Marshal(coreFunctions)
	prompt := fmt.Sprintf(`You are an analyst rating a software business idea.

CONCEPT: %s
CORE FUNCTIONS: %s

Rate each dimension from 0 to 100 where 100 is best:
- market_demand: how many people want this
- pain_intensity: how badly the problem hurts
- monetization_potential: how readily users will pay
- market_gap: how underserved the market is
- technical_feasibility: how easy it is to build

Return a JSON object with exactly these keys and numeric values:
{"market_demand": 0, "pain_intensity": 0, "monetization_potential": 0, "market_gap": 0, "technical_feasibility": 0}

RESPOND ONLY WITH JSON.`, conceptDescription, string(functions))

	resp, err := s.client.GenerateCompletion(ctx, prompt, true)
	if err != nil {
		return nil, err
	}
	return parseDimensionScores(resp)
}

func parseDimensionScores(resp string) (models.DimensionScores, error) {
	var raw map[string]float64
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse score json: %w. Response: %s", err, resp)
	}

	scores := make(models.DimensionScores, len(upstreamDimensions))
	for _, d := range upstreamDimensions {
		v, ok := raw[string(d)]
		if !ok {
			return nil, fmt.Errorf("model response missing %s", d)
		}
		// Models drift outside the range now and then; clamp rather than reject.
		scores[d] = math.Max(0, math.Min(100, math.Round(v*100)/100))
	}
	return scores, nil
}
