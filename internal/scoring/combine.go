package scoring

import (
	"sort"
)

// Combiner merges traditionally computed opportunity scores with AI analysis
// into one ranked collection.
type Combiner struct {
	weights Weights
}

// NewCombiner validates the weights eagerly; invalid weights never reach
// combination time.
func NewCombiner(w Weights) (*Combiner, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Combiner{weights: w}, nil
}

// Apply folds one AI result into an opportunity. A nil result marks the
// opportunity as not analyzed and leaves the combined score equal to the
// traditional score; the opportunity is never dropped.
func (c *Combiner) Apply(opp Opportunity, ai *AIResult) Opportunity {
	if ai == nil {
		opp.AIAnalyzed = false
		opp.CombinedScore = opp.TraditionalScore
		opp.CombinedRec = mapValue(recScale(opp.TraditionalRec))
		return opp
	}

	score := ai.Score
	confidence := ai.Confidence

	opp.AIAnalyzed = true
	opp.AIScore = &score
	opp.AIConfidence = &confidence
	opp.AIRecommendation = ai.Recommendation
	opp.AIReasoning = ai.Reasoning
	opp.AISubScores = ai.SubScores

	opp.CombinedScore = opp.TraditionalScore*c.weights.PMCC + score*c.weights.AI
	opp.CombinedRec = Reconcile(opp.TraditionalRec, ai.Recommendation, &confidence)
	return opp
}

// CombineAll applies results keyed by symbol across a scan's opportunities and
// returns the collection ranked descending by combined score.
func (c *Combiner) CombineAll(opps []Opportunity, results map[string]AIResult) []Opportunity {
	out := make([]Opportunity, 0, len(opps))
	for _, opp := range opps {
		if res, ok := results[opp.Symbol]; ok {
			out = append(out, c.Apply(opp, &res))
		} else {
			out = append(out, c.Apply(opp, nil))
		}
	}
	Rank(out)
	return out
}

// Reconcile maps the traditional and AI recommendations onto the fixed
// integer scale, averages them weighted by AI confidence (confidence/100 for
// the AI side, defaulting to 50 when absent), and maps the continuous value
// back to a discrete recommendation. Pure function of its inputs.
func Reconcile(traditionalRec, aiRec string, confidence *float64) Recommendation {
	conf := 50.0
	if confidence != nil {
		conf = *confidence
	}
	aiWeight := conf / 100.0

	return mapValue(recScale(traditionalRec)*(1-aiWeight) + recScale(aiRec)*aiWeight)
}

// mapValue maps a continuous reconciliation value back onto the five-way enum.
func mapValue(value float64) Recommendation {
	switch {
	case value >= 1.5:
		return RecStrongBuy
	case value >= 0.5:
		return RecBuy
	case value <= -1.5:
		return RecStrongSell
	case value <= -0.5:
		return RecSell
	default:
		return RecHold
	}
}

// Rank sorts descending by combined score, stable with respect to input order
// for ties.
func Rank(opps []Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].CombinedScore > opps[j].CombinedScore
	})
}

// FilterCriteria are minimum thresholds applied with AND semantics.
type FilterCriteria struct {
	MinCombinedScore float64
	MinConfidence    float64
	RequiredRec      Recommendation // empty = any
}

// Filter returns the opportunities satisfying every criterion. Opportunities
// without AI confidence fail a confidence threshold above zero.
func Filter(opps []Opportunity, criteria FilterCriteria) []Opportunity {
	var out []Opportunity
	for _, opp := range opps {
		if opp.CombinedScore < criteria.MinCombinedScore {
			continue
		}
		if criteria.MinConfidence > 0 {
			if opp.AIConfidence == nil || *opp.AIConfidence < criteria.MinConfidence {
				continue
			}
		}
		if criteria.RequiredRec != "" && opp.CombinedRec != criteria.RequiredRec {
			continue
		}
		out = append(out, opp)
	}
	return out
}
