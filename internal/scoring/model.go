package scoring

import (
	"fmt"
	"math"
)

// Recommendation is the five-way action tag produced by reconciliation.
type Recommendation string

const (
	RecStrongBuy  Recommendation = "strong_buy"
	RecBuy        Recommendation = "buy"
	RecHold       Recommendation = "hold"
	RecSell       Recommendation = "sell"
	RecStrongSell Recommendation = "strong_sell"
)

// recScale maps textual recommendations onto the fixed integer scale used for
// confidence-weighted averaging. Unknown tags map to 0 (hold).
func recScale(rec string) float64 {
	switch rec {
	case "strong_buy":
		return 2
	case "buy":
		return 1
	case "neutral", "hold", "":
		return 0
	case "sell", "avoid":
		return -1
	case "strong_sell":
		return -2
	default:
		return 0
	}
}

// Weights are the traditional/AI combination weights. Validated once at
// configuration load, never at combination time.
type Weights struct {
	PMCC float64 `yaml:"pmcc_weight"`
	AI   float64 `yaml:"ai_weight"`
}

// DefaultWeights is the 0.6/0.4 split used when configuration is silent.
func DefaultWeights() Weights { return Weights{PMCC: 0.6, AI: 0.4} }

// Validate enforces the sum-to-one invariant with ±0.01 tolerance.
func (w Weights) Validate() error {
	if math.Abs(w.PMCC+w.AI-1.0) > 0.01 {
		return fmt.Errorf("scoring weights must sum to 1.0, got pmcc=%.3f ai=%.3f", w.PMCC, w.AI)
	}
	return nil
}

// Opportunity is one PMCC candidate flowing through the pipeline. Values are
// created per scan and discarded after export; no component owns them.
type Opportunity struct {
	Symbol           string  `json:"symbol"`
	TraditionalScore float64 `json:"traditional_score"`
	TraditionalRec   string  `json:"traditional_recommendation,omitempty"`

	LongOption  string  `json:"long_option,omitempty"`
	ShortOption string  `json:"short_option,omitempty"`
	NetDebit    float64 `json:"net_debit,omitempty"`

	AIAnalyzed       bool               `json:"ai_analyzed"`
	AIScore          *float64           `json:"ai_score,omitempty"`
	AIConfidence     *float64           `json:"ai_confidence,omitempty"` // 0-100
	AIRecommendation string             `json:"ai_recommendation,omitempty"`
	AIReasoning      string             `json:"ai_reasoning,omitempty"`
	AISubScores      map[string]float64 `json:"ai_sub_scores,omitempty"`

	CombinedScore float64        `json:"combined_score"`
	CombinedRec   Recommendation `json:"combined_recommendation"`
}

// AIResult is the per-symbol payload from the AI analysis provider. Every
// field besides Symbol is independently optional.
type AIResult struct {
	Symbol         string             `json:"symbol"`
	Score          float64            `json:"score"`      // 0-100
	Confidence     float64            `json:"confidence"` // 0-100
	Recommendation string             `json:"recommendation,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
	SubScores      map[string]float64 `json:"sub_scores,omitempty"` // risk/fundamental/technical/calendar/strategy
}
