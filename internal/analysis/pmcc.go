// Package analysis pairs long LEAPS calls with short near-dated calls and
// scores how well each pair fits the poor man's covered call strategy. The
// score it produces feeds the scoring package as the traditional component.
package analysis

import (
	"time"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scoring"
)

// Criteria bound which contracts qualify for each leg.
type Criteria struct {
	MinLongDelta  float64 // deep ITM long leg
	MinLongDTE    int
	MinShortDTE   int
	MaxShortDTE   int
	MinOpenInt    int64
	MaxSpreadPct  float64 // bid/ask spread as a fraction of mid
	MaxCandidates int     // per symbol, best-scored first
}

// DefaultCriteria are the standard PMCC leg bounds.
func DefaultCriteria() Criteria {
	return Criteria{
		MinLongDelta:  0.70,
		MinLongDTE:    270,
		MinShortDTE:   25,
		MaxShortDTE:   45,
		MinOpenInt:    50,
		MaxSpreadPct:  0.10,
		MaxCandidates: 3,
	}
}

// Analyzer scores PMCC candidate pairs from an options chain.
type Analyzer struct {
	criteria Criteria
	now      func() time.Time
}

// NewAnalyzer builds an analyzer with the given criteria.
func NewAnalyzer(criteria Criteria) *Analyzer {
	if criteria.MaxCandidates <= 0 {
		criteria.MaxCandidates = 3
	}
	return &Analyzer{criteria: criteria, now: time.Now}
}

// FindOpportunities pairs qualifying long and short calls from the chain and
// returns the best-scoring pairs as opportunities, ranked by traditional
// score. An empty result is valid, not an error.
func (a *Analyzer) FindOpportunities(chain *provider.OptionsChain, quote *provider.StockQuote) []scoring.Opportunity {
	if chain == nil || quote == nil {
		return nil
	}
	now := a.now()

	var longs, shorts []provider.OptionContract
	for _, c := range chain.Contracts {
		if c.Side != "call" {
			continue
		}
		if !a.liquid(c) {
			continue
		}
		dte := c.DTE(now)
		switch {
		case dte >= a.criteria.MinLongDTE && c.Greeks.Delta >= a.criteria.MinLongDelta && c.Strike < quote.Price:
			longs = append(longs, c)
		case dte >= a.criteria.MinShortDTE && dte <= a.criteria.MaxShortDTE && c.Strike > quote.Price:
			shorts = append(shorts, c)
		}
	}

	var opps []scoring.Opportunity
	for _, long := range longs {
		for _, short := range shorts {
			if short.Strike <= long.Strike {
				continue
			}
			netDebit := long.Mid() - short.Mid()
			if netDebit <= 0 {
				continue
			}
			width := short.Strike - long.Strike
			if netDebit >= width {
				// Pair cannot profit if called away; structurally unsound.
				continue
			}

			score := a.scorePair(long, short, quote, netDebit, width, now)
			opps = append(opps, scoring.Opportunity{
				Symbol:           quote.Symbol,
				TraditionalScore: score,
				TraditionalRec:   recommendationFor(score),
				LongOption:       long.OptionSymbol,
				ShortOption:      short.OptionSymbol,
				NetDebit:         netDebit,
			})
		}
	}

	scoring.Rank(opps)
	if len(opps) > a.criteria.MaxCandidates {
		opps = opps[:a.criteria.MaxCandidates]
	}
	return opps
}

// liquid rejects contracts with no book, thin open interest, or a spread wider
// than the configured fraction of mid.
func (a *Analyzer) liquid(c provider.OptionContract) bool {
	if c.Bid <= 0 || c.Ask <= 0 {
		return false
	}
	if c.OpenInterest < a.criteria.MinOpenInt {
		return false
	}
	mid := c.Mid()
	if mid <= 0 {
		return false
	}
	return (c.Ask-c.Bid)/mid <= a.criteria.MaxSpreadPct
}

// scorePair produces the 0-100 traditional score from liquidity, risk and
// calendar components.
func (a *Analyzer) scorePair(long, short provider.OptionContract, quote *provider.StockQuote, netDebit, width float64, now time.Time) float64 {
	// Liquidity: open interest depth and spread tightness, 0-30.
	liquidity := 0.0
	oi := float64(long.OpenInterest + short.OpenInterest)
	if oi > 2000 {
		liquidity += 15
	} else {
		liquidity += oi / 2000 * 15
	}
	spreadPct := ((long.Ask - long.Bid) / long.Mid()) + ((short.Ask - short.Bid) / short.Mid())
	tightness := 15 - spreadPct/(2*a.criteria.MaxSpreadPct)*15
	if tightness < 0 {
		tightness = 0
	}
	liquidity += tightness

	// Risk: how much of the strike width the debit consumes, 0-40. A debit
	// near the width leaves no room for profit.
	risk := (1 - netDebit/width) * 40

	// Calendar fit: short leg near the middle of the 25-45 DTE window and a
	// long leg well past the minimum, 0-20.
	calendar := 0.0
	shortDTE := float64(short.DTE(now))
	mid := float64(a.criteria.MinShortDTE+a.criteria.MaxShortDTE) / 2
	span := float64(a.criteria.MaxShortDTE-a.criteria.MinShortDTE) / 2
	if span > 0 {
		dist := shortDTE - mid
		if dist < 0 {
			dist = -dist
		}
		calendar += (1 - dist/span) * 10
	}
	longDTE := float64(long.DTE(now))
	if longDTE >= float64(a.criteria.MinLongDTE)*1.3 {
		calendar += 10
	} else {
		calendar += (longDTE - float64(a.criteria.MinLongDTE)) / (float64(a.criteria.MinLongDTE) * 0.3) * 10
	}

	// Delta fit: long leg depth beyond the minimum, 0-10.
	deltaFit := (long.Greeks.Delta - a.criteria.MinLongDelta) / (1 - a.criteria.MinLongDelta) * 10
	if deltaFit > 10 {
		deltaFit = 10
	}
	if deltaFit < 0 {
		deltaFit = 0
	}

	score := liquidity + risk + calendar + deltaFit
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// recommendationFor maps a traditional score onto a recommendation band.
func recommendationFor(score float64) string {
	switch {
	case score >= 80:
		return "strong_buy"
	case score >= 60:
		return "buy"
	case score >= 40:
		return "hold"
	default:
		return "avoid"
	}
}
