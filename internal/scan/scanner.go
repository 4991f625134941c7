// Package scan drives a full PMCC scan: fan out over the symbol universe,
// fetch quotes and chains through the provider factory, pair and score
// candidates, enrich with AI analysis when available, and rank the results.
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ft1-1/pmcc-scanner-sub002/internal/analysis"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/provider"
	"github.com/ft1-1/pmcc-scanner-sub002/internal/scoring"
)

// AIAnalyzer is the optional enrichment backend. A nil analyzer disables the
// AI leg; opportunities then carry the traditional score alone.
type AIAnalyzer interface {
	AnalyzeOpportunities(ctx context.Context, opps []scoring.Opportunity) (map[string]scoring.AIResult, error)
}

// Options bound one scan run.
type Options struct {
	Symbols  []string
	Workers  int
	Criteria analysis.Criteria
	Filter   scoring.FilterCriteria
}

// Report is the outcome of one scan run.
type Report struct {
	RunID         string                         `json:"run_id"`
	StartedAt     time.Time                      `json:"started_at"`
	Duration      time.Duration                  `json:"duration"`
	SymbolsTotal  int                            `json:"symbols_total"`
	SymbolsFailed int                            `json:"symbols_failed"`
	AIAnalyzed    bool                           `json:"ai_analyzed"`
	FailureCounts map[provider.OperationType]int `json:"failure_counts,omitempty"`
	Opportunities []scoring.Opportunity          `json:"opportunities"`
}

// Scanner runs PMCC scans against the provider factory.
type Scanner struct {
	factory  *provider.Factory
	combiner *scoring.Combiner
	ai       AIAnalyzer
	log      zerolog.Logger
}

// New builds a scanner. ai may be nil.
func New(factory *provider.Factory, combiner *scoring.Combiner, ai AIAnalyzer) *Scanner {
	return &Scanner{
		factory:  factory,
		combiner: combiner,
		ai:       ai,
		log:      log.With().Str("component", "scanner").Logger(),
	}
}

type symbolResult struct {
	opps   []scoring.Opportunity
	failed provider.OperationType // empty when the symbol succeeded
}

// Run executes a full scan. Individual symbol failures are counted, logged
// and skipped; only context cancellation aborts the run.
func (s *Scanner) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID:         uuid.NewString(),
		StartedAt:     start,
		SymbolsTotal:  len(opts.Symbols),
		FailureCounts: make(map[provider.OperationType]int),
	}
	runLog := s.log.With().Str("run_id", report.RunID).Logger()
	runLog.Info().Int("symbols", len(opts.Symbols)).Msg("scan started")

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(opts.Symbols) {
		workers = len(opts.Symbols)
	}

	analyzer := analysis.NewAnalyzer(opts.Criteria)
	symbols := make(chan string)
	results := make(chan symbolResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range symbols {
				results <- s.scanSymbol(ctx, symbol, analyzer, opts.Criteria, runLog)
			}
		}()
	}
	go func() {
		defer close(symbols)
		for _, symbol := range opts.Symbols {
			select {
			case symbols <- symbol:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var opps []scoring.Opportunity
	for res := range results {
		if res.failed != "" {
			report.SymbolsFailed++
			report.FailureCounts[res.failed]++
			continue
		}
		opps = append(opps, res.opps...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	aiResults := s.analyze(ctx, opps, runLog)
	report.AIAnalyzed = aiResults != nil

	combined := s.combiner.CombineAll(opps, aiResults)
	report.Opportunities = scoring.Filter(combined, opts.Filter)
	report.Duration = time.Since(start)

	runLog.Info().
		Int("candidates", len(combined)).
		Int("passed_filter", len(report.Opportunities)).
		Int("symbols_failed", report.SymbolsFailed).
		Dur("duration", report.Duration).
		Msg("scan finished")
	return report, nil
}

// scanSymbol fetches the quote and chain for one symbol and extracts its
// candidate pairs.
func (s *Scanner) scanSymbol(ctx context.Context, symbol string, analyzer *analysis.Analyzer, criteria analysis.Criteria, runLog zerolog.Logger) symbolResult {
	quoteResp := s.factory.GetStockQuote(ctx, symbol)
	if !quoteResp.IsSuccess() {
		runLog.Warn().Str("symbol", symbol).Str("status", string(quoteResp.Status)).Msg("quote fetch failed")
		return symbolResult{failed: provider.OpGetStockQuote}
	}
	quote, ok := quoteResp.Data.(*provider.StockQuote)
	if !ok {
		runLog.Warn().Str("symbol", symbol).Msg("unexpected quote payload")
		return symbolResult{failed: provider.OpGetStockQuote}
	}

	chainResp := s.factory.GetOptionsChain(ctx, provider.ChainRequest{
		Symbol:  symbol,
		Side:    "call",
		MinDTE:  criteria.MinShortDTE,
		MinOpen: criteria.MinOpenInt,
	})
	if chainResp.IsNoData() {
		return symbolResult{} // nothing listed, not a failure
	}
	if !chainResp.IsSuccess() {
		runLog.Warn().Str("symbol", symbol).Str("status", string(chainResp.Status)).Msg("chain fetch failed")
		return symbolResult{failed: provider.OpGetOptionsChain}
	}
	chain, ok := chainResp.Data.(*provider.OptionsChain)
	if !ok {
		runLog.Warn().Str("symbol", symbol).Msg("unexpected chain payload")
		return symbolResult{failed: provider.OpGetOptionsChain}
	}

	return symbolResult{opps: analyzer.FindOpportunities(chain, quote)}
}

// analyze runs the AI leg. Any failure degrades the scan to traditional-only
// scoring rather than aborting it.
func (s *Scanner) analyze(ctx context.Context, opps []scoring.Opportunity, runLog zerolog.Logger) map[string]scoring.AIResult {
	if s.ai == nil || len(opps) == 0 {
		return nil
	}
	results, err := s.ai.AnalyzeOpportunities(ctx, opps)
	if err != nil {
		runLog.Warn().Err(err).Msg("ai analysis unavailable, continuing with traditional scores")
		return nil
	}
	return results
}
