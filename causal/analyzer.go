package causal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/narrativelabs/driftwatch/llm"
)

// historicalCutoffYear separates library history from current events.
// Only events strictly before this year count as historical parallels.
const historicalCutoffYear = 2024

// Analyzer matches current events against the library, asks the LLM for
// warnings and prevention strategies, and caches results by input.
type Analyzer struct {
	lib    *Library
	client llm.Client
	cache  *ttlCache
	log    *zap.Logger
	now    func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCacheTTL overrides the analysis cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Analyzer) { a.cache = newTTLCache(ttl) }
}

// WithClock overrides the analyzer clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
		a.cache.now = now
	}
}

// NewAnalyzer builds an analyzer. A nil client disables the LLM
// contribution; analyses still carry the library-derived confidence.
func NewAnalyzer(lib *Library, client llm.Client, log *zap.Logger, opts ...Option) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Analyzer{
		lib:    lib,
		client: client,
		cache:  newTTLCache(DefaultCacheTTL),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze produces the causal analysis for one current event.
//
// Confidence composes a library term with an LLM term:
//
//	base  = mean(parallel confidences) · min(|chains|/3, 1)   (0.3 when either set is empty)
//	llm   = min(0.2·|warnings| + 0.2·|strategies|, 0.6)
//	final = min(base + llm, 1)
//
// An LLM failure degrades gracefully: the analysis is still returned with
// the llm term at zero.
func (a *Analyzer) Analyze(ctx context.Context, current CurrentEvent) (Analysis, error) {
	key := cacheKey(current)
	if cached, ok := a.cache.get(key); ok {
		return cached, nil
	}

	parallels := a.historicalParallels(current)
	chains := a.matchedChains(current)

	base := 0.3
	if len(parallels) > 0 && len(chains) > 0 {
		sum := 0.0
		for _, p := range parallels {
			sum += p.Confidence
		}
		chainFactor := float64(len(chains)) / 3.0
		if chainFactor > 1 {
			chainFactor = 1
		}
		base = (sum / float64(len(parallels))) * chainFactor
	}

	warnings, strategies := a.llmGuidance(ctx, current, parallels, chains)
	llmTerm := 0.2*float64(len(warnings)) + 0.2*float64(len(strategies))
	if llmTerm > 0.6 {
		llmTerm = 0.6
	}

	final := base + llmTerm
	if final > 1 {
		final = 1
	}

	analysis := Analysis{
		CurrentEvent:         current,
		Timestamp:            a.now(),
		HistoricalParallels:  parallels,
		MatchedChains:        chains,
		Warnings:             warnings,
		PreventionStrategies: strategies,
		Confidence:           final,
	}
	a.cache.put(key, analysis)
	return analysis, nil
}

// ClearExpired purges expired cache entries.
func (a *Analyzer) ClearExpired() int {
	return a.cache.clearExpired()
}

// CacheLen reports the live cache size, for logging.
func (a *Analyzer) CacheLen() int { return a.cache.len() }

func (a *Analyzer) historicalParallels(current CurrentEvent) []Event {
	out := make([]Event, 0)
	for _, ev := range a.lib.Events() {
		if ev.Timestamp.Year() >= historicalCutoffYear {
			continue
		}
		if ev.Category == current.Category && ev.Scope == current.Scope {
			out = append(out, ev)
		}
	}
	return out
}

func (a *Analyzer) matchedChains(current CurrentEvent) []TimelineChain {
	out := make([]TimelineChain, 0)
	for _, chain := range a.lib.Chains() {
		if chain.HasCategory(current.Category) {
			out = append(out, chain)
		}
	}
	return out
}

// guidanceDoc is the JSON contract the LLM is prompted to return.
type guidanceDoc struct {
	Warnings   []string `json:"warnings"`
	Strategies []string `json:"strategies"`
}

func (a *Analyzer) llmGuidance(ctx context.Context, current CurrentEvent, parallels []Event, chains []TimelineChain) (warnings, strategies []string) {
	if a.client == nil {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current event: %s (category=%s scope=%s)\n\n", current.Description, current.Category, current.Scope)
	if len(parallels) > 0 {
		sb.WriteString("Historical parallels:\n")
		for _, p := range parallels {
			fmt.Fprintf(&sb, "- %s (%s)\n", p.Description, p.Timestamp.Format("2006-01-02"))
		}
		sb.WriteString("\n")
	}
	if len(chains) > 0 {
		sb.WriteString("Matched causal chains:\n")
		for _, c := range chains {
			fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.FinalOutcome)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(`Respond with a JSON object {"warnings": [...], "strategies": [...]} ` +
		`listing concrete warning signs visible now and prevention strategies. No prose outside the JSON.`)

	text, err := a.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You analyze how current events rhyme with historical causal chains."},
		{Role: llm.RoleUser, Content: sb.String()},
	})
	if err != nil {
		a.log.Warn("llm guidance failed, continuing with library confidence only", zap.Error(err))
		return nil, nil
	}

	var doc guidanceDoc
	if err := json.Unmarshal([]byte(extractJSON(text)), &doc); err != nil {
		a.log.Warn("llm guidance unparseable", zap.Error(err))
		return nil, nil
	}
	return doc.Warnings, doc.Strategies
}

// extractJSON pulls the first top-level JSON object from a completion
// that may wrap it in code fences or prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
