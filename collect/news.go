package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
)

// DefaultRelevanceThreshold gates article emission.
const DefaultRelevanceThreshold = 0.4

// newsEndpoint keys the rate gate for web search.
const newsEndpoint = "websearch"

// newsWindow bounds how far back queries reach.
const newsWindow = 24 * time.Hour

// assetLexicon maps mention keywords to canonical asset tags.
var assetLexicon = map[string]string{
	"bitcoin": "BTC", "btc": "BTC",
	"ethereum": "ETH", "eth": "ETH", "ether": "ETH",
	"solana": "SOL", "sol": "SOL",
	"dogecoin": "DOGE", "doge": "DOGE",
	"ripple": "XRP", "xrp": "XRP",
}

// topicLexicon tags articles with coarse topics.
var topicLexicon = map[string]string{
	"regulation": "regulation", "sec": "regulation", "lawsuit": "regulation",
	"etf": "markets", "futures": "markets", "liquidation": "markets",
	"hack": "security", "exploit": "security", "breach": "security",
	"stablecoin": "stablecoins", "defi": "defi", "mining": "mining",
	"adoption": "adoption", "payment": "adoption",
}

// NewsCollector issues time-bounded web searches and emits relevant,
// URL-deduplicated NewsEvents.
type NewsCollector struct {
	src       sources.WebSearch
	gate      *rategate.Gate
	queries   []string
	threshold float64
	perQuery  int
	log       *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]struct{} // URLs emitted across runs
}

// NewNewsCollector builds the collector.
func NewNewsCollector(src sources.WebSearch, gate *rategate.Gate, queries []string, log *zap.Logger) *NewsCollector {
	if log == nil {
		log = zap.NewNop()
	}
	return &NewsCollector{
		src:       src,
		gate:      gate,
		queries:   queries,
		threshold: DefaultRelevanceThreshold,
		perQuery:  20,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		seen:      make(map[string]struct{}),
	}
}

// Name implements Collector.
func (c *NewsCollector) Name() string { return "news" }

// Collect implements Collector.
func (c *NewsCollector) Collect(ctx context.Context, st *state.UnifiedState) error {
	var errs []error
	now := c.now()
	since := now.Add(-newsWindow)

	for _, query := range c.queries {
		if err := c.gate.WaitContext(ctx, newsEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("query %q: %w", query, err))
			continue
		}

		results, err := c.src.Query(ctx, query, c.perQuery, &since)
		if err != nil {
			c.log.Warn("news query failed", zap.String("query", query), zap.Error(err))
			errs = append(errs, fmt.Errorf("query %q: %w", query, err))
			continue
		}

		for _, r := range results {
			if c.duplicate(r.URL) {
				continue
			}
			score := relevance(query, r, now)
			if score <= c.threshold {
				continue
			}
			c.remember(r.URL)

			text := r.Title + " " + r.Description
			st.AppendNewsEvent(state.NewsEvent{
				Title:          r.Title,
				URL:            r.URL,
				PublishedAt:    r.PublishedAt.UTC(),
				Source:         r.Source,
				Description:    r.Description,
				RelevanceScore: score,
				Topics:         extractTopics(text),
				Sentiment:      Sentiment(text),
				RelatedAssets:  extractAssets(text),
			})
		}
	}
	return errors.Join(errs...)
}

func (c *NewsCollector) duplicate(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[url]
	return ok
}

func (c *NewsCollector) remember(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[url] = struct{}{}
}

// relevance blends keyword coverage with recency:
//
//	0.6 · (query terms present / query terms) + 0.4 · max(0, 1 − age/window)
func relevance(query string, r sources.SearchResult, now time.Time) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(r.Title + " " + r.Description)

	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	keyword := float64(hits) / float64(len(terms))

	recency := 0.0
	if !r.PublishedAt.IsZero() {
		age := now.Sub(r.PublishedAt)
		if age < 0 {
			age = 0
		}
		recency = 1 - float64(age)/float64(newsWindow)
		if recency < 0 {
			recency = 0
		}
	}
	return 0.6*keyword + 0.4*recency
}

func extractTopics(text string) []string {
	return extractTagged(text, topicLexicon)
}

func extractAssets(text string) []string {
	return extractTagged(text, assetLexicon)
}

func extractTagged(text string, lexicon map[string]string) []string {
	found := make(map[string]struct{})
	var out []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]#@")
		tag, ok := lexicon[word]
		if !ok {
			continue
		}
		if _, dup := found[tag]; dup {
			continue
		}
		found[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
