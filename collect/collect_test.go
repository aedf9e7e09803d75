package collect

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
)

// fastGate builds a gate whose floor never delays tests.
func fastGate() *rategate.Gate {
	return rategate.NewGate(time.Nanosecond)
}

func detectConfig() detect.Config {
	return detect.DefaultConfig()
}

func newState() *state.UnifiedState {
	return state.New(kgraph.New(), 10)
}

func barsAround(now time.Time, closes ...float64) []sources.Bar {
	bars := make([]sources.Bar, len(closes))
	for i, c := range closes {
		bars[i] = sources.Bar{
			Close:  c,
			Volume: 100,
			Start:  now.Add(-time.Duration(len(closes)-i) * time.Hour),
		}
	}
	return bars
}

func TestMarketCollectorEmitsOnThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &sources.MockQuoteSource{
		Quotes: map[string]sources.Quote{
			"BTC": {Symbol: "BTC", Price: 110, Volume: 5000, Timestamp: now},
		},
		Bars: map[string][]sources.Bar{
			"BTC": barsAround(now, 100, 102, 104),
		},
	}

	c := NewMarketCollector(src, fastGate(), []string{"BTC"}, 0.05, nil)
	c.now = func() time.Time { return now }

	st := newState()
	require.NoError(t, c.Collect(context.Background(), st))

	require.Len(t, st.MarketEvents, 1)
	ev := st.MarketEvents[0]
	assert.Equal(t, "BTC", ev.Symbol)
	// Baseline is the earliest bar inside the 24h window: close 100.
	assert.InDelta(t, 0.10, ev.Indicators["price_change_24h"], 1e-9)
	assert.InDelta(t, 300, ev.Indicators["volume_24h"], 1e-9)
	assert.NotNil(t, ev.Metadata["historical_tail"])
}

func TestMarketCollectorQuietBelowThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &sources.MockQuoteSource{
		Quotes: map[string]sources.Quote{"ETH": {Symbol: "ETH", Price: 101}},
		Bars:   map[string][]sources.Bar{"ETH": barsAround(now, 100)},
	}

	c := NewMarketCollector(src, fastGate(), []string{"ETH"}, 0.05, nil)
	c.now = func() time.Time { return now }

	st := newState()
	require.NoError(t, c.Collect(context.Background(), st))
	assert.Empty(t, st.MarketEvents, "1% move stays below a 5% threshold")
}

func TestSocialCollectorEngagementAndWatchlist(t *testing.T) {
	now := time.Now().UTC()
	src := &sources.MockSocialPlatform{
		SearchPosts: map[string][]sources.Post{
			"bitcoin": {
				{ID: "1", Text: "bitcoin rally incoming", AuthorHandle: "rando", CreatedAt: now, Likes: 10},
				{ID: "2", Text: "bitcoin crash warning panic", AuthorHandle: "rando2", CreatedAt: now, Likes: 80, Reposts: 30},
				{ID: "3", Text: "quiet take", AuthorHandle: "watched_analyst", CreatedAt: now, Likes: 1},
			},
		},
		Rate: sources.RateInfo{Limit: 450, Remaining: 449, ResetAt: now.Add(15 * time.Minute)},
	}

	c := NewSocialCollector(src, fastGate(), []string{"bitcoin"}, []string{"watched_analyst"}, 50, nil)

	st := newState()
	require.NoError(t, c.Collect(context.Background(), st))

	require.Len(t, st.SocialEvents, 2)
	authors := []string{st.SocialEvents[0].Author, st.SocialEvents[1].Author}
	assert.Contains(t, authors, "rando2", "high engagement clears the threshold")
	assert.Contains(t, authors, "watched_analyst", "watched accounts are always significant")

	for _, ev := range st.SocialEvents {
		if ev.Author == "rando2" {
			assert.Negative(t, ev.Sentiment, "crash/warning/panic text scores negative")
			assert.Equal(t, 110, ev.Engagement.Total())
		}
	}
}

func TestSocialCollectorFetchesWatchedFeed(t *testing.T) {
	now := time.Now().UTC()
	src := &sources.MockSocialPlatform{
		SearchPosts: map[string][]sources.Post{
			"from:watched_analyst": {
				{ID: "7", Text: "position update nobody searched for", AuthorHandle: "watched_analyst", CreatedAt: now, Likes: 2},
			},
		},
	}

	c := NewSocialCollector(src, fastGate(), nil, []string{"watched_analyst"}, 50, nil)

	st := newState()
	require.NoError(t, c.Collect(context.Background(), st))

	require.Len(t, st.SocialEvents, 1, "watched feed posts surface without a matching query")
	ev := st.SocialEvents[0]
	assert.Equal(t, "watched_analyst", ev.Author)
	assert.Equal(t, "from:watched_analyst", ev.Metadata["query"])
	assert.Equal(t, true, ev.Metadata["watched"])
}

func TestNewsCollectorRelevanceAndDedup(t *testing.T) {
	now := time.Now().UTC()
	fresh := sources.SearchResult{
		Title:       "Bitcoin ETF approval shakes market",
		URL:         "https://example.com/etf",
		Source:      "example",
		Description: "Regulators approve a spot bitcoin etf amid heavy liquidation",
		PublishedAt: now.Add(-1 * time.Hour),
	}
	stale := sources.SearchResult{
		Title:       "Unrelated gardening column",
		URL:         "https://example.com/garden",
		Source:      "example",
		Description: "tomatoes",
		PublishedAt: now.Add(-23 * time.Hour),
	}
	src := &sources.MockWebSearch{
		Results: map[string][]sources.SearchResult{
			"bitcoin etf": {fresh, stale},
		},
	}

	c := NewNewsCollector(src, fastGate(), []string{"bitcoin etf"}, nil)
	c.now = func() time.Time { return now }

	st := newState()
	require.NoError(t, c.Collect(context.Background(), st))

	require.Len(t, st.NewsEvents, 1)
	ev := st.NewsEvents[0]
	assert.Equal(t, fresh.URL, ev.URL)
	assert.Greater(t, ev.RelevanceScore, 0.4)
	assert.Contains(t, ev.Topics, "markets")
	assert.Contains(t, ev.RelatedAssets, "BTC")

	// A second pass deduplicates by URL.
	st2 := newState()
	require.NoError(t, c.Collect(context.Background(), st2))
	assert.Empty(t, st2.NewsEvents)
}

func TestSentimentBounds(t *testing.T) {
	assert.Equal(t, 0.0, Sentiment("nothing notable here"))
	assert.Equal(t, 1.0, Sentiment("rally surge gains"))
	assert.Equal(t, -1.0, Sentiment("crash panic fraud"))
	mixed := Sentiment("rally then crash")
	assert.GreaterOrEqual(t, mixed, -1.0)
	assert.LessOrEqual(t, mixed, 1.0)
}

func TestChunkTextOverlap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 120; i++ {
		sb.WriteString("The market moved sharply today. ")
	}
	text := sb.String()

	chunks := ChunkText(text, 1000, 200)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 1000, "chunk %d too large", i)
		if i > 0 {
			prev := chunks[i-1]
			assert.Less(t, ch.Offset, prev.Offset+len(prev.Text), "chunk %d does not overlap its predecessor", i)
		}
	}
	last := chunks[len(chunks)-1]
	assert.Equal(t, len(text), last.Offset+len(last.Text), "chunks cover the whole text")
}

func TestChunkTextShortInput(t *testing.T) {
	chunks := ChunkText("short", 1000, 200)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", chunks[0].Text)
	assert.Nil(t, ChunkText("", 1000, 200))
}

func TestTranscriptCollectorFindings(t *testing.T) {
	src := &sources.MockTranscriptSource{
		Transcripts: map[string][]sources.TranscriptSegment{
			"vid1": {
				{Text: "Welcome back to the channel.", Start: 0, Duration: 3},
				{Text: "The coming collapse will destroy savings, a crisis nobody sees.", Start: 3, Duration: 6},
				{Text: "Subscribe for more.", Start: 9, Duration: 2},
			},
		},
	}

	c := NewTranscriptCollector(src, nil, detectConfig(), nil)

	analysis, err := c.Analyze(context.Background(), "vid1")
	require.NoError(t, err)
	require.NotEmpty(t, analysis.Findings)

	f := analysis.Findings[0]
	assert.Equal(t, "fear_tactics", f.Category)
	assert.InDelta(t, 3.0, f.StartTime, 0.01)
	assert.Greater(t, f.Confidence, 0.0)
	assert.LessOrEqual(t, f.Confidence, 1.0)

	st := newState()
	require.NoError(t, c.CollectVideo(context.Background(), st, "vid1"))
	require.NotEmpty(t, st.Patterns)
	assert.Equal(t, "vid1", st.Patterns[0].Metadata["videoId"])
}

func TestVideoFeedCollectsEachVideoOnce(t *testing.T) {
	src := &sources.MockTranscriptSource{
		Transcripts: map[string][]sources.TranscriptSegment{
			"vid1": {
				{Text: "The coming collapse will destroy savings, a crisis nobody sees.", Start: 0, Duration: 6},
			},
		},
	}
	var feed Collector = NewVideoFeed(NewTranscriptCollector(src, nil, detectConfig(), nil), []string{"vid1", "missing"})
	assert.Equal(t, "video", feed.Name())

	st := newState()
	err := feed.Collect(context.Background(), st)
	assert.ErrorIs(t, err, sources.ErrNoTranscript, "failed videos bubble up")
	require.NotEmpty(t, st.Patterns)
	assert.Equal(t, "vid1", st.Patterns[0].Metadata["videoId"])

	// The analyzed video is not reprocessed next cycle; the failed one is
	// retried.
	st2 := newState()
	err = feed.Collect(context.Background(), st2)
	assert.ErrorIs(t, err, sources.ErrNoTranscript)
	assert.Empty(t, st2.Patterns)
}

func TestTranscriptCollectorNoTranscript(t *testing.T) {
	src := &sources.MockTranscriptSource{}
	c := NewTranscriptCollector(src, nil, detectConfig(), nil)

	_, err := c.Analyze(context.Background(), "missing")
	assert.ErrorIs(t, err, sources.ErrNoTranscript)
}
