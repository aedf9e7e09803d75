package workflow

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/state"
)

func TestSignificanceFormula(t *testing.T) {
	assert.InDelta(t, 0.3, SignificanceCounts{}.Significance(), 1e-9, "empty cycle scores the base")

	c := SignificanceCounts{Market: 1, News: 1, Correlations: 1}
	assert.InDelta(t, 0.3+0.1+0.15+0.25, c.Significance(), 1e-9)

	c = SignificanceCounts{Social: 2, MarketPatterns: 1, SocialPatterns: 1, NewsPatterns: 1}
	assert.InDelta(t, 0.3+0.1+0.15+0.1+0.2, c.Significance(), 1e-9)

	loud := SignificanceCounts{Market: 10, News: 10, Correlations: 10}
	assert.Equal(t, 1.0, loud.Significance(), "score caps at 1")
}

func TestCountsFromBucketsPatterns(t *testing.T) {
	st := state.New(kgraph.New(), 10)
	st.AppendMarketEvent(state.MarketEvent{Symbol: "BTC"})
	st.AppendPatterns(
		detect.Pattern{PatternType: detect.PatternTopicCycle, Metadata: map[string]any{"startCategory": "crypto"}},
		detect.Pattern{PatternType: detect.PatternEmotionalEscalation, Metadata: map[string]any{"category": "social"}},
		detect.Pattern{PatternType: detect.PatternCoordinatedShift, Metadata: map[string]any{"sourceCount": 3}},
		detect.Pattern{PatternType: detect.PatternPropaganda, Metadata: map[string]any{"category": "fear_tactics"}},
	)

	c := CountsFrom(st)
	assert.Equal(t, 1, c.Market)
	assert.Equal(t, 1, c.MarketPatterns, "crypto cycle counts as market")
	assert.Equal(t, 2, c.SocialPatterns, "social escalation and uncategorized shift count as social")
	assert.Equal(t, 1, c.NewsPatterns, "propaganda falls through to news")
}

func TestSelectResponseType(t *testing.T) {
	assert.Equal(t, state.ResponseThreadAnalysis, SelectResponseType(0.85, 0.8, 0.6))
	assert.Equal(t, state.ResponseHistoricalBridge, SelectResponseType(0.7, 0.8, 0.6))
	assert.Equal(t, state.ResponseHistoricalBridge, SelectResponseType(0.8, 0.8, 0.6), "thresholds are strict")
	assert.Equal(t, state.ResponseQuickTake, SelectResponseType(0.5, 0.8, 0.6))
}

func TestSplitThreadShortContent(t *testing.T) {
	got := SplitThread("One calm observation.", 280)
	require.Len(t, got, 1)
	assert.Equal(t, "One calm observation.", got[0], "single posts carry no thread prefix")

	assert.Nil(t, SplitThread("  ", 280))
}

func TestSplitThreadSegments(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("Narrative pressure keeps building across the usual accounts. ")
	}
	content := sb.String()

	segments := SplitThread(content, 280)
	require.Greater(t, len(segments), 1)

	for i, seg := range segments {
		assert.LessOrEqual(t, utf8.RuneCountInString(seg), 280, "segment %d over budget", i)
		assert.True(t, strings.HasPrefix(seg, "🧵 "), "segment %d missing prefix", i)
	}
	assert.True(t, strings.HasPrefix(segments[0], "🧵 1/"), "numbering starts at 1")

	// No words lost: stripping prefixes and rejoining recovers the text.
	var joined []string
	for i, seg := range segments {
		body := strings.TrimPrefix(seg, "🧵 ")
		_, body, ok := strings.Cut(body, " ")
		require.True(t, ok, "segment %d has no body", i)
		joined = append(joined, body)
	}
	assert.Equal(t, strings.Fields(content), strings.Fields(strings.Join(joined, " ")))
}

func TestSplitThreadSentenceBoundaries(t *testing.T) {
	content := "First thought here. Second thought follows! Third one asks? Fourth closes it."
	segments := SplitThread(content, 40)
	require.Greater(t, len(segments), 1)
	for _, seg := range segments {
		_, body, ok := strings.Cut(strings.TrimPrefix(seg, "🧵 "), " ")
		require.True(t, ok)
		last := body[len(body)-1]
		assert.Contains(t, ".!?", string(last), "segments break on sentence ends when they fit")
	}
}

func TestTruncatePost(t *testing.T) {
	assert.Equal(t, "fits", TruncatePost("fits", 280))

	long := strings.Repeat("word ", 100)
	got := TruncatePost(long, 50)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 50)
	assert.True(t, strings.HasSuffix(got, "…"))
}
