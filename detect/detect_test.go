package detect_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/kgraph"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func addTopic(t *testing.T, g *kgraph.Graph, category string, props map[string]kgraph.Property, validFrom time.Time) kgraph.Entity {
	t.Helper()
	if props == nil {
		props = map[string]kgraph.Property{}
	}
	props["category"] = kgraph.Property{Value: category, Confidence: 1}
	e, err := g.AddTimeAwareEntity(kgraph.TypeTopic, props, validFrom, nil)
	require.NoError(t, err)
	return e
}

func transition(t *testing.T, g *kgraph.Graph, from, to kgraph.Entity, account string, at time.Time) {
	t.Helper()
	_, err := g.AddRelationship(kgraph.RelTopicTransition, from.ID, to.ID, kgraph.RelationshipSpec{
		Confidence: 1,
		Properties: map[string]kgraph.Property{
			"source": {Value: account, Timestamp: at, Confidence: 1},
		},
	})
	require.NoError(t, err)
}

func TestCycleDetectorFindsReturnToCategory(t *testing.T) {
	g := kgraph.New()
	a := addTopic(t, g, "crypto", nil, t0)
	b := addTopic(t, g, "narrative", nil, t0.Add(5*time.Minute))
	c := addTopic(t, g, "crypto", nil, t0.Add(10*time.Minute))
	transition(t, g, a, b, "acct", t0.Add(5*time.Minute))
	transition(t, g, b, c, "acct", t0.Add(10*time.Minute))

	d := detect.NewCycleDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))

	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, detect.PatternTopicCycle, p.PatternType)
	assert.Equal(t, "crypto", p.Metadata["startCategory"])
	assert.Equal(t, 2, p.Metadata["length"])
	assert.GreaterOrEqual(t, p.Confidence, 0.8)
	assert.LessOrEqual(t, p.Confidence, 1.0)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)
	assert.Equal(t, []string{"crypto", "narrative", "crypto"}, p.Metadata["path"])
}

func TestCycleDetectorShortCycleScoresLower(t *testing.T) {
	g := kgraph.New()
	a := addTopic(t, g, "crypto", nil, t0)
	b := addTopic(t, g, "crypto", nil, t0.Add(5*time.Minute))
	transition(t, g, a, b, "acct", t0.Add(5*time.Minute))

	d := detect.NewCycleDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))

	require.Len(t, patterns, 1)
	assert.InDelta(t, 0.9, patterns[0].Confidence, 1e-9)
	assert.Equal(t, 1, patterns[0].Metadata["length"])
}

func TestCycleDetectorAbandonsPathsOutsideTimeframe(t *testing.T) {
	g := kgraph.New()
	a := addTopic(t, g, "crypto", nil, t0)
	b := addTopic(t, g, "narrative", nil, t0.Add(5*time.Minute))
	c := addTopic(t, g, "crypto", nil, t0.Add(25*time.Hour))
	transition(t, g, a, b, "acct", t0.Add(5*time.Minute))
	transition(t, g, b, c, "acct", t0.Add(25*time.Hour))

	d := detect.NewCycleDetector(detect.DefaultConfig())
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(26*time.Hour)),
		"returns outside the timeframe are not cycles")
}

func TestRepetitionDetectorGroupsIdenticalKeywords(t *testing.T) {
	g := kgraph.New()
	kw := kgraph.Property{Value: []string{"crypto", "market", "manipulation", "warning"}, Confidence: 1}
	for i := 0; i < 3; i++ {
		addTopic(t, g, "crypto", map[string]kgraph.Property{"keywords": kw}, t0.Add(time.Duration(i)*time.Minute))
	}

	d := detect.NewRepetitionDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))

	require.Len(t, patterns, 1, "mutually similar topics form one group")
	p := patterns[0]
	assert.Equal(t, detect.PatternNarrativeRepetition, p.PatternType)
	assert.Equal(t, "crypto", p.Metadata["category"])
	assert.Equal(t, 3, p.Metadata["topicCount"])
	assert.GreaterOrEqual(t, p.Confidence, 0.7)

	scores, ok := p.Metadata["similarityScores"].([]float64)
	require.True(t, ok)
	require.Len(t, scores, 2)
	for _, s := range scores {
		assert.InDelta(t, 1.0, s, 1e-9)
	}
	related, ok := p.Metadata["relatedTopicIds"].([]string)
	require.True(t, ok)
	assert.Len(t, related, 2)
	assert.NotContains(t, related, p.Metadata["baseTopicId"])
}

func TestRepetitionDetectorNeedsTwoPeers(t *testing.T) {
	g := kgraph.New()
	kw := kgraph.Property{Value: []string{"crypto", "market"}, Confidence: 1}
	addTopic(t, g, "crypto", map[string]kgraph.Property{"keywords": kw}, t0)
	addTopic(t, g, "crypto", map[string]kgraph.Property{"keywords": kw}, t0.Add(time.Minute))

	d := detect.NewRepetitionDetector(detect.DefaultConfig())
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(time.Hour)))
}

func TestRepetitionDetectorPartialOverlapBelowThreshold(t *testing.T) {
	g := kgraph.New()
	addTopic(t, g, "crypto", map[string]kgraph.Property{
		"keywords": {Value: []string{"crypto", "market", "warning", "pump"}},
	}, t0)
	addTopic(t, g, "crypto", map[string]kgraph.Property{
		"keywords": {Value: []string{"crypto", "market", "elections", "fraud"}},
	}, t0.Add(time.Minute))
	addTopic(t, g, "crypto", map[string]kgraph.Property{
		"keywords": {Value: []string{"weather", "sports"}},
	}, t0.Add(2*time.Minute))

	d := detect.NewRepetitionDetector(detect.DefaultConfig())
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(time.Hour)),
		"jaccard 2/6 must not reach the 0.7 threshold")
}

func TestRepetitionDetectorGroupsWithinCategoryOnly(t *testing.T) {
	g := kgraph.New()
	kw := kgraph.Property{Value: []string{"crypto", "market", "manipulation"}, Confidence: 1}
	for i, category := range []string{"crypto", "politics", "weather"} {
		addTopic(t, g, category, map[string]kgraph.Property{"keywords": kw}, t0.Add(time.Duration(i)*time.Minute))
	}

	d := detect.NewRepetitionDetector(detect.DefaultConfig())
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(time.Hour)),
		"identical keywords across different categories never group")
}

func TestShiftDetectorFindsCoordinatedWindow(t *testing.T) {
	g := kgraph.New()
	base := addTopic(t, g, "politics", nil, t0.Add(-time.Hour))
	t1 := addTopic(t, g, "crypto", nil, t0)
	t2 := addTopic(t, g, "narrative", nil, t0)

	transition(t, g, base, t1, "acct-1", t0.Add(1*time.Minute))
	transition(t, g, base, t2, "acct-2", t0.Add(3*time.Minute))
	transition(t, g, base, t1, "acct-3", t0.Add(5*time.Minute))

	d := detect.NewShiftDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))

	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, detect.PatternCoordinatedShift, p.PatternType)
	assert.Equal(t, 3, p.Metadata["sourceCount"])
	assert.LessOrEqual(t, p.Metadata["sharedTargetCount"].(int), 2)
	assert.GreaterOrEqual(t, p.Confidence, 0.6)
	// srcRatio 3/3, tgtRatio 2/3, single cluster: 0.7 + 0.2 = 0.9.
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)
	assert.Equal(t, []string{"acct-1", "acct-2", "acct-3"}, p.Metadata["sources"])
}

func TestShiftDetectorIgnoresScatteredWindows(t *testing.T) {
	g := kgraph.New()
	base := addTopic(t, g, "politics", nil, t0.Add(-time.Hour))
	t1 := addTopic(t, g, "crypto", nil, t0)

	transition(t, g, base, t1, "acct-1", t0.Add(1*time.Minute))
	transition(t, g, base, t1, "acct-2", t0.Add(40*time.Minute))

	d := detect.NewShiftDetector(detect.DefaultConfig())
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(time.Hour)),
		"single-source windows never cluster")
}

func TestShiftDetectorBucketsPerBaseTopic(t *testing.T) {
	g := kgraph.New()
	coordinated := addTopic(t, g, "politics", nil, t0.Add(-time.Hour))
	quiet := addTopic(t, g, "sports", nil, t0.Add(-time.Hour))
	shared := addTopic(t, g, "crypto", nil, t0)
	other := addTopic(t, g, "narrative", nil, t0)

	transition(t, g, coordinated, shared, "acct-1", t0.Add(1*time.Minute))
	transition(t, g, coordinated, shared, "acct-2", t0.Add(2*time.Minute))
	// A lone mover from an unrelated base in the same window must not
	// inflate the cluster above.
	transition(t, g, quiet, other, "acct-9", t0.Add(3*time.Minute))

	d := detect.NewShiftDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(30*time.Minute))

	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, coordinated.ID.String(), p.Metadata["baseTopicId"])
	assert.Equal(t, 2, p.Metadata["sourceCount"])
	assert.Equal(t, []string{"acct-1", "acct-2"}, p.Metadata["sources"])
	// srcRatio 2/2, tgtRatio 1/2, single cluster: 0.7 + 0.15 = 0.85.
	assert.InDelta(t, 0.85, p.Confidence, 1e-9)
}

func TestEscalationDetectorFindsRisingFearAndAnger(t *testing.T) {
	g := kgraph.New()
	fear := []float64{0.3, 0.45, 0.6, 0.75}
	anger := []float64{0.2, 0.4, 0.6, 0.8}
	for i := range fear {
		addTopic(t, g, "crypto", map[string]kgraph.Property{
			"sentiment": {Value: map[string]float64{"fear": fear[i], "anger": anger[i]}},
		}, t0.Add(time.Duration(i)*10*time.Minute))
	}

	d := detect.NewEscalationDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))

	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, "emotional_manipulation", p.PatternType)
	assert.Greater(t, p.Confidence, 0.7)
	assert.Greater(t, p.Metadata["fearLevel"].(float64), 0.6)
	assert.InDelta(t, 0.75, p.Metadata["fearLevel"].(float64), 1e-9)
	assert.InDelta(t, 0.8, p.Metadata["angerLevel"].(float64), 1e-9)
	assert.Equal(t, 4, p.Metadata["topicCount"])
}

func TestEscalationDetectorNeedsThreeTopicsAndMinChange(t *testing.T) {
	g := kgraph.New()
	addTopic(t, g, "crypto", map[string]kgraph.Property{
		"sentiment": {Value: map[string]float64{"fear": 0.3, "anger": 0.3}},
	}, t0)
	addTopic(t, g, "crypto", map[string]kgraph.Property{
		"sentiment": {Value: map[string]float64{"fear": 0.9, "anger": 0.9}},
	}, t0.Add(10*time.Minute))

	d := detect.NewEscalationDetector(detect.DefaultConfig())
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(time.Hour)), "two readings are not a trend")

	flat := kgraph.New()
	for i := 0; i < 4; i++ {
		addTopic(t, flat, "crypto", map[string]kgraph.Property{
			"sentiment": {Value: map[string]float64{"fear": 0.5, "anger": 0.5}},
		}, t0.Add(time.Duration(i)*10*time.Minute))
	}
	assert.Empty(t, d.Detect(flat.Snapshot(), t0.Add(time.Hour)), "flat sentiment must not escalate")
}

func TestEscalationDetectorToleratesJSONShapedSentiment(t *testing.T) {
	g := kgraph.New()
	for i, f := range []float64{0.2, 0.5, 0.8} {
		addTopic(t, g, "crypto", map[string]kgraph.Property{
			"sentiment": {Value: map[string]any{"fear": f, "anger": 0.1}},
		}, t0.Add(time.Duration(i)*10*time.Minute))
	}

	d := detect.NewEscalationDetector(detect.DefaultConfig())
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))
	require.Len(t, patterns, 1, "map[string]any sentiment from a restored checkpoint must score")
}

func TestPropagandaScanTextScoresAndMergesSpans(t *testing.T) {
	d := detect.NewPropagandaDetector(detect.DefaultConfig())
	text := "The danger is real and the collapse has begun. This crisis is a warning to all. The weather stays mild."

	spans := d.ScanText(text)
	require.Len(t, spans, 1, "contiguous same-technique sentences merge")
	s := spans[0]
	assert.Equal(t, "fear_appeal", s.Type)
	assert.Equal(t, 0, s.Start)
	assert.Equal(t, len("The danger is real and the collapse has begun. This crisis is a warning to all."), s.End)
	assert.InDelta(t, 2.0/9.0, s.Score, 1e-9)
	assert.LessOrEqual(t, s.Score, 1.0)
}

func TestPropagandaScanTextPicksStrongestTechnique(t *testing.T) {
	d := detect.NewPropagandaDetector(detect.DefaultConfig())
	spans := d.ScanText("Act now before the deadline, this crisis is a devastating threat.")

	require.Len(t, spans, 1)
	// fear_appeal: 3/9*1.0 beats urgency: 3/8*0.8.
	assert.Equal(t, "fear_appeal", spans[0].Type)
	assert.InDelta(t, 3.0/9.0, spans[0].Score, 1e-9)
}

func TestPropagandaScanTextRequiresMinimumMatches(t *testing.T) {
	d := detect.NewPropagandaDetector(detect.DefaultConfig())
	assert.Empty(t, d.ScanText("A single warning changes nothing."),
		"one marker word is below the required match count")
}

func TestPropagandaDetectEmitsTopicPatterns(t *testing.T) {
	g := kgraph.New()
	addTopic(t, g, "crypto", map[string]kgraph.Property{
		"content": {Value: "Danger and collapse are near. Panic, crisis and catastrophe follow."},
	}, t0)

	cfg := detect.DefaultConfig()
	cfg.MinConfidence = 0.2
	d := detect.NewPropagandaDetector(cfg)
	patterns := d.Detect(g.Snapshot(), t0.Add(time.Hour))

	require.Len(t, patterns, 1)
	assert.Equal(t, detect.PatternPropaganda, patterns[0].PatternType)
	assert.Equal(t, []string{"fear_appeal"}, patterns[0].Metadata["techniques"])
}

func TestCycleDetectorIgnoresTopicsOlderThanTimeframe(t *testing.T) {
	g := kgraph.New()
	a := addTopic(t, g, "crypto", nil, t0)
	b := addTopic(t, g, "narrative", nil, t0.Add(5*time.Minute))
	c := addTopic(t, g, "crypto", nil, t0.Add(10*time.Minute))
	transition(t, g, a, b, "acct", t0.Add(5*time.Minute))
	transition(t, g, b, c, "acct", t0.Add(10*time.Minute))

	d := detect.NewCycleDetector(detect.DefaultConfig())
	require.Len(t, d.Detect(g.Snapshot(), t0.Add(30*time.Minute)), 1, "fresh topics cycle")
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(26*time.Hour)),
		"the same graph a day later is outside the detection window")
}

func TestRepetitionDetectorIgnoresTopicsOlderThanTimeframe(t *testing.T) {
	g := kgraph.New()
	kw := kgraph.Property{Value: []string{"crypto", "market", "manipulation"}, Confidence: 1}
	for i := 0; i < 3; i++ {
		addTopic(t, g, "crypto", map[string]kgraph.Property{"keywords": kw}, t0.Add(time.Duration(i)*time.Minute))
	}

	d := detect.NewRepetitionDetector(detect.DefaultConfig())
	require.Len(t, d.Detect(g.Snapshot(), t0.Add(30*time.Minute)), 1, "fresh topics group")
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(26*time.Hour)))
}

func TestShiftDetectorIgnoresTransitionsOlderThanTimeframe(t *testing.T) {
	g := kgraph.New()
	base := addTopic(t, g, "politics", nil, t0.Add(-time.Hour))
	target := addTopic(t, g, "crypto", nil, t0)
	transition(t, g, base, target, "acct-1", t0.Add(1*time.Minute))
	transition(t, g, base, target, "acct-2", t0.Add(2*time.Minute))
	transition(t, g, base, target, "acct-3", t0.Add(5*time.Minute))

	d := detect.NewShiftDetector(detect.DefaultConfig())
	require.NotEmpty(t, d.Detect(g.Snapshot(), t0.Add(30*time.Minute)), "fresh transitions cluster")
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(26*time.Hour)))
}

func TestEscalationDetectorIgnoresReadingsOlderThanTimeframe(t *testing.T) {
	g := kgraph.New()
	for i, f := range []float64{0.2, 0.5, 0.8} {
		addTopic(t, g, "crypto", map[string]kgraph.Property{
			"sentiment": {Value: map[string]float64{"fear": f, "anger": 0.1}},
		}, t0.Add(time.Duration(i)*10*time.Minute))
	}

	d := detect.NewEscalationDetector(detect.DefaultConfig())
	require.Len(t, d.Detect(g.Snapshot(), t0.Add(30*time.Minute)), 1, "fresh readings escalate")
	assert.Empty(t, d.Detect(g.Snapshot(), t0.Add(26*time.Hour)))
}

func TestSuiteEmptyGraphYieldsNoPatterns(t *testing.T) {
	suite := detect.NewSuite(detect.DefaultConfig())
	assert.Empty(t, suite.Run(kgraph.New().Snapshot(), t0))
}

func TestSuiteRunIsIdempotentOnUnchangedGraph(t *testing.T) {
	g := kgraph.New()
	a := addTopic(t, g, "crypto", nil, t0)
	b := addTopic(t, g, "narrative", nil, t0.Add(5*time.Minute))
	c := addTopic(t, g, "crypto", nil, t0.Add(10*time.Minute))
	transition(t, g, a, b, "acct-1", t0.Add(5*time.Minute))
	transition(t, g, b, c, "acct-2", t0.Add(10*time.Minute))
	kw := kgraph.Property{Value: []string{"crypto", "market", "manipulation"}}
	for i := 0; i < 3; i++ {
		addTopic(t, g, "spam", map[string]kgraph.Property{"keywords": kw}, t0.Add(time.Duration(i)*time.Minute))
	}

	suite := detect.NewSuite(detect.DefaultConfig())
	snap := g.Snapshot()
	now := t0.Add(time.Hour)

	first := suite.Run(snap, now)
	second := suite.Run(snap, now)

	require.Equal(t, len(first), len(second))
	require.NotEmpty(t, first)
	for i := range first {
		p, q := first[i], second[i]
		assert.Equal(t, p.PatternType, q.PatternType)
		assert.Equal(t, p.Confidence, q.Confidence)
		assert.Equal(t, p.Description, q.Description)
		assert.Equal(t, p.Metadata, q.Metadata)
	}
}

func TestSuiteFiltersBelowMinConfidence(t *testing.T) {
	g := kgraph.New()
	a := addTopic(t, g, "crypto", nil, t0)
	b := addTopic(t, g, "crypto", nil, t0.Add(5*time.Minute))
	transition(t, g, a, b, "acct", t0.Add(5*time.Minute))

	cfg := detect.DefaultConfig()
	cfg.MinConfidence = 0.95
	suite := detect.NewSuite(cfg)
	assert.Empty(t, suite.Run(g.Snapshot(), t0.Add(time.Hour)),
		"a 0.9 cycle is dropped under a 0.95 floor")

	cfg.MinConfidence = 0.6
	suite = detect.NewSuite(cfg)
	patterns := suite.Run(g.Snapshot(), t0.Add(time.Hour))
	require.Len(t, patterns, 1)
	for _, p := range patterns {
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
	}
}
