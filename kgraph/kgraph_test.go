package kgraph_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelabs/driftwatch/kgraph"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestParseTimestamp(t *testing.T) {
	got, err := kgraph.ParseTimestamp("2025-03-01T10:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, ts("2025-03-01T08:30:00Z"), got)
	assert.Equal(t, time.UTC, got.Location())

	_, err = kgraph.ParseTimestamp("2025-03-01T10:30:00")
	assert.Error(t, err, "offset-free timestamps must be rejected")

	_, err = kgraph.ParseTimestamp("not a time")
	assert.Error(t, err)
}

func TestAddEntityNormalizesProperties(t *testing.T) {
	g := kgraph.New()

	loc := time.FixedZone("EET", 2*60*60)
	e, err := g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{
		"category": {Value: "crypto", Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, loc), Confidence: 1.7},
		"stamped":  {Value: 42},
	})
	require.NoError(t, err)

	cat, ok := e.Property("category")
	require.True(t, ok)
	assert.Equal(t, "category", cat.Key)
	assert.Equal(t, time.UTC, cat.Timestamp.Location())
	assert.Equal(t, ts("2025-03-01T10:00:00Z"), cat.Timestamp)
	assert.Equal(t, 1.0, cat.Confidence, "confidence must be clamped into [0,1]")

	stamped, ok := e.Property("stamped")
	require.True(t, ok)
	assert.False(t, stamped.Timestamp.IsZero(), "zero timestamps are filled at the boundary")
	assert.Equal(t, time.UTC, stamped.Timestamp.Location())
}

func TestAddTimeAwareEntityValidation(t *testing.T) {
	g := kgraph.New()
	from := ts("2025-03-01T10:00:00Z")
	before := ts("2025-03-01T09:00:00Z")

	_, err := g.AddTimeAwareEntity(kgraph.TypeTopic, nil, time.Time{}, nil)
	assert.ErrorIs(t, err, kgraph.ErrInvalidTimestamp)

	_, err = g.AddTimeAwareEntity(kgraph.TypeTopic, nil, from, &before)
	assert.ErrorIs(t, err, kgraph.ErrInvalidTemporalRange)

	e, err := g.AddTimeAwareEntity(kgraph.TypeTopic, nil, from, nil)
	require.NoError(t, err)
	require.True(t, e.TimeAware())
	assert.Equal(t, from, e.Temporal.ValidFrom)
	assert.Nil(t, e.Temporal.ValidTo)
	assert.Empty(t, e.Temporal.PreviousVersions)
}

func TestDanglingRelationshipLeavesGraphUnchanged(t *testing.T) {
	g := kgraph.New()
	a, err := g.AddEntity(kgraph.TypeAccount, nil)
	require.NoError(t, err)

	_, err = g.AddRelationship(kgraph.RelTopicTransition, a.ID, uuid.New(), kgraph.RelationshipSpec{})
	assert.ErrorIs(t, err, kgraph.ErrDanglingEdge)

	_, err = g.AddRelationship(kgraph.RelTopicTransition, uuid.New(), a.ID, kgraph.RelationshipSpec{})
	assert.ErrorIs(t, err, kgraph.ErrDanglingEdge)

	assert.Equal(t, 0, g.NumRelationships())
	assert.Equal(t, 1, g.NumEntities())
}

func TestRelationshipEndpointsResolve(t *testing.T) {
	g := kgraph.New()
	a, _ := g.AddEntity(kgraph.TypeTopic, nil)
	b, _ := g.AddEntity(kgraph.TypeTopic, nil)

	strength := 0.9
	r, err := g.AddRelationship(kgraph.RelTopicTransition, a.ID, b.ID, kgraph.RelationshipSpec{
		Confidence:       0.8,
		CausalStrength:   &strength,
		TemporalOrdering: kgraph.OrderBefore,
	})
	require.NoError(t, err)

	got, err := g.GetRelationship(r.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.SourceID)
	assert.Equal(t, b.ID, got.TargetID)
	require.NotNil(t, got.CausalStrength)
	assert.Equal(t, 0.9, *got.CausalStrength)
	assert.Equal(t, kgraph.OrderBefore, got.TemporalOrdering)

	_, err = g.GetEntity(got.SourceID)
	assert.NoError(t, err)
	_, err = g.GetEntity(got.TargetID)
	assert.NoError(t, err)
}

func TestUpdatePropertyRecordsHistory(t *testing.T) {
	g := kgraph.New()
	e, err := g.AddTimeAwareEntity(kgraph.TypeTopic, map[string]kgraph.Property{
		"category": {Value: "crypto", Confidence: 0.5},
	}, ts("2025-03-01T10:00:00Z"), nil)
	require.NoError(t, err)

	_, err = g.UpdateProperty(e.ID, "category", "politics", 0.6, "detector")
	require.NoError(t, err)
	updated, err := g.UpdateProperty(e.ID, "category", "narrative", 0.7, "detector")
	require.NoError(t, err)

	require.NotNil(t, updated.Temporal)
	versions := updated.Temporal.PreviousVersions
	require.Len(t, versions, 2, "one history entry per overwrite")
	assert.Equal(t, "crypto", versions[0].Value)
	assert.Equal(t, "politics", versions[1].Value)

	cur, ok := updated.Property("category")
	require.True(t, ok)
	assert.Equal(t, "narrative", cur.Value)

	prev := versions[0].Timestamp
	for _, v := range versions[1:] {
		assert.False(t, v.Timestamp.Before(prev), "history timestamps must be monotone")
		prev = v.Timestamp
	}
	assert.False(t, cur.Timestamp.Before(prev), "current value is newest")
}

func TestUpdatePropertyPlainEntityKeepsNoHistory(t *testing.T) {
	g := kgraph.New()
	e, _ := g.AddEntity(kgraph.TypeAccount, map[string]kgraph.Property{
		"handle": {Value: "@drift"},
	})

	updated, err := g.UpdateProperty(e.ID, "handle", "@watch", 1.0, "ingest")
	require.NoError(t, err)
	assert.Nil(t, updated.Temporal)

	cur, _ := updated.Property("handle")
	assert.Equal(t, "@watch", cur.Value)
}

func TestReinforceConfidenceSmoothing(t *testing.T) {
	g := kgraph.New()
	e, _ := g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{
		"category": {Value: "crypto", Confidence: 0.5},
	})

	got, err := g.ReinforceConfidence(e.ID, "category", 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.5+0.2*1.0, got, 1e-9)

	got, err = g.ReinforceConfidence(e.ID, "category", 0.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.6, got, 1e-9)

	_, err = g.ReinforceConfidence(uuid.New(), "category", 0.5)
	assert.ErrorIs(t, err, kgraph.ErrUnknownEntity)
}

func TestTemporalFiltersExcludePlainEntities(t *testing.T) {
	g := kgraph.New()
	_, err := g.AddEntity(kgraph.TypeTopic, nil)
	require.NoError(t, err)
	aware, err := g.AddTimeAwareEntity(kgraph.TypeTopic, nil, ts("2025-03-01T10:00:00Z"), nil)
	require.NoError(t, err)

	after := ts("2025-03-01T09:00:00Z")
	got := g.GetEntities(kgraph.EntityFilter{Type: kgraph.TypeTopic, ValidFromAfter: &after})
	require.Len(t, got, 1, "plain entities never match temporal filters")
	assert.Equal(t, aware.ID, got[0].ID)

	exact := ts("2025-03-01T10:00:00Z")
	got = g.GetEntities(kgraph.EntityFilter{Type: kgraph.TypeTopic, ValidFromAfter: &exact})
	require.Len(t, got, 1, "the filter instant itself is included")
	assert.Equal(t, aware.ID, got[0].ID)

	late := ts("2025-03-01T11:00:00Z")
	got = g.GetEntities(kgraph.EntityFilter{Type: kgraph.TypeTopic, ValidFromAfter: &late})
	assert.Empty(t, got)
}

func TestPropertyValueFilter(t *testing.T) {
	g := kgraph.New()
	crypto, _ := g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{
		"category": {Value: "crypto"},
		"score":    {Value: 3},
	})
	_, _ = g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{
		"category": {Value: "politics"},
	})

	got := g.GetEntities(kgraph.EntityFilter{Properties: map[string]any{"category": "crypto"}})
	require.Len(t, got, 1)
	assert.Equal(t, crypto.ID, got[0].ID)

	got = g.GetEntities(kgraph.EntityFilter{Properties: map[string]any{"score": 3.0}})
	require.Len(t, got, 1, "numeric filter values compare across int/float64")
	assert.Equal(t, crypto.ID, got[0].ID)

	got = g.GetEntities(kgraph.EntityFilter{Properties: map[string]any{"category": "unknown"}})
	assert.Empty(t, got)
}

func TestQueryEntitiesEarlyStop(t *testing.T) {
	g := kgraph.New()
	for i := 0; i < 5; i++ {
		_, err := g.AddEntity(kgraph.TypeTopic, nil)
		require.NoError(t, err)
	}

	var seen int
	g.QueryEntities(kgraph.EntityFilter{Type: kgraph.TypeTopic}, func(kgraph.Entity) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestFindPaths(t *testing.T) {
	g := kgraph.New()
	a, _ := g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{"name": {Value: "a"}})
	b, _ := g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{"name": {Value: "b"}})
	c, _ := g.AddEntity(kgraph.TypeTopic, map[string]kgraph.Property{"name": {Value: "c"}})

	_, err := g.AddRelationship(kgraph.RelTopicTransition, a.ID, b.ID, kgraph.RelationshipSpec{})
	require.NoError(t, err)
	_, err = g.AddRelationship(kgraph.RelTopicTransition, b.ID, c.ID, kgraph.RelationshipSpec{})
	require.NoError(t, err)
	_, err = g.AddRelationship(kgraph.RelTopicTransition, a.ID, c.ID, kgraph.RelationshipSpec{})
	require.NoError(t, err)

	paths, err := g.FindPaths(a.ID, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.Len(t, p.Entities, len(p.Relationships)+1)
		assert.Equal(t, a.ID, p.Entities[0].ID)
		assert.Equal(t, c.ID, p.Entities[len(p.Entities)-1].ID)
	}

	short, err := g.FindPaths(a.ID, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, short, 1, "depth budget prunes the two-hop path")
	assert.Len(t, short[0].Relationships, 1)

	_, err = g.FindPaths(a.ID, uuid.New(), 3)
	assert.ErrorIs(t, err, kgraph.ErrUnknownEntity)
}

func TestCausalChainsFollowStrongEdgesOnly(t *testing.T) {
	g := kgraph.New()
	a, _ := g.AddEntity(kgraph.TypeNarrativeEvent, nil)
	b, _ := g.AddEntity(kgraph.TypeNarrativeEvent, nil)
	c, _ := g.AddEntity(kgraph.TypeNarrativeEvent, nil)
	d, _ := g.AddEntity(kgraph.TypeNarrativeEvent, nil)

	strong, weak := 0.8, 0.2
	_, err := g.AddRelationship("causes", a.ID, b.ID, kgraph.RelationshipSpec{CausalStrength: &strong})
	require.NoError(t, err)
	_, err = g.AddRelationship("causes", b.ID, c.ID, kgraph.RelationshipSpec{CausalStrength: &strong})
	require.NoError(t, err)
	_, err = g.AddRelationship("causes", a.ID, d.ID, kgraph.RelationshipSpec{CausalStrength: &weak})
	require.NoError(t, err)
	// No causal strength at all: never followed.
	_, err = g.AddRelationship(kgraph.RelTopicTransition, a.ID, c.ID, kgraph.RelationshipSpec{Confidence: 1.0})
	require.NoError(t, err)

	chains, err := g.CausalChains(a.ID, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Len(t, chains[0].Relationships, 2)
	assert.InDelta(t, 0.8*0.8, chains[0].Strength, 1e-9)
	assert.Equal(t, c.ID, chains[0].Entities[2].ID)

	chains, err = g.CausalChains(a.ID, 5, 0.1)
	require.NoError(t, err)
	assert.Len(t, chains, 2, "lower threshold admits the weak branch")
}

func TestReturnedCopiesDoNotAliasGraphState(t *testing.T) {
	g := kgraph.New()
	e, _ := g.AddTimeAwareEntity(kgraph.TypeTopic, map[string]kgraph.Property{
		"category": {Value: "crypto"},
	}, ts("2025-03-01T10:00:00Z"), nil)

	e.Properties["category"] = kgraph.Property{Key: "category", Value: "tampered"}
	e.Temporal.PreviousVersions = append(e.Temporal.PreviousVersions, kgraph.Property{Key: "fake"})

	fresh, err := g.GetEntity(e.ID)
	require.NoError(t, err)
	cat, _ := fresh.Property("category")
	assert.Equal(t, "crypto", cat.Value)
	assert.Empty(t, fresh.Temporal.PreviousVersions)
}

func TestSnapshotIsolation(t *testing.T) {
	g := kgraph.New()
	a, _ := g.AddEntity(kgraph.TypeTopic, nil)
	b, _ := g.AddEntity(kgraph.TypeTopic, nil)
	_, err := g.AddRelationship(kgraph.RelTopicTransition, a.ID, b.ID, kgraph.RelationshipSpec{})
	require.NoError(t, err)

	snap := g.Snapshot()
	require.Equal(t, 2, snap.NumEntities())
	require.Equal(t, 1, snap.NumRelationships())

	_, _ = g.AddEntity(kgraph.TypeTopic, nil)
	c, _ := g.AddEntity(kgraph.TypeTopic, nil)
	_, _ = g.AddRelationship(kgraph.RelTopicTransition, b.ID, c.ID, kgraph.RelationshipSpec{})

	assert.Equal(t, 2, snap.NumEntities(), "snapshot must not see later writes")
	assert.Equal(t, 1, snap.NumRelationships())

	out := snap.Outgoing(a.ID, kgraph.RelTopicTransition)
	require.Len(t, out, 1)
	assert.Equal(t, b.ID, out[0].TargetID)
	assert.Empty(t, snap.Outgoing(b.ID, ""))

	in := snap.Incoming(b.ID, "")
	require.Len(t, in, 1)
	assert.Equal(t, a.ID, in[0].SourceID)
}

func TestSmoothConfidenceClamps(t *testing.T) {
	assert.InDelta(t, 0.8*0.5+0.2*0.9, kgraph.SmoothConfidence(0.5, 0.9), 1e-9)
	assert.InDelta(t, 0.2, kgraph.SmoothConfidence(-3, 1.0), 1e-9)
	assert.InDelta(t, 0.8, kgraph.SmoothConfidence(7, 0.0), 1e-9)
}
