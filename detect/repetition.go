package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/kgraph"
)

// RepetitionDetector finds groups of topics pushing the same narrative:
// within one topic category, keyword sets whose Jaccard similarity reaches
// 0.7 (identical sets count as 1.0). A group needs a base topic plus at
// least two similar peers. Confidence is the mean of the peer
// similarities. Only time-aware topics whose validFrom falls within the
// last Timeframe before now are considered.
//
// Each topic belongs to at most one reported group: once a base and its
// peers are emitted they are consumed, so three mutually identical topics
// yield one pattern, not three.
//
// Metadata: category, baseTopicId, relatedTopicIds, similarityScores,
// topicCount.
type RepetitionDetector struct {
	timeframe     time.Duration
	minSimilarity float64
	minPeers      int
}

// NewRepetitionDetector builds the detector from suite config.
func NewRepetitionDetector(cfg Config) *RepetitionDetector {
	timeframe := cfg.Timeframe
	if timeframe <= 0 {
		timeframe = DefaultConfig().Timeframe
	}
	return &RepetitionDetector{timeframe: timeframe, minSimilarity: 0.7, minPeers: 2}
}

// Name implements Detector.
func (d *RepetitionDetector) Name() string { return PatternNarrativeRepetition }

type repetitionCandidate struct {
	entity   kgraph.Entity
	keywords map[string]struct{}
}

// Detect implements Detector.
func (d *RepetitionDetector) Detect(snap *kgraph.Snapshot, now time.Time) []Pattern {
	byCategory := make(map[string][]repetitionCandidate)
	for _, t := range snap.EntitiesByType(kgraph.TypeTopic) {
		if !t.TimeAware() || now.Sub(t.Temporal.ValidFrom) > d.timeframe {
			continue
		}
		category, ok := propString(t, "category")
		if !ok {
			continue
		}
		kw := propStringSet(t, "keywords")
		if len(kw) == 0 {
			continue
		}
		byCategory[category] = append(byCategory[category], repetitionCandidate{entity: t, keywords: kw})
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	patterns := make([]Pattern, 0)
	for _, category := range categories {
		patterns = append(patterns, d.groupCategory(category, byCategory[category], now)...)
	}
	return patterns
}

// groupCategory runs the pairwise grouping over the candidates of one
// category.
func (d *RepetitionDetector) groupCategory(category string, candidates []repetitionCandidate, now time.Time) []Pattern {
	patterns := make([]Pattern, 0)
	consumed := make(map[uuid.UUID]bool)

	for i, base := range candidates {
		if consumed[base.entity.ID] {
			continue
		}

		var (
			peerIDs      []string
			similarities []float64
			peerEntities []uuid.UUID
		)
		for j, other := range candidates {
			if i == j || consumed[other.entity.ID] {
				continue
			}
			sim := jaccard(base.keywords, other.keywords)
			if sim < d.minSimilarity {
				continue
			}
			peerIDs = append(peerIDs, other.entity.ID.String())
			similarities = append(similarities, sim)
			peerEntities = append(peerEntities, other.entity.ID)
		}
		if len(peerEntities) < d.minPeers {
			continue
		}

		var sum float64
		for _, s := range similarities {
			sum += s
		}
		conf := sum / float64(len(similarities))

		consumed[base.entity.ID] = true
		for _, id := range peerEntities {
			consumed[id] = true
		}

		name, _ := propString(base.entity, "name")
		if name == "" {
			name = category
		}
		patterns = append(patterns, Pattern{
			ID:          uuid.New(),
			PatternType: PatternNarrativeRepetition,
			Confidence:  conf,
			DetectedAt:  now,
			Description: fmt.Sprintf("narrative %q repeated across %d topics", name, len(peerEntities)+1),
			Metadata: map[string]any{
				"category":         category,
				"baseTopicId":      base.entity.ID.String(),
				"relatedTopicIds":  peerIDs,
				"similarityScores": similarities,
				"topicCount":       len(peerEntities) + 1,
			},
		})
	}
	return patterns
}

// jaccard computes intersection over union. Identical sets short-circuit
// to 1.0, which also covers empty-vs-empty without a zero division.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == len(b) {
		equal := true
		for w := range a {
			if _, ok := b[w]; !ok {
				equal = false
				break
			}
		}
		if equal {
			return 1.0
		}
	}

	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
