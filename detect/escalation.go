package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/kgraph"
)

// EscalationDetector finds deliberate emotional ramp-ups: within one topic
// category, fear or anger rising across at least three time-aware topics.
// The trend is last minus first reading after sorting by validFrom.
//
// A category escalates when max(fearTrend, angerTrend) reaches the
// configured minimum change, and scores
//
//	conf = 0.5*clamp(trend/minChange) + 0.3*clamp(intensityTrend/minChange) + 0.2*clamp((n-2)/3)
//
// so the strongest emotion dominates, overall intensity backs it up, and
// longer runs add a little weight. Intensity is the sentiment "intensity"
// reading when present, otherwise the fear/anger mean. Readings older than
// Timeframe relative to now are ignored.
//
// Metadata: category, topicCount, fearLevel, angerLevel (latest readings),
// fearTrend, angerTrend.
type EscalationDetector struct {
	timeframe     time.Duration
	minChange     float64
	minConfidence float64
}

// NewEscalationDetector builds the detector from suite config.
func NewEscalationDetector(cfg Config) *EscalationDetector {
	timeframe := cfg.Timeframe
	if timeframe <= 0 {
		timeframe = DefaultConfig().Timeframe
	}
	minChange := cfg.EmotionalMinChange
	if minChange <= 0 {
		minChange = DefaultConfig().EmotionalMinChange
	}
	return &EscalationDetector{timeframe: timeframe, minChange: minChange, minConfidence: cfg.MinConfidence}
}

// Name implements Detector.
func (d *EscalationDetector) Name() string { return PatternEmotionalEscalation }

type emotionalReading struct {
	at        time.Time
	fear      float64
	anger     float64
	intensity float64
}

// Detect implements Detector.
func (d *EscalationDetector) Detect(snap *kgraph.Snapshot, now time.Time) []Pattern {
	byCategory := make(map[string][]emotionalReading)
	for _, t := range snap.EntitiesByType(kgraph.TypeTopic) {
		if !t.TimeAware() || now.Sub(t.Temporal.ValidFrom) > d.timeframe {
			continue
		}
		category, ok := propString(t, "category")
		if !ok {
			continue
		}
		sentiment := propFloatMap(t, "sentiment")
		if sentiment == nil {
			continue
		}
		r := emotionalReading{
			at:    t.Temporal.ValidFrom,
			fear:  sentiment["fear"],
			anger: sentiment["anger"],
		}
		if v, ok := sentiment["intensity"]; ok {
			r.intensity = v
		} else {
			r.intensity = (r.fear + r.anger) / 2
		}
		byCategory[category] = append(byCategory[category], r)
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	patterns := make([]Pattern, 0)
	for _, category := range categories {
		readings := byCategory[category]
		if len(readings) < 3 {
			continue
		}
		sort.SliceStable(readings, func(i, j int) bool { return readings[i].at.Before(readings[j].at) })

		first, last := readings[0], readings[len(readings)-1]
		fearTrend := last.fear - first.fear
		angerTrend := last.anger - first.anger
		intensityTrend := last.intensity - first.intensity

		trend := fearTrend
		if angerTrend > trend {
			trend = angerTrend
		}
		if trend < d.minChange {
			continue
		}

		n := float64(len(readings))
		conf := 0.5*kgraph.Clamp(trend/d.minChange) +
			0.3*kgraph.Clamp(intensityTrend/d.minChange) +
			0.2*kgraph.Clamp((n-2)/3)
		if conf < d.minConfidence {
			continue
		}

		patterns = append(patterns, Pattern{
			ID:          uuid.New(),
			PatternType: PatternEmotionalEscalation,
			Confidence:  conf,
			DetectedAt:  now,
			Description: fmt.Sprintf("emotional escalation in %q across %d topics", category, len(readings)),
			Metadata: map[string]any{
				"category":   category,
				"topicCount": len(readings),
				"fearLevel":  last.fear,
				"angerLevel": last.anger,
				"fearTrend":  fearTrend,
				"angerTrend": angerTrend,
			},
		})
	}
	return patterns
}
