// Package detect holds the narrative pattern detectors.
//
// Every detector reads an immutable kgraph.Snapshot and returns scored
// Patterns; none of them mutate the graph, so a pass over an unchanged
// snapshot always yields the same multiset of patterns. The Suite runs the
// registered detectors in order, drops anything under the configured
// confidence floor, and returns a deterministically sorted result.
package detect

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/kgraph"
)

// Pattern type names emitted by the built-in detectors.
const (
	PatternTopicCycle          = "topic_cycle"
	PatternNarrativeRepetition = "narrative_repetition"
	PatternCoordinatedShift    = "coordinated_shift"
	PatternEmotionalEscalation = "emotional_manipulation"
	PatternPropaganda          = "propaganda"
)

// Pattern is one detected narrative pattern. Confidence is always within
// [0,1]. Metadata keys are detector-specific and documented per detector.
type Pattern struct {
	ID          uuid.UUID      `json:"id"`
	PatternType string         `json:"patternType"`
	Confidence  float64        `json:"confidence"`
	DetectedAt  time.Time      `json:"detectedAt"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Config tunes the detector suite.
type Config struct {
	// Timeframe is the detection window: topics and transitions older than
	// this relative to now are excluded. It also bounds how far a
	// topic-cycle path may stretch between its first and current topic.
	Timeframe time.Duration

	// MinConfidence is the floor below which patterns are dropped.
	MinConfidence float64

	// EmotionalMinChange is the smallest fear or anger trend that counts
	// as escalation.
	EmotionalMinChange float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeframe:          time.Hour,
		MinConfidence:      0.6,
		EmotionalMinChange: 0.3,
	}
}

// Detector is one pattern detector over a graph snapshot.
type Detector interface {
	// Name identifies the detector in logs and metrics.
	Name() string

	// Detect scans the snapshot and returns zero or more patterns. The
	// implementation must not retain the snapshot past the call.
	Detect(snap *kgraph.Snapshot, now time.Time) []Pattern
}

// Suite runs a fixed set of detectors against snapshots.
type Suite struct {
	cfg       Config
	detectors []Detector
}

// NewSuite builds a suite with the five built-in detectors.
func NewSuite(cfg Config) *Suite {
	return &Suite{
		cfg: cfg,
		detectors: []Detector{
			NewCycleDetector(cfg),
			NewRepetitionDetector(cfg),
			NewShiftDetector(cfg),
			NewEscalationDetector(cfg),
			NewPropagandaDetector(cfg),
		},
	}
}

// NewSuiteWith builds a suite from an explicit detector list.
func NewSuiteWith(cfg Config, detectors ...Detector) *Suite {
	return &Suite{cfg: cfg, detectors: detectors}
}

// Detectors returns the registered detectors in run order.
func (s *Suite) Detectors() []Detector {
	out := make([]Detector, len(s.detectors))
	copy(out, s.detectors)
	return out
}

// Run executes every detector, filters by MinConfidence and returns the
// surviving patterns sorted by confidence descending, then type, then
// description, so repeated runs over the same snapshot compare equal.
func (s *Suite) Run(snap *kgraph.Snapshot, now time.Time) []Pattern {
	patterns := make([]Pattern, 0)
	for _, d := range s.detectors {
		for _, p := range d.Detect(snap, now) {
			p.Confidence = kgraph.Clamp(p.Confidence)
			if p.Confidence < s.cfg.MinConfidence {
				continue
			}
			patterns = append(patterns, p)
		}
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		if patterns[i].PatternType != patterns[j].PatternType {
			return patterns[i].PatternType < patterns[j].PatternType
		}
		return patterns[i].Description < patterns[j].Description
	})
	return patterns
}
