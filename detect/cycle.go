package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/kgraph"
)

// CycleDetector finds topic categories that return after a detour: a walk
// along topic_transition edges whose current category already appears on
// the path. Longer detours score higher, capped at two hops:
//
//	confidence = 0.8 + 0.1*min(depth, 2)
//
// Only time-aware topics whose validFrom falls within the last Timeframe
// before now participate. A path is additionally abandoned once the
// current topic's validFrom drifts more than Timeframe past the path
// start, so stale returns to an old category do not count as cycles.
//
// Metadata: startCategory, length, path, topicIds.
type CycleDetector struct {
	timeframe time.Duration
}

// NewCycleDetector builds the detector from suite config.
func NewCycleDetector(cfg Config) *CycleDetector {
	timeframe := cfg.Timeframe
	if timeframe <= 0 {
		timeframe = DefaultConfig().Timeframe
	}
	return &CycleDetector{timeframe: timeframe}
}

// Name implements Detector.
func (d *CycleDetector) Name() string { return PatternTopicCycle }

// Detect implements Detector.
func (d *CycleDetector) Detect(snap *kgraph.Snapshot, now time.Time) []Pattern {
	patterns := make([]Pattern, 0)

	for _, root := range snap.EntitiesByType(kgraph.TypeTopic) {
		if !root.TimeAware() || now.Sub(root.Temporal.ValidFrom) > d.timeframe {
			continue
		}
		category, ok := propString(root, "category")
		if !ok {
			continue
		}
		w := cycleWalk{
			snap:       snap,
			timeframe:  d.timeframe,
			pathStart:  root.Temporal.ValidFrom,
			seen:       map[string]struct{}{category: {}},
			categories: []string{category},
			topicIDs:   []uuid.UUID{root.ID},
			now:        now,
		}
		w.extend(root.ID, 0, &patterns)
	}
	return patterns
}

type cycleWalk struct {
	snap       *kgraph.Snapshot
	timeframe  time.Duration
	pathStart  time.Time
	seen       map[string]struct{}
	categories []string
	topicIDs   []uuid.UUID
	now        time.Time
}

func (w *cycleWalk) extend(from uuid.UUID, depth int, out *[]Pattern) {
	for _, r := range w.snap.Outgoing(from, kgraph.RelTopicTransition) {
		next, ok := w.snap.Entity(r.TargetID)
		if !ok || !next.TimeAware() {
			continue
		}
		if w.now.Sub(next.Temporal.ValidFrom) > w.timeframe {
			continue
		}
		if next.Temporal.ValidFrom.Sub(w.pathStart) > w.timeframe {
			continue
		}
		category, ok := propString(next, "category")
		if !ok {
			continue
		}

		// Depth is counted in edges, so any repeat found here is at
		// depth >= 1 and the root alone can never form a cycle.
		if _, repeated := w.seen[category]; repeated {
			*out = append(*out, w.emit(category, next.ID, depth+1))
			continue
		}

		w.seen[category] = struct{}{}
		w.categories = append(w.categories, category)
		w.topicIDs = append(w.topicIDs, next.ID)

		w.extend(next.ID, depth+1, out)

		delete(w.seen, category)
		w.categories = w.categories[:len(w.categories)-1]
		w.topicIDs = w.topicIDs[:len(w.topicIDs)-1]
	}
}

func (w *cycleWalk) emit(category string, closing uuid.UUID, depth int) Pattern {
	path := make([]string, 0, len(w.categories)+1)
	path = append(path, w.categories...)
	path = append(path, category)

	ids := make([]string, 0, len(w.topicIDs)+1)
	for _, id := range w.topicIDs {
		ids = append(ids, id.String())
	}
	ids = append(ids, closing.String())

	return Pattern{
		ID:          uuid.New(),
		PatternType: PatternTopicCycle,
		Confidence:  0.8 + 0.1*float64(min(depth, 2)),
		DetectedAt:  w.now,
		Description: fmt.Sprintf("topic cycle %s", strings.Join(path, " -> ")),
		Metadata: map[string]any{
			"startCategory": category,
			"length":        depth,
			"path":          path,
			"topicIds":      ids,
		},
	}
}
