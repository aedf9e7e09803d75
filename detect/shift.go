package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/kgraph"
)

// shiftWindow is the wall-aligned bucket size for coordinated shifts.
const shiftWindow = 15 * time.Minute

// ShiftDetector finds coordinated topic shifts: several distinct accounts
// transitioning away from the same base topic in the same 15-minute window
// toward fewer targets than there are movers. Each such window is a
// cluster; a cluster scores
//
//	conf = (srcRatio*0.7 + tgtRatio*0.3) * (1 + 0.1*(clusters-1))
//
// where srcRatio is the cluster's share of the base topic's transitions
// and tgtRatio measures how concentrated its targets are. Multiple
// clusters under one base topic reinforce each other through the trailing
// multiplier. Transitions observed more than Timeframe before now are
// ignored.
//
// The transition account is read from the edge's "source" property; the
// transition time is that property's observation timestamp, falling back
// to the edge creation time.
//
// Metadata: baseTopicId, sourceCount, sharedTargetCount, sources,
// windowStart.
type ShiftDetector struct {
	timeframe     time.Duration
	minConfidence float64
}

// NewShiftDetector builds the detector from suite config.
func NewShiftDetector(cfg Config) *ShiftDetector {
	timeframe := cfg.Timeframe
	if timeframe <= 0 {
		timeframe = DefaultConfig().Timeframe
	}
	return &ShiftDetector{timeframe: timeframe, minConfidence: cfg.MinConfidence}
}

// Name implements Detector.
func (d *ShiftDetector) Name() string { return PatternCoordinatedShift }

type shiftBucket struct {
	start   time.Time
	sources map[string]struct{}
	targets map[uuid.UUID]struct{}
}

type shiftBase struct {
	buckets map[time.Time]*shiftBucket
	total   int
}

// Detect implements Detector.
func (d *ShiftDetector) Detect(snap *kgraph.Snapshot, now time.Time) []Pattern {
	bases := make(map[uuid.UUID]*shiftBase)
	for _, r := range snap.RelationshipsByType(kgraph.RelTopicTransition) {
		srcProp, ok := r.Property("source")
		if !ok {
			continue
		}
		account, ok := toString(srcProp.Value)
		if !ok || account == "" {
			continue
		}
		at := srcProp.Timestamp
		if at.IsZero() {
			at = r.CreatedAt
		}
		if now.Sub(at) > d.timeframe {
			continue
		}

		base, ok := bases[r.SourceID]
		if !ok {
			base = &shiftBase{buckets: make(map[time.Time]*shiftBucket)}
			bases[r.SourceID] = base
		}
		base.total++

		start := at.UTC().Truncate(shiftWindow)
		b, ok := base.buckets[start]
		if !ok {
			b = &shiftBucket{
				start:   start,
				sources: make(map[string]struct{}),
				targets: make(map[uuid.UUID]struct{}),
			}
			base.buckets[start] = b
		}
		b.sources[account] = struct{}{}
		b.targets[r.TargetID] = struct{}{}
	}

	baseIDs := make([]uuid.UUID, 0, len(bases))
	for id := range bases {
		baseIDs = append(baseIDs, id)
	}
	sort.Slice(baseIDs, func(i, j int) bool { return baseIDs[i].String() < baseIDs[j].String() })

	patterns := make([]Pattern, 0)
	for _, baseID := range baseIDs {
		base := bases[baseID]

		clusters := make([]*shiftBucket, 0)
		for _, b := range base.buckets {
			if len(b.sources) >= 2 && len(b.targets) < len(b.sources) {
				clusters = append(clusters, b)
			}
		}
		if len(clusters) == 0 {
			continue
		}
		sort.Slice(clusters, func(i, j int) bool { return clusters[i].start.Before(clusters[j].start) })

		boost := 1 + 0.1*float64(len(clusters)-1)
		for _, b := range clusters {
			srcRatio := float64(len(b.sources)) / float64(base.total)
			tgtRatio := float64(len(b.targets)) / float64(len(b.sources))
			conf := kgraph.Clamp((srcRatio*0.7 + tgtRatio*0.3) * boost)
			if conf < d.minConfidence {
				continue
			}

			accounts := make([]string, 0, len(b.sources))
			for a := range b.sources {
				accounts = append(accounts, a)
			}
			sort.Strings(accounts)

			patterns = append(patterns, Pattern{
				ID:          uuid.New(),
				PatternType: PatternCoordinatedShift,
				Confidence:  conf,
				DetectedAt:  now,
				Description: fmt.Sprintf("%d accounts shifted toward %d targets within %s", len(b.sources), len(b.targets), shiftWindow),
				Metadata: map[string]any{
					"baseTopicId":       baseID.String(),
					"sourceCount":       len(b.sources),
					"sharedTargetCount": len(b.targets),
					"sources":           accounts,
					"windowStart":       b.start.Format(time.RFC3339),
				},
			})
		}
	}
	return patterns
}
