package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/kgraph"
)

// Technique is one propaganda fingerprint: a weighted bag of marker words.
// A text span matches when it contains at least RequiredMatches distinct
// marker words; its score is the matched fraction scaled by Priority.
type Technique struct {
	Type            string
	Words           []string
	Priority        float64
	RequiredMatches int
}

// DefaultTechniques is the built-in technique library.
func DefaultTechniques() []Technique {
	return []Technique{
		{
			Type:            "fear_appeal",
			Words:           []string{"threat", "danger", "destroy", "catastrophe", "collapse", "crisis", "panic", "warning", "devastating"},
			Priority:        1.0,
			RequiredMatches: 2,
		},
		{
			Type:            "loaded_language",
			Words:           []string{"corrupt", "evil", "sinister", "poison", "disgusting", "shameful", "betrayal", "rigged"},
			Priority:        0.9,
			RequiredMatches: 2,
		},
		{
			Type:            "us_vs_them",
			Words:           []string{"they", "them", "elite", "elites", "globalists", "enemy", "traitors", "outsiders", "us"},
			Priority:        0.85,
			RequiredMatches: 3,
		},
		{
			Type:            "urgency",
			Words:           []string{"now", "immediately", "urgent", "hurry", "deadline", "act", "last", "chance"},
			Priority:        0.8,
			RequiredMatches: 2,
		},
		{
			Type:            "bandwagon",
			Words:           []string{"everyone", "everybody", "majority", "join", "movement", "millions", "wakes"},
			Priority:        0.7,
			RequiredMatches: 2,
		},
		{
			Type:            "authority_appeal",
			Words:           []string{"experts", "scientists", "officials", "studies", "proven", "confirmed", "insiders"},
			Priority:        0.7,
			RequiredMatches: 2,
		},
	}
}

// Span is a region of text attributed to one propaganda technique.
// Offsets are byte positions into the scanned text.
type Span struct {
	Start   int     `json:"start"`
	End     int     `json:"end"`
	Type    string  `json:"type"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// PropagandaDetector scans topic content for propaganda techniques.
//
// Text is scored sentence by sentence. Every technique reaching its
// required match count competes for the sentence; the highest score wins
// and ties break toward the higher-priority technique. Contiguous
// sentences attributed to the same technique merge into one span keeping
// the strongest score, clamped to 1.0.
//
// Metadata: topicId, techniques, spans.
type PropagandaDetector struct {
	techniques    []Technique
	minConfidence float64
}

// NewPropagandaDetector builds the detector with the default library.
func NewPropagandaDetector(cfg Config) *PropagandaDetector {
	return &PropagandaDetector{techniques: DefaultTechniques(), minConfidence: cfg.MinConfidence}
}

// NewPropagandaDetectorWith overrides the technique library.
func NewPropagandaDetectorWith(cfg Config, techniques []Technique) *PropagandaDetector {
	return &PropagandaDetector{techniques: techniques, minConfidence: cfg.MinConfidence}
}

// Name implements Detector.
func (d *PropagandaDetector) Name() string { return PatternPropaganda }

// Detect implements Detector. It scans the "content" property of every
// topic and emits one pattern per topic that contains scored spans, with
// the strongest span score as the pattern confidence.
func (d *PropagandaDetector) Detect(snap *kgraph.Snapshot, now time.Time) []Pattern {
	patterns := make([]Pattern, 0)
	for _, t := range snap.EntitiesByType(kgraph.TypeTopic) {
		content, ok := propString(t, "content")
		if !ok || content == "" {
			continue
		}
		spans := d.ScanText(content)
		if len(spans) == 0 {
			continue
		}

		best := 0.0
		types := make([]string, 0, len(spans))
		seen := make(map[string]bool)
		spanMeta := make([]map[string]any, 0, len(spans))
		for _, s := range spans {
			if s.Score > best {
				best = s.Score
			}
			if !seen[s.Type] {
				seen[s.Type] = true
				types = append(types, s.Type)
			}
			spanMeta = append(spanMeta, map[string]any{
				"start":   s.Start,
				"end":     s.End,
				"type":    s.Type,
				"score":   s.Score,
				"excerpt": s.Excerpt,
			})
		}
		if best < d.minConfidence {
			continue
		}
		sort.Strings(types)

		patterns = append(patterns, Pattern{
			ID:          uuid.New(),
			PatternType: PatternPropaganda,
			Confidence:  best,
			DetectedAt:  now,
			Description: fmt.Sprintf("propaganda techniques [%s] in topic content", strings.Join(types, ", ")),
			Metadata: map[string]any{
				"topicId":    t.ID.String(),
				"techniques": types,
				"spans":      spanMeta,
			},
		})
	}
	return patterns
}

// ScanText scores raw text and returns merged technique spans in order of
// appearance.
func (d *PropagandaDetector) ScanText(text string) []Span {
	sentences := splitSentences(text)

	scored := make([]Span, 0)
	for _, sent := range sentences {
		tokens := tokenize(sent.text)
		if len(tokens) == 0 {
			continue
		}

		var (
			bestType     string
			bestScore    float64
			bestPriority float64
		)
		for _, tech := range d.techniques {
			matches := 0
			for _, w := range tech.Words {
				if _, ok := tokens[w]; ok {
					matches++
				}
			}
			if matches < tech.RequiredMatches || len(tech.Words) == 0 {
				continue
			}
			score := float64(matches) / float64(len(tech.Words)) * tech.Priority
			if score > bestScore || (score == bestScore && tech.Priority > bestPriority) {
				bestType, bestScore, bestPriority = tech.Type, score, tech.Priority
			}
		}
		if bestType == "" {
			continue
		}
		scored = append(scored, Span{
			Start:   sent.start,
			End:     sent.end,
			Type:    bestType,
			Score:   bestScore,
			Excerpt: sent.text,
		})
	}

	// Merge runs of adjacent sentences attributed to the same technique.
	merged := make([]Span, 0, len(scored))
	for _, s := range scored {
		if n := len(merged); n > 0 && merged[n-1].Type == s.Type && spansAdjacent(merged[n-1], s, sentences) {
			prev := &merged[n-1]
			prev.End = s.End
			if s.Score > prev.Score {
				prev.Score = s.Score
			}
			prev.Excerpt = strings.TrimSpace(text[prev.Start:prev.End])
			continue
		}
		merged = append(merged, s)
	}
	for i := range merged {
		if merged[i].Score > 1.0 {
			merged[i].Score = 1.0
		}
	}
	return merged
}

// spansAdjacent reports whether b starts right after a, with no other
// sentence between them.
func spansAdjacent(a, b Span, sentences []sentence) bool {
	for _, s := range sentences {
		if s.start >= a.End && s.end <= b.Start && strings.TrimSpace(s.text) != "" {
			return false
		}
	}
	return true
}

type sentence struct {
	start, end int
	text       string
}

// splitSentences breaks text on sentence terminators, keeping byte offsets
// into the original string. Terminators stay attached to their sentence.
func splitSentences(text string) []sentence {
	out := make([]sentence, 0)
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			end := i + len(string(r))
			chunk := strings.TrimSpace(text[start:end])
			if chunk != "" {
				out = append(out, sentence{start: start, end: end, text: chunk})
			}
			start = end
		}
	}
	if chunk := strings.TrimSpace(text[start:]); chunk != "" {
		out = append(out, sentence{start: start, end: len(text), text: chunk})
	}
	return out
}

// tokenize lowercases and splits on non-alphanumerics, returning the
// distinct word set.
func tokenize(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
