package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/llm"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
)

// Chunking defaults: overlapping windows keep entities that straddle a
// boundary visible to at least one chunk.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunk is one overlapping window into a transcript.
type Chunk struct {
	Text   string
	Offset int // byte offset of Text within the full transcript
}

// ChunkText splits text into windows of at most size bytes with the given
// overlap, preferring to cut at sentence ends, then at word boundaries.
func ChunkText(text string, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	if len(text) <= size {
		if text == "" {
			return nil
		}
		return []Chunk{{Text: text}}
	}

	var chunks []Chunk
	pos := 0
	for pos < len(text) {
		end := pos + size
		if end >= len(text) {
			chunks = append(chunks, Chunk{Text: text[pos:], Offset: pos})
			break
		}
		end = cutPoint(text, pos, end)
		chunks = append(chunks, Chunk{Text: text[pos:end], Offset: pos})

		next := end - overlap
		if next <= pos {
			next = end
		}
		pos = next
	}
	return chunks
}

// cutPoint backtracks from end toward pos looking for a sentence end,
// then a space. Cuts mid-word only when the window has neither.
func cutPoint(text string, pos, end int) int {
	window := text[pos:end]
	if i := strings.LastIndexAny(window, ".!?"); i > 0 {
		return pos + i + 1
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return pos + i
	}
	return end
}

// ExtractedEntity is one entity the task manager found in a chunk.
type ExtractedEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// TopicSegment is one topical span of the transcript, in seconds.
type TopicSegment struct {
	Topic string  `json:"topic"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TaskManager is the LLM-backed analysis surface the transcript collector
// delegates to for entity extraction and topic segmentation.
type TaskManager interface {
	ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error)
	SegmentTopics(ctx context.Context, text string) ([]TopicSegment, error)
}

// LLMTaskManager implements TaskManager on a completion client with
// JSON-array prompts.
type LLMTaskManager struct {
	client llm.Client
}

// NewLLMTaskManager wraps a completion client.
func NewLLMTaskManager(client llm.Client) *LLMTaskManager {
	return &LLMTaskManager{client: client}
}

// ExtractEntities implements TaskManager.
func (t *LLMTaskManager) ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error) {
	prompt := "Extract the named entities (people, organizations, assets, places) from this transcript excerpt. " +
		`Respond with a JSON array of {"name", "type", "confidence"} objects and nothing else.` + "\n\n" + text
	var out []ExtractedEntity
	if err := t.completeJSON(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SegmentTopics implements TaskManager.
func (t *LLMTaskManager) SegmentTopics(ctx context.Context, text string) ([]TopicSegment, error) {
	prompt := "Segment this transcript into topical sections. " +
		`Respond with a JSON array of {"topic", "start", "end"} objects (seconds) and nothing else.` + "\n\n" + text
	var out []TopicSegment
	if err := t.completeJSON(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *LLMTaskManager) completeJSON(ctx context.Context, prompt string, out any) error {
	text, err := t.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return err
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("parse task manager response: %w", err)
	}
	return nil
}

// SpanFinding is one propaganda span located in transcript time.
type SpanFinding struct {
	Category   string  `json:"category"`
	Excerpt    string  `json:"excerpt"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Confidence float64 `json:"confidence"`
}

// TranscriptAnalysis is the full result for one video.
type TranscriptAnalysis struct {
	VideoID  string            `json:"videoId"`
	Chunks   int               `json:"chunks"`
	Entities []ExtractedEntity `json:"entities,omitempty"`
	Topics   []TopicSegment    `json:"topics,omitempty"`
	Findings []SpanFinding     `json:"findings,omitempty"`
}

// TranscriptCollector fetches a video transcript, chunks it, extracts
// entities through the task manager, and classifies propaganda spans with
// the local keyword detector.
type TranscriptCollector struct {
	src        sources.TranscriptSource
	tasks      TaskManager
	propaganda *detect.PropagandaDetector
	chunkSize  int
	overlap    int
	log        *zap.Logger
}

// transcriptTechniques is the span taxonomy used on long-form video:
// coarser than the social-post library, tuned for narrated manipulation.
func transcriptTechniques() []detect.Technique {
	return []detect.Technique{
		{
			Type:            "fear_tactics",
			Words:           []string{"collapse", "crisis", "destroy", "danger", "threat", "panic", "catastrophe", "devastating", "warning"},
			Priority:        1.0,
			RequiredMatches: 2,
		},
		{
			Type:            "economic_manipulation",
			Words:           []string{"inflation", "devalue", "worthless", "fiat", "hedge", "hyperinflation", "confiscate", "bail", "debt", "printing"},
			Priority:        0.9,
			RequiredMatches: 2,
		},
		{
			Type:            "soft_propaganda",
			Words:           []string{"everyone", "wakes", "movement", "truth", "mainstream", "media", "hiding", "really", "believe"},
			Priority:        0.7,
			RequiredMatches: 3,
		},
	}
}

// NewTranscriptCollector builds the collector. A nil task manager skips
// entity extraction and topic segmentation.
func NewTranscriptCollector(src sources.TranscriptSource, tasks TaskManager, cfg detect.Config, log *zap.Logger) *TranscriptCollector {
	if log == nil {
		log = zap.NewNop()
	}
	return &TranscriptCollector{
		src:        src,
		tasks:      tasks,
		propaganda: detect.NewPropagandaDetectorWith(cfg, transcriptTechniques()),
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		log:        log,
	}
}

// Analyze fetches and analyzes one video transcript.
func (c *TranscriptCollector) Analyze(ctx context.Context, videoID string) (TranscriptAnalysis, error) {
	segments, err := c.src.Transcript(ctx, videoID)
	if err != nil {
		return TranscriptAnalysis{}, fmt.Errorf("transcript %s: %w", videoID, err)
	}

	text, index := flatten(segments)
	chunks := ChunkText(text, c.chunkSize, c.overlap)

	analysis := TranscriptAnalysis{VideoID: videoID, Chunks: len(chunks)}

	if c.tasks != nil {
		analysis.Entities = c.extractEntities(ctx, chunks)
		topics, err := c.tasks.SegmentTopics(ctx, text)
		if err != nil {
			c.log.Warn("topic segmentation failed", zap.String("video", videoID), zap.Error(err))
		} else {
			analysis.Topics = topics
		}
	}

	for _, span := range c.propaganda.ScanText(text) {
		analysis.Findings = append(analysis.Findings, SpanFinding{
			Category:   span.Type,
			Excerpt:    span.Excerpt,
			StartTime:  index.timeAt(span.Start),
			EndTime:    index.endAt(span.End),
			Confidence: span.Score,
		})
	}
	return analysis, nil
}

// CollectVideo analyzes a video and appends its propaganda findings to
// the state's pattern buffer.
func (c *TranscriptCollector) CollectVideo(ctx context.Context, st *state.UnifiedState, videoID string) error {
	analysis, err := c.Analyze(ctx, videoID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, f := range analysis.Findings {
		st.AppendPatterns(detect.Pattern{
			ID:          uuid.New(),
			PatternType: detect.PatternPropaganda,
			Confidence:  f.Confidence,
			DetectedAt:  now,
			Description: fmt.Sprintf("%s span in video %s", f.Category, videoID),
			Metadata: map[string]any{
				"videoId":   videoID,
				"category":  f.Category,
				"startTime": f.StartTime,
				"endTime":   f.EndTime,
				"excerpt":   f.Excerpt,
			},
		})
	}
	return nil
}

// VideoFeed adapts the transcript collector to the monitor fan-out: each
// cycle it analyzes the not-yet-seen videos on its watchlist and feeds
// their findings into the state. A video is analyzed once per session.
type VideoFeed struct {
	tc     *TranscriptCollector
	videos []string
	done   map[string]struct{}
}

// NewVideoFeed builds the feed over a fixed video watchlist.
func NewVideoFeed(tc *TranscriptCollector, videoIDs []string) *VideoFeed {
	return &VideoFeed{
		tc:     tc,
		videos: videoIDs,
		done:   make(map[string]struct{}),
	}
}

// Name implements Collector.
func (f *VideoFeed) Name() string { return "video" }

// Collect implements Collector.
func (f *VideoFeed) Collect(ctx context.Context, st *state.UnifiedState) error {
	var errs []error
	for _, id := range f.videos {
		if _, ok := f.done[id]; ok {
			continue
		}
		if err := f.tc.CollectVideo(ctx, st, id); err != nil {
			f.tc.log.Warn("video analysis failed", zap.String("video", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("video %s: %w", id, err))
			continue
		}
		f.done[id] = struct{}{}
	}
	return errors.Join(errs...)
}

// extractEntities runs the task manager per chunk and deduplicates by
// name, keeping the highest confidence.
func (c *TranscriptCollector) extractEntities(ctx context.Context, chunks []Chunk) []ExtractedEntity {
	best := make(map[string]ExtractedEntity)
	for _, chunk := range chunks {
		entities, err := c.tasks.ExtractEntities(ctx, chunk.Text)
		if err != nil {
			c.log.Warn("entity extraction failed for chunk", zap.Int("offset", chunk.Offset), zap.Error(err))
			continue
		}
		for _, e := range entities {
			key := strings.ToLower(e.Name)
			if prev, ok := best[key]; !ok || e.Confidence > prev.Confidence {
				best[key] = e
			}
		}
	}

	out := make([]ExtractedEntity, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// offsetIndex maps byte offsets in the flattened transcript back to
// playback seconds.
type offsetIndex struct {
	offsets []int
	starts  []float64
	ends    []float64
}

// flatten joins segments with spaces and records each segment's byte
// range for offset→time lookups.
func flatten(segments []sources.TranscriptSegment) (string, offsetIndex) {
	var sb strings.Builder
	idx := offsetIndex{}
	for i, seg := range segments {
		if i > 0 {
			sb.WriteByte(' ')
		}
		idx.offsets = append(idx.offsets, sb.Len())
		idx.starts = append(idx.starts, seg.Start)
		idx.ends = append(idx.ends, seg.Start+seg.Duration)
		sb.WriteString(seg.Text)
	}
	return sb.String(), idx
}

// timeAt returns the start time of the segment containing offset.
func (idx offsetIndex) timeAt(offset int) float64 {
	i := idx.segmentAt(offset)
	if i < 0 {
		return 0
	}
	return idx.starts[i]
}

// endAt returns the end time of the segment containing offset.
func (idx offsetIndex) endAt(offset int) float64 {
	i := idx.segmentAt(offset)
	if i < 0 {
		return 0
	}
	return idx.ends[i]
}

func (idx offsetIndex) segmentAt(offset int) int {
	if len(idx.offsets) == 0 {
		return -1
	}
	i := sort.Search(len(idx.offsets), func(i int) bool { return idx.offsets[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	return i
}
