package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/narrativelabs/driftwatch/causal"
	"github.com/narrativelabs/driftwatch/checkpoint"
	"github.com/narrativelabs/driftwatch/collect"
	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/llm"
	"github.com/narrativelabs/driftwatch/memory"
	"github.com/narrativelabs/driftwatch/queue"
	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/sources"
	"github.com/narrativelabs/driftwatch/state"
)

// StageConfig carries the tunables of the default stage set.
type StageConfig struct {
	// SignificanceFloor gates ASSESS into CAUSAL_MATCH.
	SignificanceFloor float64

	// ThreadThreshold and BridgeThreshold pick the response type.
	ThreadThreshold float64
	BridgeThreshold float64

	// PostLimit is the per-post character budget.
	PostLimit int

	// RecallResults bounds the semantic recall in RAG_CONTEXT.
	RecallResults int

	// CheckpointTTL drives retention pruning in EVOLVE.
	CheckpointTTL time.Duration

	// StuckAfter is the interaction-queue orphan recovery window.
	StuckAfter time.Duration

	// SelfUserID is the agent's platform account, for the mentions feed.
	SelfUserID string

	// MaxMentions bounds replies drafted per INTERACT pass.
	MaxMentions int
}

// DefaultStageConfig returns the production defaults.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		SignificanceFloor: 0.5,
		ThreadThreshold:   0.8,
		BridgeThreshold:   0.6,
		PostLimit:         DefaultPostLimit,
		RecallResults:     5,
		CheckpointTTL:     7 * 24 * time.Hour,
		StuckAfter:        10 * time.Minute,
		MaxMentions:       20,
	}
}

// Deps wires the default stage set. Nil fields degrade the corresponding
// stage instead of failing it: no memory skips recall, no LLM falls back
// to templates, no platform skips posting and mentions.
type Deps struct {
	Collectors   []collect.Collector
	Memory       *memory.VectorMemoryStore
	Detectors    *detect.Suite
	Analyzer     *causal.Analyzer
	LLM          llm.Client
	Social       sources.SocialPlatform
	Gate         *rategate.Gate
	Retry        *rategate.RetryHandler
	Checkpointer *checkpoint.Checkpointer[*state.UnifiedState]
	Metrics      *Metrics
	Config       StageConfig
	Log          *zap.Logger
}

// DefaultStages builds the full stage registry for an Engine.
func DefaultStages(d Deps) map[state.Stage]StageFunc {
	s := newStageSet(d)
	return map[state.Stage]StageFunc{
		state.StageMonitor:       s.monitor,
		state.StageRAGContext:    s.ragContext,
		state.StagePatternDetect: s.patternDetect,
		state.StageAssess:        s.assess,
		state.StageCausalMatch:   s.causalMatch,
		state.StageNarrate:       s.narrate,
		state.StageQueue:         s.queueStage,
		state.StagePost:          s.post,
		state.StageInteract:      s.interact,
		state.StageEvolve:        s.evolve,
		state.StageError:         ErrorStage,
	}
}

type stageSet struct {
	Deps
	cfg StageConfig
	now func() time.Time
}

func newStageSet(d Deps) *stageSet {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	cfg := d.Config
	def := DefaultStageConfig()
	if cfg.SignificanceFloor <= 0 {
		cfg.SignificanceFloor = def.SignificanceFloor
	}
	if cfg.ThreadThreshold <= 0 {
		cfg.ThreadThreshold = def.ThreadThreshold
	}
	if cfg.BridgeThreshold <= 0 {
		cfg.BridgeThreshold = def.BridgeThreshold
	}
	if cfg.PostLimit <= 0 {
		cfg.PostLimit = def.PostLimit
	}
	if cfg.RecallResults <= 0 {
		cfg.RecallResults = def.RecallResults
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.MaxMentions <= 0 {
		cfg.MaxMentions = def.MaxMentions
	}
	return &stageSet{
		Deps: d,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// monitor fans collectors out and joins before returning. A collector
// failure is logged and recorded but never aborts the stage: the cycle
// runs on whatever the other sources delivered.
func (s *stageSet) monitor(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	var g errgroup.Group
	var mu sync.Mutex
	var failures []error

	for _, c := range s.Collectors {
		c := c
		g.Go(func() error {
			if err := c.Collect(ctx, st); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("collector %s: %w", c.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range failures {
		st.RecordError(state.StageMonitor, err, false)
		s.Log.Warn("collector failed", zap.Error(err))
	}

	market, social, news := st.EventCounts()
	s.Metrics.AddEvents("market", market)
	s.Metrics.AddEvents("social", social)
	s.Metrics.AddEvents("news", news)
	s.Log.Debug("monitor pass complete",
		zap.Int("market", market), zap.Int("social", social), zap.Int("news", news))

	return StageResult{Next: state.StageRAGContext}, nil
}

// ragContext writes the cycle's events into vector memory on the present
// timeline, recalls semantically similar prior entries into
// CurrentContext, and runs the timeline-correlation query. An embedder
// outage degrades to a pass-through: logged, never fatal.
func (s *stageSet) ragContext(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	if s.Memory == nil {
		return StageResult{Next: state.StagePatternDetect}, nil
	}

	if err := s.rememberEvents(ctx, st); err != nil {
		st.RecordError(state.StageRAGContext, err, false)
		s.Log.Warn("vector memory unavailable, skipping recall", zap.Error(err))
		return StageResult{Next: state.StagePatternDetect}, nil
	}

	if query := contextQuery(st); query != "" {
		hits, err := s.Memory.SemanticSearch(ctx, query, s.cfg.RecallResults)
		if err != nil {
			s.Log.Warn("semantic recall failed", zap.Error(err))
		} else if len(hits) > 0 {
			recall := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				recall = append(recall, map[string]any{
					"key":      h.Entry.Key,
					"timeline": h.Entry.Timeline,
					"score":    h.Score,
					"value":    json.RawMessage(h.Entry.Value),
				})
			}
			st.CurrentContext["recall"] = recall
		}
	}

	corrs, err := s.Memory.FindPatterns(ctx, memory.PatternTimelineCorrelation)
	if err != nil {
		s.Log.Warn("timeline correlation failed", zap.Error(err))
	} else {
		st.Correlations = corrs
	}

	return StageResult{Next: state.StagePatternDetect}, nil
}

func (s *stageSet) rememberEvents(ctx context.Context, st *state.UnifiedState) error {
	for _, ev := range st.MarketEvents {
		key := fmt.Sprintf("market:%s:%d", ev.Symbol, ev.Timestamp.UnixNano())
		if err := s.Memory.Set(ctx, key, ev, memory.TimelinePresent); err != nil {
			return err
		}
	}
	for _, ev := range st.SocialEvents {
		id, _ := ev.Metadata["post_id"].(string)
		if id == "" {
			id = fmt.Sprintf("%s:%d", ev.Author, ev.Timestamp.UnixNano())
		}
		if err := s.Memory.Set(ctx, "social:"+id, ev, memory.TimelinePresent); err != nil {
			return err
		}
	}
	for _, ev := range st.NewsEvents {
		if err := s.Memory.Set(ctx, "news:"+ev.URL, ev, memory.TimelinePresent); err != nil {
			return err
		}
	}
	return nil
}

// contextQuery summarizes the cycle's events into one recall query.
func contextQuery(st *state.UnifiedState) string {
	var parts []string
	for _, ev := range st.MarketEvents {
		parts = append(parts, fmt.Sprintf("%s moved %.1f%%", ev.Symbol, ev.Indicators["price_change_24h"]*100))
	}
	for _, ev := range st.SocialEvents {
		parts = append(parts, ev.Content)
	}
	for _, ev := range st.NewsEvents {
		parts = append(parts, ev.Title)
	}
	query := strings.Join(parts, ". ")
	if len(query) > 2000 {
		query = query[:2000]
	}
	return query
}

// patternDetect folds the cycle's events into the knowledge graph as
// time-aware topics linked by transition edges, then runs the detector
// suite over a snapshot. With nothing detected the cycle loops back to
// MONITOR.
func (s *stageSet) patternDetect(_ context.Context, st *state.UnifiedState) (StageResult, error) {
	if err := s.ingestTopics(st); err != nil {
		return StageResult{}, err
	}

	patterns := s.Detectors.Run(st.Graph.Snapshot(), s.now())
	st.AppendPatterns(patterns...)
	for _, p := range patterns {
		s.Metrics.AddPatterns(p.PatternType, 1)
	}
	s.Log.Info("pattern detection complete",
		zap.Int("detected", len(patterns)),
		zap.Int("entities", st.Graph.NumEntities()))

	if len(st.Patterns) == 0 {
		return StageResult{Next: state.StageMonitor}, nil
	}
	return StageResult{Next: state.StageAssess}, nil
}

// ingestTopics turns this cycle's events into topic entities. Events in
// one stream chain together with topic_transition edges whose "source"
// property names the account or feed that moved, which is what the cycle
// and coordinated-shift detectors walk.
func (s *stageSet) ingestTopics(st *state.UnifiedState) error {
	prev := make(map[string]uuid.UUID)

	for _, ev := range st.MarketEvents {
		at := ev.Timestamp
		if at.IsZero() {
			at = s.now()
		}
		props := map[string]kgraph.Property{
			"category": {Value: "financial", Confidence: 1, Timestamp: at},
			"name":     {Value: "market move " + ev.Symbol, Confidence: 1, Timestamp: at},
			"keywords": {Value: []string{strings.ToLower(ev.Symbol), "market", "price"}, Confidence: 1, Timestamp: at},
		}
		e, err := st.Graph.AddTimeAwareEntity(kgraph.TypeTopic, props, at, nil)
		if err != nil {
			return fmt.Errorf("ingest market event %s: %w", ev.Symbol, err)
		}
		if err := linkTransition(st.Graph, prev, "market", e.ID, "market:"+ev.Symbol, at); err != nil {
			return err
		}
	}

	for _, ev := range st.SocialEvents {
		at := ev.Timestamp
		if at.IsZero() {
			at = s.now()
		}
		props := map[string]kgraph.Property{
			"category":  {Value: "social", Confidence: 1, Timestamp: at},
			"name":      {Value: "post by " + ev.Author, Confidence: 1, Timestamp: at},
			"keywords":  {Value: topicKeywords(ev.Content), Confidence: 1, Timestamp: at},
			"sentiment": {Value: sentimentLevels(ev.Sentiment), Confidence: 1, Timestamp: at},
		}
		e, err := st.Graph.AddTimeAwareEntity(kgraph.TypeTopic, props, at, nil)
		if err != nil {
			return fmt.Errorf("ingest social event by %s: %w", ev.Author, err)
		}
		if err := linkTransition(st.Graph, prev, "social", e.ID, ev.Author, at); err != nil {
			return err
		}
	}

	for _, ev := range st.NewsEvents {
		at := ev.PublishedAt
		if at.IsZero() {
			at = s.now()
		}
		props := map[string]kgraph.Property{
			"category":  {Value: newsCategory(ev), Confidence: 1, Timestamp: at},
			"name":      {Value: ev.Title, Confidence: 1, Timestamp: at},
			"keywords":  {Value: append(topicKeywords(ev.Title), ev.Topics...), Confidence: 1, Timestamp: at},
			"sentiment": {Value: sentimentLevels(ev.Sentiment), Confidence: 1, Timestamp: at},
		}
		e, err := st.Graph.AddTimeAwareEntity(kgraph.TypeTopic, props, at, nil)
		if err != nil {
			return fmt.Errorf("ingest news event %q: %w", ev.Title, err)
		}
		if err := linkTransition(st.Graph, prev, "news", e.ID, ev.Source, at); err != nil {
			return err
		}
	}

	return nil
}

func linkTransition(g *kgraph.Graph, prev map[string]uuid.UUID, stream string, next uuid.UUID, source string, at time.Time) error {
	if from, ok := prev[stream]; ok {
		_, err := g.AddRelationship(kgraph.RelTopicTransition, from, next, kgraph.RelationshipSpec{
			Confidence:       0.6,
			TemporalOrdering: kgraph.OrderBefore,
			Properties: map[string]kgraph.Property{
				"source": {Value: source, Timestamp: at, Confidence: 1},
			},
		})
		if err != nil {
			return fmt.Errorf("link %s transition: %w", stream, err)
		}
	}
	prev[stream] = next
	return nil
}

// sentimentLevels maps a scalar sentiment to the emotional readings the
// escalation detector expects. Negative sentiment reads as fear.
func sentimentLevels(sentiment float64) map[string]float64 {
	fear := 0.0
	if sentiment < 0 {
		fear = -sentiment
	}
	intensity := sentiment
	if intensity < 0 {
		intensity = -intensity
	}
	return map[string]float64{"fear": fear, "anger": fear, "intensity": intensity}
}

// topicKeywords lowercases and keeps up to eight non-trivial words.
func topicKeywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) <= 3 {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == 8 {
			break
		}
	}
	return out
}

func newsCategory(ev state.NewsEvent) string {
	if len(ev.RelatedAssets) > 0 {
		return "crypto"
	}
	for _, t := range ev.Topics {
		if t == "markets" {
			return "financial"
		}
	}
	return "news"
}

// assess scores the cycle and decides whether it deserves a response at
// all. Below the floor the cycle ends.
func (s *stageSet) assess(_ context.Context, st *state.UnifiedState) (StageResult, error) {
	counts := CountsFrom(st)
	sig := counts.Significance()
	st.Assessment = &state.Assessment{
		Significance: sig,
		ResponseType: SelectResponseType(sig, s.cfg.ThreadThreshold, s.cfg.BridgeThreshold),
		Summary:      summarize(counts, st),
		AssessedAt:   s.now(),
	}
	s.Log.Info("cycle assessed",
		zap.Float64("significance", sig),
		zap.String("responseType", string(st.Assessment.ResponseType)))

	if sig <= s.cfg.SignificanceFloor {
		return StageResult{Next: state.StageEnd, Checkpoint: true}, nil
	}
	return StageResult{Next: state.StageCausalMatch}, nil
}

func summarize(c SignificanceCounts, st *state.UnifiedState) string {
	summary := fmt.Sprintf("%d market, %d social, %d news events; %d patterns; %d correlations",
		c.Market, c.Social, c.News, len(st.Patterns), c.Correlations)
	if len(st.Patterns) > 0 {
		summary += "; strongest: " + st.Patterns[0].Description
	}
	return summary
}

// causalMatch consults the historical chain library for the cycle's
// dominant observation.
func (s *stageSet) causalMatch(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	if s.Analyzer == nil {
		return StageResult{Next: state.StageNarrate}, nil
	}

	current := causal.CurrentEvent{
		Description: currentDescription(st),
		Category:    dominantCategory(st),
		Scope:       causal.ScopeGlobal,
		Timestamp:   s.now(),
	}
	analysis, err := s.Analyzer.Analyze(ctx, current)
	if err != nil {
		return StageResult{}, err
	}
	st.Analyses = append(st.Analyses, analysis)
	s.Log.Info("causal analysis attached",
		zap.Float64("confidence", analysis.Confidence),
		zap.Int("parallels", len(analysis.HistoricalParallels)),
		zap.Int("chains", len(analysis.MatchedChains)))
	return StageResult{Next: state.StageNarrate}, nil
}

func currentDescription(st *state.UnifiedState) string {
	if len(st.Patterns) > 0 {
		return st.Patterns[0].Description
	}
	if st.Assessment != nil {
		return st.Assessment.Summary
	}
	return "unclassified market activity"
}

func dominantCategory(st *state.UnifiedState) causal.Category {
	for _, p := range st.Patterns {
		category, _ := p.Metadata["startCategory"].(string)
		if category == "" {
			category, _ = p.Metadata["category"].(string)
		}
		switch category {
		case "crypto":
			return causal.CategoryCrypto
		case "financial":
			return causal.CategoryFinancial
		case "social":
			return causal.CategorySocial
		}
	}
	c := CountsFrom(st)
	if c.Social+c.SocialPatterns > c.Market+c.MarketPatterns {
		return causal.CategorySocial
	}
	return causal.CategoryCrypto
}

// narrate drafts the cycle's outbound artifact and queues it. An LLM
// outage falls back to the deterministic template, so narration never
// blocks the cycle.
func (s *stageSet) narrate(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	if st.Assessment == nil {
		return StageResult{Next: state.StageQueue}, nil
	}
	responseType := st.Assessment.ResponseType
	content := s.draftContent(ctx, st, responseType)

	var posts []queue.QueuedPost
	switch responseType {
	case state.ResponseThreadAnalysis:
		segments := SplitThread(content, s.cfg.PostLimit)
		for i, seg := range segments {
			posts = append(posts, queue.QueuedPost{
				Content:  seg,
				Priority: 2,
				Context:  map[string]any{"responseType": string(responseType), "part": i + 1, "parts": len(segments)},
			})
		}
	case state.ResponseHistoricalBridge:
		posts = append(posts, queue.QueuedPost{
			Content:  TruncatePost(content, s.cfg.PostLimit),
			Priority: 2,
			Context:  map[string]any{"responseType": string(responseType)},
		})
	default:
		posts = append(posts, queue.QueuedPost{
			Content:  TruncatePost(content, s.cfg.PostLimit),
			Priority: 1,
			Context:  map[string]any{"responseType": string(responseType)},
		})
	}

	for _, p := range posts {
		if err := st.PostQueue.Add(p); err != nil {
			if errors.Is(err, queue.ErrBackpressure) {
				st.RecordError(state.StageNarrate, fmt.Errorf("dropped due to backpressure: %w", err), false)
				s.Metrics.IncBackpressure()
				s.Log.Warn("post queue full, dropping narration overflow",
					zap.Int("queued", st.PostQueue.Len()))
				break
			}
			return StageResult{}, err
		}
	}
	s.Metrics.SetQueueDepth(st.PostQueue.Len())
	return StageResult{Next: state.StageQueue}, nil
}

func (s *stageSet) draftContent(ctx context.Context, st *state.UnifiedState, responseType state.ResponseType) string {
	fallback := templateContent(st, responseType)
	if s.LLM == nil {
		return fallback
	}

	text, err := s.LLM.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You write concise, factual market-narrative commentary for a social audience. No hashtags, no financial advice."},
		{Role: llm.RoleUser, Content: narratePrompt(st, responseType)},
	})
	if err != nil || strings.TrimSpace(text) == "" {
		s.Log.Warn("narration llm failed, using template", zap.Error(err))
		return fallback
	}
	return strings.TrimSpace(text)
}

func narratePrompt(st *state.UnifiedState, responseType state.ResponseType) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Response type: %s\n", responseType)
	if st.Assessment != nil {
		fmt.Fprintf(&sb, "Cycle summary: %s (significance %.2f)\n", st.Assessment.Summary, st.Assessment.Significance)
	}
	for i, p := range st.Patterns {
		if i == 3 {
			break
		}
		fmt.Fprintf(&sb, "Pattern: %s (%.2f)\n", p.Description, p.Confidence)
	}
	for _, a := range st.Analyses {
		for i, w := range a.Warnings {
			if i == 2 {
				break
			}
			fmt.Fprintf(&sb, "Historical warning: %s\n", w)
		}
		for _, c := range a.MatchedChains {
			fmt.Fprintf(&sb, "Historical chain: %s -> %s\n", c.Name, c.FinalOutcome)
			break
		}
	}
	switch responseType {
	case state.ResponseThreadAnalysis:
		sb.WriteString("\nWrite a multi-sentence analysis suitable for a thread.")
	case state.ResponseHistoricalBridge:
		sb.WriteString("\nWrite one post connecting today's pattern to its closest historical parallel.")
	default:
		sb.WriteString("\nWrite one short observation.")
	}
	return sb.String()
}

// templateContent is the deterministic fallback used when no LLM is
// wired or the call fails.
func templateContent(st *state.UnifiedState, responseType state.ResponseType) string {
	var sb strings.Builder
	if len(st.Patterns) > 0 {
		fmt.Fprintf(&sb, "Watching: %s (confidence %.0f%%).", st.Patterns[0].Description, st.Patterns[0].Confidence*100)
	} else if st.Assessment != nil {
		fmt.Fprintf(&sb, "Cycle read: %s.", st.Assessment.Summary)
	}
	if responseType != state.ResponseQuickTake {
		for _, a := range st.Analyses {
			if len(a.MatchedChains) > 0 {
				fmt.Fprintf(&sb, " History rhymes: %s ended in %s.", a.MatchedChains[0].Name, a.MatchedChains[0].FinalOutcome)
			}
			if len(a.Warnings) > 0 {
				fmt.Fprintf(&sb, " Warning sign: %s.", a.Warnings[0])
			}
			break
		}
	}
	if sb.Len() == 0 {
		sb.WriteString("Quiet cycle; nothing actionable detected.")
	}
	return sb.String()
}

// queueStage decides whether the rate gate lets a post out this cycle.
// A grant here covers the publish attempt in POST.
func (s *stageSet) queueStage(_ context.Context, st *state.UnifiedState) (StageResult, error) {
	s.Metrics.SetQueueDepth(st.PostQueue.Len())
	if st.PostQueue.Len() == 0 || s.Social == nil {
		return StageResult{Next: state.StageInteract}, nil
	}

	out := s.Gate.TryAcquire("post", s.now())
	if out.Decision != rategate.Grant {
		s.Log.Debug("post gate closed",
			zap.Time("resetAt", out.ResetAt),
			zap.Int("queued", st.PostQueue.Len()))
		return StageResult{Next: state.StageInteract}, nil
	}
	return StageResult{Next: state.StagePost}, nil
}

// post publishes the head of the queue. Retryable failures requeue the
// post and loop back through QUEUE after the backoff delay; an exhausted
// budget drops the post with an error-log entry.
func (s *stageSet) post(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	item, err := st.PostQueue.Next()
	if err != nil {
		return StageResult{Next: state.StageInteract}, nil
	}
	op := rategate.OpKey{Stage: string(state.StagePost), Node: item.ID.String()}

	id, err := s.Social.Post(ctx, item.Content, item.ReplyToID)
	if err == nil {
		if s.Retry != nil {
			s.Retry.Reset(op)
		}
		st.Evolution.PostsPublished++
		st.CurrentContext["last_post_id"] = id
		s.Metrics.SetQueueDepth(st.PostQueue.Len())
		s.Log.Info("post published", zap.String("postId", id), zap.Int("queued", st.PostQueue.Len()))
		return StageResult{Next: state.StageInteract}, nil
	}

	kind := rategate.Classify(err)
	if s.Retry != nil && s.Retry.ShouldRetry(err, op) {
		delay, nerr := s.Retry.Next(err, op)
		if nerr == nil {
			st.PostQueue.Requeue(item)
			s.Metrics.IncRetries(string(state.StagePost), string(kind))
			s.Log.Warn("publish failed, retrying",
				zap.String("kind", string(kind)),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return StageResult{}, ctx.Err()
			case <-time.After(delay):
			}
			return StageResult{Next: state.StageQueue}, nil
		}
		err = nerr
	}

	st.RecordError(state.StagePost, fmt.Errorf("post dropped: %w", err), kind == rategate.KindFatal)
	s.Log.Error("post dropped", zap.String("kind", string(kind)), zap.Error(err))
	return StageResult{Next: state.StageInteract}, nil
}

// interact pulls the mentions feed into the interaction queue, drafts
// replies for the highest-priority items, and recovers anything stuck in
// processing from an earlier crash.
func (s *stageSet) interact(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	if s.Social == nil || s.cfg.SelfUserID == "" {
		return StageResult{Next: state.StageEvolve}, nil
	}

	sinceID := longTermString(st, "mentions_since_id")
	mentions, rate, err := s.Social.Mentions(ctx, s.cfg.SelfUserID, sinceID)
	if err != nil {
		st.RecordError(state.StageInteract, fmt.Errorf("mentions: %w", err), false)
		s.Log.Warn("mentions fetch failed", zap.Error(err))
	} else {
		if rate.Limit > 0 {
			s.Gate.UpdateWindow("mentions", rate.Limit, rate.Remaining, rate.ResetAt)
		}
		for _, m := range mentions {
			engagement := m.Likes + m.Replies + m.Reposts + m.Quotes
			st.Interactions.Add(queue.Interaction{
				Kind:     "mention",
				Content:  m.Text,
				Author:   m.AuthorHandle,
				Priority: engagement,
				Context:  map[string]any{"postId": m.ID},
			})
			if m.ID > sinceID {
				sinceID = m.ID
			}
		}
		if sinceID != "" {
			setLongTermString(st, "mentions_since_id", sinceID)
		}
	}

	for drafted := 0; drafted < s.cfg.MaxMentions; drafted++ {
		item, err := st.Interactions.GetNext()
		if err != nil {
			break
		}
		replyTo, _ := item.Context["postId"].(string)
		reply := queue.QueuedPost{
			Content:   TruncatePost(s.draftReply(ctx, item), s.cfg.PostLimit),
			Priority:  3,
			ReplyToID: replyTo,
			Context:   map[string]any{"responseType": "reply", "author": item.Author},
		}
		if err := st.PostQueue.Add(reply); err != nil {
			st.Interactions.Fail(item.ID)
			if errors.Is(err, queue.ErrBackpressure) {
				st.RecordError(state.StageInteract, fmt.Errorf("reply dropped due to backpressure: %w", err), false)
				s.Metrics.IncBackpressure()
				break
			}
			return StageResult{}, err
		}
		st.Interactions.Complete(item.ID)
	}

	if recovered := st.Interactions.Recover(s.cfg.StuckAfter); recovered > 0 {
		s.Log.Info("recovered stuck interactions", zap.Int("count", recovered))
	}
	return StageResult{Next: state.StageEvolve}, nil
}

func (s *stageSet) draftReply(ctx context.Context, item queue.Interaction) string {
	tone := "Appreciate the mention"
	if collect.Sentiment(item.Content) < 0 {
		tone = "Fair concern"
	}
	fallback := fmt.Sprintf("@%s %s — tracking this one, more in the next cycle.", item.Author, tone)
	if s.LLM == nil {
		return fallback
	}
	text, err := s.LLM.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You write one short, civil reply to a social mention. Match the sender's tone without escalating."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Mention from @%s: %s", item.Author, item.Content)},
	})
	if err != nil || strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}

func longTermString(st *state.UnifiedState, key string) string {
	raw, ok := st.LongTerm[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

func setLongTermString(st *state.UnifiedState, key, value string) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if st.LongTerm == nil {
		st.LongTerm = make(map[string]json.RawMessage)
	}
	st.LongTerm[key] = raw
}

// evolve closes the cycle: evolution metrics, checkpoint retention,
// cache hygiene, and the per-cycle buffer reset. Always checkpointed.
func (s *stageSet) evolve(ctx context.Context, st *state.UnifiedState) (StageResult, error) {
	st.Evolution.CyclesCompleted++
	if st.Assessment != nil {
		st.Evolution.SignificanceEWMA = kgraph.SmoothConfidence(st.Evolution.SignificanceEWMA, st.Assessment.Significance)
	}
	if st.Evolution.PatternTally == nil {
		st.Evolution.PatternTally = make(map[string]int)
	}
	for _, p := range st.Patterns {
		st.Evolution.PatternTally[p.PatternType]++
	}

	if s.Checkpointer != nil && s.cfg.CheckpointTTL > 0 {
		if pruned, err := s.Checkpointer.PruneOlderThan(ctx, s.cfg.CheckpointTTL); err != nil {
			s.Log.Warn("checkpoint pruning failed", zap.Error(err))
		} else if pruned > 0 {
			s.Log.Info("pruned old checkpoints", zap.Int("count", pruned))
		}
	}
	if s.Analyzer != nil {
		s.Analyzer.ClearExpired()
	}

	s.Metrics.IncCycles()
	s.Metrics.SetQueueDepth(st.PostQueue.Len())
	s.Log.Info("cycle complete",
		zap.Int("cycles", st.Evolution.CyclesCompleted),
		zap.Int("postsPublished", st.Evolution.PostsPublished),
		zap.Float64("significanceEwma", st.Evolution.SignificanceEWMA))

	st.ResetCycle()
	return StageResult{Next: state.StageMonitor, Checkpoint: true}, nil
}
