// Package state holds the UnifiedState document the workflow engine owns.
//
// One UnifiedState exists per agent session. The currently-running stage is
// the only mutator; collectors append to the event buffers through the
// state mutex and never touch anything else. The whole document serializes
// to a single JSON object for checkpointing, and unknown top-level fields
// from a restored checkpoint survive the next persist verbatim.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelabs/driftwatch/causal"
	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/memory"
	"github.com/narrativelabs/driftwatch/queue"
)

// Stage labels the workflow's states. Exactly one stage is active at a
// time; transitions are explicit values returned by stage functions.
type Stage string

const (
	StageMonitor       Stage = "MONITOR"
	StageRAGContext    Stage = "RAG_CONTEXT"
	StagePatternDetect Stage = "PATTERN_DETECT"
	StageAssess        Stage = "ASSESS"
	StageCausalMatch   Stage = "CAUSAL_MATCH"
	StageNarrate       Stage = "NARRATE"
	StageQueue         Stage = "QUEUE"
	StagePost          Stage = "POST"
	StageInteract      Stage = "INTERACT"
	StageEvolve        Stage = "EVOLVE"
	StageError         Stage = "ERROR"
	StageEnd           Stage = "END"
)

// ResponseType picks the outbound artifact shape for a cycle.
type ResponseType string

const (
	ResponseThreadAnalysis   ResponseType = "THREAD_ANALYSIS"
	ResponseHistoricalBridge ResponseType = "HISTORICAL_BRIDGE"
	ResponseQuickTake        ResponseType = "QUICK_TAKE"
)

// ErrorRecord is one append-only entry in the state's error log.
type ErrorRecord struct {
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Critical  bool      `json:"critical"`
}

// Assessment is the ASSESS stage's output for the current cycle.
type Assessment struct {
	Significance float64      `json:"significance"`
	ResponseType ResponseType `json:"responseType,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	AssessedAt   time.Time    `json:"assessedAt"`
}

// EvolutionMetrics tracks the agent's long-run behavior across cycles.
type EvolutionMetrics struct {
	CyclesCompleted  int            `json:"cyclesCompleted"`
	PostsPublished   int            `json:"postsPublished"`
	SignificanceEWMA float64        `json:"significanceEwma"`
	PatternTally     map[string]int `json:"patternTally,omitempty"`
}

// UnifiedState is the single root aggregate every stage reads and writes.
type UnifiedState struct {
	mu    *sync.Mutex
	Graph *kgraph.Graph `json:"-"`

	SessionID        string    `json:"sessionId"`
	Timestamp        time.Time `json:"timestamp"`
	CurrentStage     Stage     `json:"currentStage"`
	NextStage        Stage     `json:"nextStage,omitempty"`
	CheckpointNeeded bool      `json:"checkpointNeeded"`

	MarketEvents []MarketEvent `json:"marketEvents,omitempty"`
	SocialEvents []SocialEvent `json:"socialEvents,omitempty"`
	NewsEvents   []NewsEvent   `json:"newsEvents,omitempty"`

	Patterns     []detect.Pattern     `json:"patterns,omitempty"`
	Correlations []memory.Correlation `json:"correlations,omitempty"`
	Assessment   *Assessment          `json:"assessment,omitempty"`
	Analyses     []causal.Analysis    `json:"causalAnalyses,omitempty"`

	PostQueue    *queue.PostQueue        `json:"postQueue"`
	Interactions *queue.InteractionQueue `json:"interactionQueue"`

	Evolution      EvolutionMetrics           `json:"evolution"`
	ShortTerm      map[string]json.RawMessage `json:"shortTermMemory,omitempty"`
	LongTerm       map[string]json.RawMessage `json:"longTermMemory,omitempty"`
	CurrentContext map[string]any             `json:"currentContext,omitempty"`
	ErrorLog       []ErrorRecord              `json:"errorLog,omitempty"`

	// Extra preserves unknown top-level fields from a restored checkpoint
	// so persisting again does not drop them.
	Extra map[string]json.RawMessage `json:"-"`
}

// New creates a fresh session state positioned at MONITOR.
func New(graph *kgraph.Graph, postQueueCap int) *UnifiedState {
	return &UnifiedState{
		mu:             &sync.Mutex{},
		Graph:          graph,
		SessionID:      uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		CurrentStage:   StageMonitor,
		PostQueue:      queue.NewPostQueue(postQueueCap),
		Interactions:   queue.NewInteractionQueue(),
		Evolution:      EvolutionMetrics{PatternTally: make(map[string]int)},
		ShortTerm:      make(map[string]json.RawMessage),
		LongTerm:       make(map[string]json.RawMessage),
		CurrentContext: make(map[string]any),
	}
}

func (s *UnifiedState) lock() {
	if s.mu == nil {
		s.mu = &sync.Mutex{}
	}
	s.mu.Lock()
}

// AppendMarketEvent adds a collector observation to the market buffer.
func (s *UnifiedState) AppendMarketEvent(ev MarketEvent) {
	s.lock()
	defer s.mu.Unlock()
	s.MarketEvents = append(s.MarketEvents, ev)
}

// AppendSocialEvent adds a collector observation to the social buffer.
func (s *UnifiedState) AppendSocialEvent(ev SocialEvent) {
	s.lock()
	defer s.mu.Unlock()
	s.SocialEvents = append(s.SocialEvents, ev)
}

// AppendNewsEvent adds a collector observation to the news buffer.
func (s *UnifiedState) AppendNewsEvent(ev NewsEvent) {
	s.lock()
	defer s.mu.Unlock()
	s.NewsEvents = append(s.NewsEvents, ev)
}

// AppendPatterns adds detected patterns to the cycle buffer.
func (s *UnifiedState) AppendPatterns(ps ...detect.Pattern) {
	s.lock()
	defer s.mu.Unlock()
	s.Patterns = append(s.Patterns, ps...)
}

// EventCounts returns the buffered event counts under the state mutex.
func (s *UnifiedState) EventCounts() (market, social, news int) {
	s.lock()
	defer s.mu.Unlock()
	return len(s.MarketEvents), len(s.SocialEvents), len(s.NewsEvents)
}

// RecordError appends to the error log. The log is append-only; nothing
// in the core ever truncates it.
func (s *UnifiedState) RecordError(stage Stage, err error, critical bool) {
	s.lock()
	defer s.mu.Unlock()
	s.ErrorLog = append(s.ErrorLog, ErrorRecord{
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
		Critical:  critical,
	})
}

// CriticalErrors counts error log entries flagged critical.
func (s *UnifiedState) CriticalErrors() int {
	s.lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.ErrorLog {
		if rec.Critical {
			n++
		}
	}
	return n
}

// ResetCycle clears the per-cycle buffers at the end of an EVOLVE stage.
// The error log, queues, memory maps, and evolution metrics carry over.
func (s *UnifiedState) ResetCycle() {
	s.lock()
	defer s.mu.Unlock()
	s.MarketEvents = nil
	s.SocialEvents = nil
	s.NewsEvents = nil
	s.Patterns = nil
	s.Correlations = nil
	s.Assessment = nil
	s.Analyses = nil
	s.CurrentContext = make(map[string]any)
}

// Clone deep-copies the state document through its JSON form. The graph
// handle and mutex are carried over, not copied: the graph serializes its
// own writes and clones exist so a stage can stage its edits.
func (s *UnifiedState) Clone() (*UnifiedState, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out := &UnifiedState{}
	if err := json.Unmarshal(doc, out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out.mu = &sync.Mutex{}
	out.Graph = s.Graph
	return out, nil
}

// knownStateKeys are the top-level JSON keys this version understands.
// Anything else in a restored document lands in Extra.
var knownStateKeys = []string{
	"sessionId", "timestamp", "currentStage", "nextStage", "checkpointNeeded",
	"marketEvents", "socialEvents", "newsEvents",
	"patterns", "correlations", "assessment", "causalAnalyses",
	"postQueue", "interactionQueue",
	"evolution", "shortTermMemory", "longTermMemory", "currentContext",
	"errorLog",
}

// stateAlias avoids marshal recursion while keeping the field tags.
type stateAlias UnifiedState

// MarshalJSON emits the state document, folding preserved unknown fields
// back in. Known fields always win over stale Extra entries.
func (s *UnifiedState) MarshalJSON() ([]byte, error) {
	if s.mu != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	base, err := json.Marshal((*stateAlias)(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return base, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, known := doc[k]; !known {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the state document, stashing unknown top-level
// fields in Extra for round-trip preservation.
func (s *UnifiedState) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*stateAlias)(s)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownStateKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		s.Extra = raw
	}

	s.mu = &sync.Mutex{}
	if s.PostQueue == nil {
		s.PostQueue = queue.NewPostQueue(0)
	}
	if s.Interactions == nil {
		s.Interactions = queue.NewInteractionQueue()
	}
	if s.Evolution.PatternTally == nil {
		s.Evolution.PatternTally = make(map[string]int)
	}
	if s.CurrentContext == nil {
		s.CurrentContext = make(map[string]any)
	}
	return nil
}
