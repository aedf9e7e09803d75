package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/narrativelabs/driftwatch/store"
)

// Embedder turns text into a vector. Implementations live outside this
// package (llm provides one); tests plug in deterministic fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Cosine computes cosine similarity between two vectors. Zero or
// mismatched vectors score 0 rather than propagating NaN.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SearchHit is one semantic search result.
type SearchHit struct {
	Entry Entry
	Score float64
}

// Correlation pairs a present-tagged entry with a semantically close
// future-tagged entry. Confidence is the cosine similarity.
type Correlation struct {
	PresentEvent Entry   `json:"presentEvent"`
	FutureEvent  Entry   `json:"futureEvent"`
	Confidence   float64 `json:"confidence"`
}

// PatternTimelineCorrelation is the pattern kind FindPatterns understands.
const PatternTimelineCorrelation = "timeline_correlation"

// DefaultCorrelationThreshold is the cosine floor for timeline correlation.
const DefaultCorrelationThreshold = 0.3

// vectorEnvelope is the persisted shape: the caller's value plus its
// embedding, so search survives a restart on durable backends.
type vectorEnvelope struct {
	Value     json.RawMessage `json:"value"`
	Embedding []float64       `json:"embedding"`
}

// VectorMemoryStore embeds every value it stores and supports semantic
// search over them. Embeddings ride inside the persisted record.
type VectorMemoryStore struct {
	st        store.Store
	embedder  Embedder
	threshold float64
}

// VectorOption tunes a VectorMemoryStore.
type VectorOption func(*VectorMemoryStore)

// WithCorrelationThreshold overrides the timeline-correlation floor.
func WithCorrelationThreshold(threshold float64) VectorOption {
	return func(v *VectorMemoryStore) { v.threshold = threshold }
}

// NewVectorMemoryStore wraps a backing store and an embedder.
func NewVectorMemoryStore(st store.Store, embedder Embedder, opts ...VectorOption) *VectorMemoryStore {
	v := &VectorMemoryStore{st: st, embedder: embedder, threshold: DefaultCorrelationThreshold}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// embedText is what the embedder sees for a value: strings embed as
// themselves, everything else as its JSON form.
func embedText(value any, raw json.RawMessage) string {
	if s, ok := value.(string); ok {
		return s
	}
	return string(raw)
}

// Set implements TimelineStore, embedding the value on the way in.
func (v *VectorMemoryStore) Set(ctx context.Context, key string, value any, timeline string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode memory value for %q: %w", key, err)
	}
	vec, err := v.embedder.Embed(ctx, embedText(value, raw))
	if err != nil {
		return fmt.Errorf("failed to embed memory value for %q: %w", key, err)
	}
	env, err := json.Marshal(vectorEnvelope{Value: raw, Embedding: vec})
	if err != nil {
		return fmt.Errorf("failed to encode memory envelope for %q: %w", key, err)
	}
	return v.st.Set(ctx, key, store.Record{Value: env, Timeline: timeline})
}

// Get implements TimelineStore, unwrapping the stored envelope.
func (v *VectorMemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	rec, err := v.st.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	var env vectorEnvelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return Entry{}, fmt.Errorf("failed to decode memory envelope for %q: %w", key, err)
	}
	return Entry{Key: key, Value: env.Value, Timeline: rec.Timeline, InsertedAt: rec.InsertedAt}, nil
}

// Delete implements TimelineStore.
func (v *VectorMemoryStore) Delete(ctx context.Context, key string) error {
	return v.st.Delete(ctx, key)
}

// TimelineEntries implements TimelineStore.
func (v *VectorMemoryStore) TimelineEntries(ctx context.Context, timeline string, start, end *time.Time) ([]Entry, error) {
	rows, err := v.rows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0)
	for _, r := range rows {
		if r.entry.Timeline != timeline || !insideWindow(r.entry.InsertedAt, start, end) {
			continue
		}
		out = append(out, r.entry)
	}
	sortEntries(out)
	return out, nil
}

// SemanticSearch returns up to nResults entries ordered by descending
// cosine similarity to the query.
func (v *VectorMemoryStore) SemanticSearch(ctx context.Context, query string, nResults int) ([]SearchHit, error) {
	if nResults <= 0 {
		return nil, nil
	}
	queryVec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	rows, err := v.rows(ctx)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, SearchHit{Entry: r.entry, Score: Cosine(queryVec, r.embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.Key < hits[j].Entry.Key
	})
	if len(hits) > nResults {
		hits = hits[:nResults]
	}
	return hits, nil
}

// FindPatterns runs a named pattern query over the vector memory. The only
// supported kind is PatternTimelineCorrelation: present-tagged entries
// paired with future-tagged entries whose cosine similarity clears the
// threshold, ordered by confidence descending.
func (v *VectorMemoryStore) FindPatterns(ctx context.Context, kind string) ([]Correlation, error) {
	if kind != PatternTimelineCorrelation {
		return nil, fmt.Errorf("unsupported pattern kind %q", kind)
	}
	rows, err := v.rows(ctx)
	if err != nil {
		return nil, err
	}

	var present, future []vectorRow
	for _, r := range rows {
		switch r.entry.Timeline {
		case TimelinePresent:
			present = append(present, r)
		case TimelineFuture:
			future = append(future, r)
		}
	}

	out := make([]Correlation, 0)
	for _, p := range present {
		for _, f := range future {
			score := Cosine(p.embedding, f.embedding)
			if score <= v.threshold {
				continue
			}
			out = append(out, Correlation{PresentEvent: p.entry, FutureEvent: f.entry, Confidence: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].PresentEvent.Key != out[j].PresentEvent.Key {
			return out[i].PresentEvent.Key < out[j].PresentEvent.Key
		}
		return out[i].FutureEvent.Key < out[j].FutureEvent.Key
	})
	return out, nil
}

type vectorRow struct {
	entry     Entry
	embedding []float64
}

func (v *VectorMemoryStore) rows(ctx context.Context) ([]vectorRow, error) {
	recs, err := v.st.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	out := make([]vectorRow, 0, len(recs))
	for _, kr := range recs {
		var env vectorEnvelope
		if err := json.Unmarshal(kr.Value, &env); err != nil {
			return nil, fmt.Errorf("failed to decode memory envelope for %q: %w", kr.Key, err)
		}
		out = append(out, vectorRow{
			entry: Entry{
				Key:        kr.Key,
				Value:      env.Value,
				Timeline:   kr.Timeline,
				InsertedAt: kr.InsertedAt,
			},
			embedding: env.Embedding,
		})
	}
	return out, nil
}
