package kgraph

import (
	"time"

	"github.com/google/uuid"
)

// Well-known entity types. The type field is an open tag; these are the
// values the collectors and detectors agree on.
const (
	TypeTopic          = "topic"
	TypeClaim          = "claim"
	TypeNarrative      = "narrative"
	TypeMediaOutlet    = "media_outlet"
	TypeIndividual     = "individual"
	TypeAccount        = "account"
	TypeOrganization   = "organization"
	TypeMarketEvent    = "market_event"
	TypeSocialEvent    = "social_event"
	TypeNewsEvent      = "news_event"
	TypeNarrativeEvent = "narrative_event"
)

// RelTopicTransition is the relationship type walked by the cycle and
// coordinated-shift detectors.
const RelTopicTransition = "topic_transition"

// Ordering describes the temporal relation between a relationship's
// endpoints.
type Ordering string

const (
	OrderBefore  Ordering = "before"
	OrderAfter   Ordering = "after"
	OrderDuring  Ordering = "during"
	OrderUnknown Ordering = "unknown"
)

// Property is a single timestamped, attributed value on an entity or
// relationship.
type Property struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
}

// TemporalSpan carries the time-awareness of an entity: its validity
// interval and the preserved history of property overwrites.
//
// An entity is time-aware iff its Temporal field is non-nil; plain entities
// never enter temporal queries.
type TemporalSpan struct {
	ValidFrom        time.Time  `json:"validFrom"`
	ValidTo          *time.Time `json:"validTo,omitempty"`
	PreviousVersions []Property `json:"previousVersions"`
}

// Entity is a node in the knowledge graph.
type Entity struct {
	ID         uuid.UUID           `json:"id"`
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Temporal   *TemporalSpan       `json:"temporal,omitempty"`
}

// TimeAware reports whether the entity carries a temporal span.
func (e *Entity) TimeAware() bool { return e.Temporal != nil }

// Property returns the current value of a property and whether it exists.
func (e *Entity) Property(key string) (Property, bool) {
	p, ok := e.Properties[key]
	return p, ok
}

// clone returns a deep copy safe to hand outside the graph lock.
func (e *Entity) clone() Entity {
	out := *e
	out.Properties = make(map[string]Property, len(e.Properties))
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.Temporal != nil {
		span := *e.Temporal
		if e.Temporal.ValidTo != nil {
			to := *e.Temporal.ValidTo
			span.ValidTo = &to
		}
		span.PreviousVersions = append([]Property(nil), e.Temporal.PreviousVersions...)
		out.Temporal = &span
	}
	return out
}

// Relationship is a directed, typed edge between two entities.
//
// CausalStrength, when set, rates how strongly the source drives the
// target; the causal-chain traversal only follows edges at or above its
// confidence floor. Edges are id→id: a Relationship never owns its
// endpoints.
type Relationship struct {
	ID               uuid.UUID           `json:"id"`
	Type             string              `json:"type"`
	SourceID         uuid.UUID           `json:"sourceId"`
	TargetID         uuid.UUID           `json:"targetId"`
	Properties       map[string]Property `json:"properties,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	Confidence       float64             `json:"confidence"`
	CausalStrength   *float64            `json:"causalStrength,omitempty"`
	TemporalOrdering Ordering            `json:"temporalOrdering"`
}

// Property returns the current value of a relationship property.
func (r *Relationship) Property(key string) (Property, bool) {
	p, ok := r.Properties[key]
	return p, ok
}

func (r *Relationship) clone() Relationship {
	out := *r
	if r.Properties != nil {
		out.Properties = make(map[string]Property, len(r.Properties))
		for k, v := range r.Properties {
			out.Properties[k] = v
		}
	}
	if r.CausalStrength != nil {
		cs := *r.CausalStrength
		out.CausalStrength = &cs
	}
	return out
}

// Clamp bounds a confidence value to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SmoothConfidence folds a new observation into an existing confidence
// using exponential smoothing with α=0.2:
//
//	new = 0.8·old + 0.2·observation
//
// Every confidence update in the agent goes through this one function.
func SmoothConfidence(old, observation float64) float64 {
	return Clamp(0.8*Clamp(old) + 0.2*Clamp(observation))
}
