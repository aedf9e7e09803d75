// Package kgraph implements the time-aware knowledge graph.
//
// The graph stores typed entities and directed relationships. Entities may
// carry a temporal span (validity interval plus a preserved history of
// property overwrites); temporal queries consider only those. A single
// writer/multi-reader lock protects the indices: collectors take the write
// side, detectors read from an immutable Snapshot.
//
// Timestamp discipline: the graph refuses zero-value timestamps and
// normalizes everything it stores to UTC. External string timestamps must
// be parsed with ParseTimestamp before they reach this API.
package kgraph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDanglingEdge is returned when a relationship references a missing
	// endpoint. The graph is left unchanged.
	ErrDanglingEdge = errors.New("relationship endpoint does not exist")

	// ErrInvalidTemporalRange is returned when validFrom > validTo.
	ErrInvalidTemporalRange = errors.New("validFrom is after validTo")

	// ErrUnknownEntity is returned when an entity id cannot be resolved.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUnknownRelationship is returned when a relationship id cannot be
	// resolved.
	ErrUnknownRelationship = errors.New("unknown relationship")

	// ErrInvalidTimestamp is returned for zero-value timestamps. Go times
	// always carry a location, so "naive" inputs can only arrive as strings;
	// parse them with ParseTimestamp at the boundary.
	ErrInvalidTimestamp = errors.New("timestamp is zero or missing")
)

// ParseTimestamp parses an external RFC 3339 timestamp and normalizes it to
// UTC. Strings without an explicit offset fail, which is the rejection path
// for naive inputs.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Graph is the in-memory knowledge graph.
type Graph struct {
	mu            sync.RWMutex
	entities      map[uuid.UUID]*Entity
	relationships map[uuid.UUID]*Relationship
	byType        map[string]map[uuid.UUID]struct{} // entity type → ids
	outgoing      map[uuid.UUID][]uuid.UUID         // source entity → relationship ids
	incoming      map[uuid.UUID][]uuid.UUID         // target entity → relationship ids
	now           func() time.Time
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		entities:      make(map[uuid.UUID]*Entity),
		relationships: make(map[uuid.UUID]*Relationship),
		byType:        make(map[string]map[uuid.UUID]struct{}),
		outgoing:      make(map[uuid.UUID][]uuid.UUID),
		incoming:      make(map[uuid.UUID][]uuid.UUID),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// normalizeProps stamps and clamps incoming properties. Zero timestamps
// are filled with now (the explicit boundary normalization); non-UTC
// instants are converted.
func normalizeProps(props map[string]Property, now time.Time) map[string]Property {
	out := make(map[string]Property, len(props))
	for key, p := range props {
		p.Key = key
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		} else {
			p.Timestamp = p.Timestamp.UTC()
		}
		p.Confidence = Clamp(p.Confidence)
		out[key] = p
	}
	return out
}

// AddEntity inserts a plain (non-time-aware) entity and returns a copy.
func (g *Graph) AddEntity(entityType string, props map[string]Property) (Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := &Entity{
		ID:         uuid.New(),
		Type:       entityType,
		Properties: normalizeProps(props, now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	g.indexEntity(e)
	return e.clone(), nil
}

// AddTimeAwareEntity inserts an entity with a validity interval.
//
// validFrom must be non-zero; a nil validTo means "still valid". Returns
// ErrInvalidTimestamp or ErrInvalidTemporalRange on bad intervals.
func (g *Graph) AddTimeAwareEntity(entityType string, props map[string]Property, validFrom time.Time, validTo *time.Time) (Entity, error) {
	if validFrom.IsZero() {
		return Entity{}, fmt.Errorf("validFrom: %w", ErrInvalidTimestamp)
	}
	validFrom = validFrom.UTC()

	var to *time.Time
	if validTo != nil {
		if validTo.IsZero() {
			return Entity{}, fmt.Errorf("validTo: %w", ErrInvalidTimestamp)
		}
		utc := validTo.UTC()
		if validFrom.After(utc) {
			return Entity{}, fmt.Errorf("%w: validFrom=%s validTo=%s",
				ErrInvalidTemporalRange, validFrom.Format(time.RFC3339), utc.Format(time.RFC3339))
		}
		to = &utc
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := &Entity{
		ID:         uuid.New(),
		Type:       entityType,
		Properties: normalizeProps(props, now),
		CreatedAt:  now,
		UpdatedAt:  now,
		Temporal: &TemporalSpan{
			ValidFrom:        validFrom,
			ValidTo:          to,
			PreviousVersions: make([]Property, 0),
		},
	}
	g.indexEntity(e)
	return e.clone(), nil
}

func (g *Graph) indexEntity(e *Entity) {
	g.entities[e.ID] = e
	bucket, ok := g.byType[e.Type]
	if !ok {
		bucket = make(map[uuid.UUID]struct{})
		g.byType[e.Type] = bucket
	}
	bucket[e.ID] = struct{}{}
}

// RelationshipSpec carries the optional parts of AddRelationship.
type RelationshipSpec struct {
	Properties       map[string]Property
	Confidence       float64
	CausalStrength   *float64
	TemporalOrdering Ordering
}

// AddRelationship inserts a directed edge between two existing entities.
//
// Fails with ErrDanglingEdge if either endpoint is missing; the graph is
// left unchanged in that case.
func (g *Graph) AddRelationship(relType string, sourceID, targetID uuid.UUID, spec RelationshipSpec) (Relationship, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[sourceID]; !ok {
		return Relationship{}, fmt.Errorf("source %s: %w", sourceID, ErrDanglingEdge)
	}
	if _, ok := g.entities[targetID]; !ok {
		return Relationship{}, fmt.Errorf("target %s: %w", targetID, ErrDanglingEdge)
	}

	ordering := spec.TemporalOrdering
	if ordering == "" {
		ordering = OrderUnknown
	}

	now := g.now()
	r := &Relationship{
		ID:               uuid.New(),
		Type:             relType,
		SourceID:         sourceID,
		TargetID:         targetID,
		Properties:       normalizeProps(spec.Properties, now),
		CreatedAt:        now,
		Confidence:       Clamp(spec.Confidence),
		TemporalOrdering: ordering,
	}
	if spec.CausalStrength != nil {
		cs := Clamp(*spec.CausalStrength)
		r.CausalStrength = &cs
	}

	g.relationships[r.ID] = r
	g.outgoing[sourceID] = append(g.outgoing[sourceID], r.ID)
	g.incoming[targetID] = append(g.incoming[targetID], r.ID)
	return r.clone(), nil
}

// GetEntity returns a copy of the entity with the given id.
func (g *Graph) GetEntity(id uuid.UUID) (Entity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("%s: %w", id, ErrUnknownEntity)
	}
	return e.clone(), nil
}

// GetRelationship returns a copy of the relationship with the given id.
func (g *Graph) GetRelationship(id uuid.UUID) (Relationship, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.relationships[id]
	if !ok {
		return Relationship{}, fmt.Errorf("%s: %w", id, ErrUnknownRelationship)
	}
	return r.clone(), nil
}

// GetEntitiesByType returns copies of all entities with the given type,
// ordered by creation time then id for deterministic iteration.
func (g *Graph) GetEntitiesByType(entityType string) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entitiesByTypeLocked(entityType)
}

func (g *Graph) entitiesByTypeLocked(entityType string) []Entity {
	out := make([]Entity, 0, len(g.byType[entityType]))
	for id := range g.byType[entityType] {
		out = append(out, g.entities[id].clone())
	}
	sortEntities(out)
	return out
}

// GetRelationshipsByType returns copies of relationships with the given
// type. A non-nil sourceID restricts results to edges leaving that entity.
func (g *Graph) GetRelationshipsByType(relType string, sourceID *uuid.UUID) []Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Relationship, 0)
	if sourceID != nil {
		for _, rid := range g.outgoing[*sourceID] {
			r := g.relationships[rid]
			if r.Type == relType {
				out = append(out, r.clone())
			}
		}
	} else {
		for _, r := range g.relationships {
			if r.Type == relType {
				out = append(out, r.clone())
			}
		}
	}
	sortRelationships(out)
	return out
}

// UpdateProperty overwrites one property on an entity.
//
// On time-aware entities the prior Property is appended to the overwrite
// history before the new value replaces it. The new property is stamped
// with the current time, keeping history+current strictly monotone.
func (g *Graph) UpdateProperty(entityID uuid.UUID, key string, value any, confidence float64, source string) (Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entities[entityID]
	if !ok {
		return Entity{}, fmt.Errorf("%s: %w", entityID, ErrUnknownEntity)
	}

	if prev, exists := e.Properties[key]; exists && e.Temporal != nil {
		e.Temporal.PreviousVersions = append(e.Temporal.PreviousVersions, prev)
	}

	now := g.now()
	e.Properties[key] = Property{
		Key:        key,
		Value:      value,
		Timestamp:  now,
		Confidence: Clamp(confidence),
		Source:     source,
	}
	e.UpdatedAt = now
	return e.clone(), nil
}

// ReinforceConfidence folds an observation into an existing property's
// confidence with the agent-wide smoothing rule, without recording a
// version (the value did not change).
func (g *Graph) ReinforceConfidence(entityID uuid.UUID, key string, observation float64) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entities[entityID]
	if !ok {
		return 0, fmt.Errorf("%s: %w", entityID, ErrUnknownEntity)
	}
	p, ok := e.Properties[key]
	if !ok {
		return 0, fmt.Errorf("property %q on %s: %w", key, entityID, ErrUnknownEntity)
	}

	p.Confidence = SmoothConfidence(p.Confidence, observation)
	e.Properties[key] = p
	e.UpdatedAt = g.now()
	return p.Confidence, nil
}

// NumEntities reports the entity count, for logging.
func (g *Graph) NumEntities() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// NumRelationships reports the relationship count, for logging.
func (g *Graph) NumRelationships() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relationships)
}
