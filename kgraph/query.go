package kgraph

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// EntityFilter selects entities in GetEntities and QueryEntities. Zero
// fields are ignored. The temporal fields match only time-aware entities;
// plain entities are excluded whenever either is set.
type EntityFilter struct {
	Type           string
	ValidFromAfter *time.Time            // Temporal.ValidFrom at or after
	ValidToBefore  *time.Time            // Temporal.ValidTo set and strictly before
	Properties     map[string]any        // exact value match per key
	PropertyAt     map[string]time.Time  // property timestamp at-or-before per key
}

func (f EntityFilter) temporal() bool {
	return f.ValidFromAfter != nil || f.ValidToBefore != nil
}

func (f EntityFilter) matches(e *Entity) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.temporal() {
		if e.Temporal == nil {
			return false
		}
		if f.ValidFromAfter != nil && e.Temporal.ValidFrom.Before(f.ValidFromAfter.UTC()) {
			return false
		}
		if f.ValidToBefore != nil {
			if e.Temporal.ValidTo == nil || !e.Temporal.ValidTo.Before(f.ValidToBefore.UTC()) {
				return false
			}
		}
	}
	for key, want := range f.Properties {
		p, ok := e.Properties[key]
		if !ok || !valueEqual(p.Value, want) {
			return false
		}
	}
	for key, at := range f.PropertyAt {
		p, ok := e.Properties[key]
		if !ok || p.Timestamp.After(at.UTC()) {
			return false
		}
	}
	return true
}

// valueEqual compares property values for filter purposes. Numeric values
// survive JSON round trips as float64, so ints are widened before compare.
func valueEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// GetEntities returns copies of every entity matching the filter, ordered
// by creation time then id.
func (g *Graph) GetEntities(filter EntityFilter) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Entity, 0)
	for _, e := range g.candidatesLocked(filter.Type) {
		if filter.matches(e) {
			out = append(out, e.clone())
		}
	}
	sortEntities(out)
	return out
}

// QueryEntities streams matching entities to yield in deterministic order,
// stopping early when yield returns false. Copies are handed out, so yield
// may retain them.
func (g *Graph) QueryEntities(filter EntityFilter, yield func(Entity) bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	candidates := g.candidatesLocked(filter.Type)
	sortEntityPtrs(candidates)
	for _, e := range candidates {
		if !filter.matches(e) {
			continue
		}
		if !yield(e.clone()) {
			return
		}
	}
}

func (g *Graph) candidatesLocked(entityType string) []*Entity {
	if entityType != "" {
		ids := g.byType[entityType]
		out := make([]*Entity, 0, len(ids))
		for id := range ids {
			out = append(out, g.entities[id])
		}
		return out
	}
	out := make([]*Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	return out
}

// Path is an ordered walk through the graph: len(Entities) == len(Relationships)+1.
type Path struct {
	Entities      []Entity
	Relationships []Relationship
}

// FindPaths returns every directed path from start to end of length at most
// maxDepth edges, deterministically ordered. Both endpoints must exist.
func (g *Graph) FindPaths(start, end uuid.UUID, maxDepth int) ([]Path, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[start]; !ok {
		return nil, ErrUnknownEntity
	}
	if _, ok := g.entities[end]; !ok {
		return nil, ErrUnknownEntity
	}

	var paths []Path
	visited := map[uuid.UUID]bool{start: true}
	g.walkLocked(start, end, maxDepth, visited, nil, &paths)
	return paths, nil
}

func (g *Graph) walkLocked(current, end uuid.UUID, budget int, visited map[uuid.UUID]bool, trail []uuid.UUID, out *[]Path) {
	if current == end && len(trail) > 0 {
		*out = append(*out, g.materializeLocked(trail))
		return
	}
	if budget == 0 {
		return
	}
	for _, rid := range g.sortedOutgoingLocked(current) {
		r := g.relationships[rid]
		if visited[r.TargetID] && r.TargetID != end {
			continue
		}
		visited[r.TargetID] = true
		g.walkLocked(r.TargetID, end, budget-1, visited, append(trail, rid), out)
		visited[r.TargetID] = false
	}
}

func (g *Graph) materializeLocked(trail []uuid.UUID) Path {
	p := Path{
		Entities:      make([]Entity, 0, len(trail)+1),
		Relationships: make([]Relationship, 0, len(trail)),
	}
	first := g.relationships[trail[0]]
	p.Entities = append(p.Entities, g.entities[first.SourceID].clone())
	for _, rid := range trail {
		r := g.relationships[rid]
		p.Relationships = append(p.Relationships, r.clone())
		p.Entities = append(p.Entities, g.entities[r.TargetID].clone())
	}
	return p
}

// sortedOutgoingLocked returns the outgoing relationship ids of an entity
// ordered by creation time then id, so traversals are reproducible.
func (g *Graph) sortedOutgoingLocked(id uuid.UUID) []uuid.UUID {
	ids := g.outgoing[id]
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool {
		a, b := g.relationships[out[i]], g.relationships[out[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

// CausalChain is a walk along causal edges, strongest-first.
type CausalChain struct {
	Entities      []Entity
	Relationships []Relationship
	Strength      float64 // product of edge strengths along the chain
}

// CausalChains walks outward from root following only relationships whose
// CausalStrength is set and at least minStrength, up to maxDepth edges.
// Each maximal walk is returned as one chain.
func (g *Graph) CausalChains(root uuid.UUID, maxDepth int, minStrength float64) ([]CausalChain, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[root]; !ok {
		return nil, ErrUnknownEntity
	}

	var chains []CausalChain
	visited := map[uuid.UUID]bool{root: true}
	g.walkCausalLocked(root, maxDepth, minStrength, visited, nil, 1.0, &chains)
	return chains, nil
}

func (g *Graph) walkCausalLocked(current uuid.UUID, budget int, minStrength float64, visited map[uuid.UUID]bool, trail []uuid.UUID, strength float64, out *[]CausalChain) {
	extended := false
	if budget > 0 {
		for _, rid := range g.sortedOutgoingLocked(current) {
			r := g.relationships[rid]
			if r.CausalStrength == nil || *r.CausalStrength < minStrength {
				continue
			}
			if visited[r.TargetID] {
				continue
			}
			extended = true
			visited[r.TargetID] = true
			g.walkCausalLocked(r.TargetID, budget-1, minStrength, visited, append(trail, rid), strength**r.CausalStrength, out)
			visited[r.TargetID] = false
		}
	}
	if !extended && len(trail) > 0 {
		p := g.materializeLocked(trail)
		*out = append(*out, CausalChain{
			Entities:      p.Entities,
			Relationships: p.Relationships,
			Strength:      strength,
		})
	}
}

func sortEntities(es []Entity) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].ID.String() < es[j].ID.String()
	})
}

func sortEntityPtrs(es []*Entity) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].ID.String() < es[j].ID.String()
	})
}

func sortRelationships(rs []Relationship) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID.String() < rs[j].ID.String()
	})
}
