package kgraph

import (
	"sort"

	"github.com/google/uuid"
)

// Snapshot is a deep-copied, immutable view of the graph taken under one
// read lock. Detectors run against snapshots so a long scan never blocks
// collectors, and so one detection pass sees a single consistent graph.
type Snapshot struct {
	entities      map[uuid.UUID]Entity
	relationships []Relationship
	byType        map[string][]uuid.UUID // sorted by CreatedAt then id
	outgoing      map[uuid.UUID][]int    // indices into relationships
	incoming      map[uuid.UUID][]int
}

// Snapshot copies the current graph contents into an immutable view.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		entities:      make(map[uuid.UUID]Entity, len(g.entities)),
		relationships: make([]Relationship, 0, len(g.relationships)),
		byType:        make(map[string][]uuid.UUID, len(g.byType)),
		outgoing:      make(map[uuid.UUID][]int),
		incoming:      make(map[uuid.UUID][]int),
	}

	for id, e := range g.entities {
		s.entities[id] = e.clone()
		s.byType[e.Type] = append(s.byType[e.Type], id)
	}
	for t, ids := range s.byType {
		sort.Slice(ids, func(i, j int) bool {
			a, b := s.entities[ids[i]], s.entities[ids[j]]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		})
		s.byType[t] = ids
	}

	rels := make([]Relationship, 0, len(g.relationships))
	for _, r := range g.relationships {
		rels = append(rels, r.clone())
	}
	sortRelationships(rels)
	s.relationships = rels
	for i, r := range rels {
		s.outgoing[r.SourceID] = append(s.outgoing[r.SourceID], i)
		s.incoming[r.TargetID] = append(s.incoming[r.TargetID], i)
	}
	return s
}

// Entity looks up an entity by id.
func (s *Snapshot) Entity(id uuid.UUID) (Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// EntitiesByType returns all entities of a type, ordered by creation time.
func (s *Snapshot) EntitiesByType(entityType string) []Entity {
	ids := s.byType[entityType]
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entities[id])
	}
	return out
}

// Relationships returns every relationship in the snapshot.
func (s *Snapshot) Relationships() []Relationship {
	return s.relationships
}

// RelationshipsByType returns relationships of one type in creation order.
func (s *Snapshot) RelationshipsByType(relType string) []Relationship {
	out := make([]Relationship, 0)
	for _, r := range s.relationships {
		if r.Type == relType {
			out = append(out, r)
		}
	}
	return out
}

// Outgoing returns the relationships leaving an entity, optionally filtered
// by type. Pass "" for all types.
func (s *Snapshot) Outgoing(id uuid.UUID, relType string) []Relationship {
	out := make([]Relationship, 0, len(s.outgoing[id]))
	for _, i := range s.outgoing[id] {
		r := s.relationships[i]
		if relType == "" || r.Type == relType {
			out = append(out, r)
		}
	}
	return out
}

// Incoming returns the relationships arriving at an entity, optionally
// filtered by type.
func (s *Snapshot) Incoming(id uuid.UUID, relType string) []Relationship {
	out := make([]Relationship, 0, len(s.incoming[id]))
	for _, i := range s.incoming[id] {
		r := s.relationships[i]
		if relType == "" || r.Type == relType {
			out = append(out, r)
		}
	}
	return out
}

// NumEntities reports the entity count.
func (s *Snapshot) NumEntities() int { return len(s.entities) }

// NumRelationships reports the relationship count.
func (s *Snapshot) NumRelationships() int { return len(s.relationships) }
