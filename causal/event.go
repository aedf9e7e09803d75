// Package causal matches current observations against a library of
// historical causal chains and produces immutable analyses with warnings
// and prevention strategies.
package causal

import (
	"time"

	"github.com/google/uuid"
)

// Category buckets causal events by domain.
type Category string

const (
	CategoryCrypto        Category = "crypto"
	CategoryFinancial     Category = "financial"
	CategoryTech          Category = "tech"
	CategorySocial        Category = "social"
	CategoryPolitical     Category = "political"
	CategoryWar           Category = "war"
	CategoryEnvironmental Category = "environmental"
	CategoryCorporate     Category = "corporate"
)

// Scope grades how widely an event's effects reach.
type Scope string

const (
	ScopeLocal    Scope = "local"
	ScopeRegional Scope = "regional"
	ScopeNational Scope = "national"
	ScopeGlobal   Scope = "global"
	ScopeSystemic Scope = "systemic"
)

// Event is one node in a causal history.
type Event struct {
	ID          uuid.UUID           `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Description string              `json:"description"`
	Category    Category            `json:"category"`
	Scope       Scope               `json:"scope"`
	Causes      map[string]struct{} `json:"causes,omitempty"`
	Effects     map[string]struct{} `json:"effects,omitempty"`
	Importance  float64             `json:"importance"`
	Confidence  float64             `json:"confidence"`
}

// TimelineChain is a named, ordered causal sequence ending in a stated
// outcome.
type TimelineChain struct {
	ID               uuid.UUID   `json:"id"`
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	Events           []Event     `json:"events"`
	FinalOutcome     string      `json:"finalOutcome"`
	PreventionPoints []time.Time `json:"preventionPoints,omitempty"`
	WarningSigns     []string    `json:"warningSigns,omitempty"`
}

// Categories derives the set of categories the chain touches.
func (c *TimelineChain) Categories() map[Category]struct{} {
	out := make(map[Category]struct{})
	for _, e := range c.Events {
		out[e.Category] = struct{}{}
	}
	return out
}

// HasCategory reports whether the chain touches a category.
func (c *TimelineChain) HasCategory(cat Category) bool {
	for _, e := range c.Events {
		if e.Category == cat {
			return true
		}
	}
	return false
}

// CurrentEvent describes the observation under analysis.
type CurrentEvent struct {
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Scope       Scope     `json:"scope"`
	Timestamp   time.Time `json:"timestamp"`
}

// Analysis is the immutable result of one causal match.
type Analysis struct {
	CurrentEvent         CurrentEvent    `json:"currentEvent"`
	Timestamp            time.Time       `json:"timestamp"`
	HistoricalParallels  []Event         `json:"historicalParallels,omitempty"`
	MatchedChains        []TimelineChain `json:"matchedChains,omitempty"`
	Warnings             []string        `json:"warnings,omitempty"`
	PreventionStrategies []string        `json:"preventionStrategies,omitempty"`
	Confidence           float64         `json:"confidence"`
}
