package causal

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Library holds the historical chains and standalone events the analyzer
// matches against.
type Library struct {
	mu     sync.RWMutex
	chains []TimelineChain
	events []Event
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{}
}

// NewSeededLibrary creates a library preloaded with the built-in
// historical chains.
func NewSeededLibrary() *Library {
	lib := NewLibrary()
	for _, c := range seedChains() {
		lib.AddChain(c)
	}
	return lib
}

// AddChain registers a chain and indexes its events.
func (l *Library) AddChain(chain TimelineChain) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if chain.ID == uuid.Nil {
		chain.ID = uuid.New()
	}
	for i := range chain.Events {
		if chain.Events[i].ID == uuid.Nil {
			chain.Events[i].ID = uuid.New()
		}
	}
	l.chains = append(l.chains, chain)
	l.events = append(l.events, chain.Events...)
}

// AddEvent registers a standalone historical event.
func (l *Library) AddEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	l.events = append(l.events, ev)
}

// Chains returns a copy of the chain list.
func (l *Library) Chains() []TimelineChain {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TimelineChain, len(l.chains))
	copy(out, l.chains)
	return out
}

// Events returns a copy of the event list.
func (l *Library) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// LoadJSON reads chains from a JSON array and adds them to the library.
func (l *Library) LoadJSON(r io.Reader) error {
	var chains []TimelineChain
	if err := json.NewDecoder(r).Decode(&chains); err != nil {
		return fmt.Errorf("decode chain library: %w", err)
	}
	for _, c := range chains {
		l.AddChain(c)
	}
	return nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// seedChains is the built-in pre-2024 history the analyzer ships with.
func seedChains() []TimelineChain {
	return []TimelineChain{
		{
			Name:        "2008 credit crisis",
			Description: "Subprime mortgage securitization collapse cascading into a global banking crisis",
			Events: []Event{
				{Timestamp: day(2007, time.February, 27), Description: "HSBC writes down subprime portfolio", Category: CategoryFinancial, Scope: ScopeNational, Importance: 0.5, Confidence: 0.9},
				{Timestamp: day(2007, time.August, 9), Description: "BNP Paribas freezes funds exposed to US mortgages", Category: CategoryFinancial, Scope: ScopeGlobal, Importance: 0.7, Confidence: 0.9},
				{Timestamp: day(2008, time.March, 16), Description: "Bear Stearns rescue sale", Category: CategoryFinancial, Scope: ScopeNational, Importance: 0.8, Confidence: 0.95},
				{Timestamp: day(2008, time.September, 15), Description: "Lehman Brothers bankruptcy", Category: CategoryFinancial, Scope: ScopeSystemic, Importance: 1.0, Confidence: 1.0},
			},
			FinalOutcome:     "Global recession and unprecedented central-bank intervention",
			PreventionPoints: []time.Time{day(2007, time.August, 9), day(2008, time.March, 16)},
			WarningSigns:     []string{"rating downgrades lagging spreads", "interbank lending freeze", "leverage concentrated in opaque instruments"},
		},
		{
			Name:        "2017 ICO mania",
			Description: "Token-sale speculation inflating and collapsing alongside retail FOMO",
			Events: []Event{
				{Timestamp: day(2017, time.May, 31), Description: "ICO raises exceed venture funding for crypto startups", Category: CategoryCrypto, Scope: ScopeGlobal, Importance: 0.6, Confidence: 0.85},
				{Timestamp: day(2017, time.September, 4), Description: "China bans ICOs", Category: CategoryCrypto, Scope: ScopeNational, Importance: 0.7, Confidence: 0.95},
				{Timestamp: day(2017, time.December, 17), Description: "Bitcoin peaks near twenty thousand dollars", Category: CategoryCrypto, Scope: ScopeGlobal, Importance: 0.9, Confidence: 1.0},
				{Timestamp: day(2018, time.January, 16), Description: "Broad crypto drawdown begins", Category: CategoryCrypto, Scope: ScopeGlobal, Importance: 0.9, Confidence: 0.95},
			},
			FinalOutcome:     "Eighty-plus percent drawdown and a wave of abandoned projects",
			PreventionPoints: []time.Time{day(2017, time.September, 4)},
			WarningSigns:     []string{"raises without products", "influencer-driven allocation", "exchange listing pumps"},
		},
		{
			Name:        "2020 pandemic liquidity shock",
			Description: "Pandemic-driven deleveraging hitting every asset class at once",
			Events: []Event{
				{Timestamp: day(2020, time.February, 24), Description: "Equity selloff starts on outbreak spread", Category: CategoryFinancial, Scope: ScopeGlobal, Importance: 0.7, Confidence: 0.95},
				{Timestamp: day(2020, time.March, 12), Description: "Crypto markets halve in a day", Category: CategoryCrypto, Scope: ScopeGlobal, Importance: 0.9, Confidence: 1.0},
				{Timestamp: day(2020, time.March, 23), Description: "Central banks announce unlimited support", Category: CategoryFinancial, Scope: ScopeSystemic, Importance: 1.0, Confidence: 1.0},
			},
			FinalOutcome:     "V-shaped asset recovery funded by extraordinary liquidity",
			PreventionPoints: []time.Time{day(2020, time.February, 24)},
			WarningSigns:     []string{"correlation of safe and risk assets going to one", "funding stress in basis trades"},
		},
		{
			Name:        "2021 meme squeeze",
			Description: "Coordinated retail flows forcing short covering in crowded names",
			Events: []Event{
				{Timestamp: day(2021, time.January, 11), Description: "Retail forums concentrate on heavily shorted stocks", Category: CategorySocial, Scope: ScopeNational, Importance: 0.6, Confidence: 0.9},
				{Timestamp: day(2021, time.January, 27), Description: "Short squeeze peaks, brokers restrict buying", Category: CategoryFinancial, Scope: ScopeNational, Importance: 0.9, Confidence: 0.95},
				{Timestamp: day(2021, time.February, 2), Description: "Squeeze unwinds, latecomers absorb losses", Category: CategoryFinancial, Scope: ScopeNational, Importance: 0.8, Confidence: 0.9},
			},
			FinalOutcome:     "Regulatory hearings and durable retail coordination channels",
			PreventionPoints: []time.Time{day(2021, time.January, 11)},
			WarningSigns:     []string{"single-name social volume spikes", "short interest above float", "call-option gamma ramps"},
		},
		{
			Name:        "2022 algorithmic stablecoin collapse",
			Description: "Reflexive stablecoin design unwinding into a sector-wide credit cascade",
			Events: []Event{
				{Timestamp: day(2022, time.May, 7), Description: "Large redemptions depeg the algorithmic stablecoin", Category: CategoryCrypto, Scope: ScopeGlobal, Importance: 0.8, Confidence: 0.95},
				{Timestamp: day(2022, time.May, 12), Description: "Token backing the peg hyperinflates to zero", Category: CategoryCrypto, Scope: ScopeGlobal, Importance: 0.95, Confidence: 1.0},
				{Timestamp: day(2022, time.June, 12), Description: "Crypto lenders freeze withdrawals", Category: CategoryCrypto, Scope: ScopeSystemic, Importance: 0.9, Confidence: 0.95},
				{Timestamp: day(2022, time.November, 11), Description: "Major exchange files for bankruptcy", Category: CategoryCorporate, Scope: ScopeSystemic, Importance: 1.0, Confidence: 1.0},
			},
			FinalOutcome:     "Sector-wide deleveraging and criminal prosecutions",
			PreventionPoints: []time.Time{day(2022, time.May, 7), day(2022, time.June, 12)},
			WarningSigns:     []string{"yield promises above market rates", "circular collateral", "withdrawal friction"},
		},
	}
}
