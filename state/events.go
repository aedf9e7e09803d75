package state

import "time"

// MarketEvent is a significant price move observed by the market collector.
type MarketEvent struct {
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Volume     float64            `json:"volume"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Engagement totals for one social post.
type Engagement struct {
	Likes   int `json:"likes"`
	Replies int `json:"replies"`
	Reposts int `json:"reposts"`
	Quotes  int `json:"quotes"`
}

// Total sums all engagement counters.
func (e Engagement) Total() int {
	return e.Likes + e.Replies + e.Reposts + e.Quotes
}

// SocialEvent is a post that cleared the engagement threshold or came from
// a watched account.
type SocialEvent struct {
	Content    string         `json:"content"`
	Author     string         `json:"author"`
	Timestamp  time.Time      `json:"timestamp"`
	Platform   string         `json:"platform"`
	Engagement Engagement     `json:"engagement"`
	Sentiment  float64        `json:"sentiment"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewsEvent is a relevant article surfaced by the news collector.
type NewsEvent struct {
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	PublishedAt    time.Time `json:"publishedAt"`
	Source         string    `json:"source"`
	Description    string    `json:"description"`
	RelevanceScore float64   `json:"relevanceScore"`
	Topics         []string  `json:"topics,omitempty"`
	Sentiment      float64   `json:"sentiment"`
	RelatedAssets  []string  `json:"relatedAssets,omitempty"`
}
