// Package sources defines the narrow interfaces to the agent's external
// data providers: market quotes, the social platform, web search, and
// video transcripts. Wire clients implement these elsewhere; the package
// ships deterministic mocks for tests and dry runs.
package sources

import (
	"context"
	"errors"
	"time"
)

// ErrNoTranscript means the video exists but has no transcript.
var ErrNoTranscript = errors.New("no transcript available")

// ErrUnavailable means the transcript source cannot serve the video.
var ErrUnavailable = errors.New("transcript source unavailable")

// Quote is one spot price observation.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one minute-granularity OHLCV bar.
type Bar struct {
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Start  time.Time `json:"start"`
}

// QuoteSource serves spot prices and minute-bar history for a symbol.
type QuoteSource interface {
	PriceNow(ctx context.Context, symbol string) (Quote, error)
	History(ctx context.Context, symbol string, window time.Duration) ([]Bar, error)
}

// RateInfo is the remote rate window reported alongside a response; the
// caller feeds it into the rate gate.
type RateInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Post is one social post as returned by the platform.
type Post struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	AuthorID     string    `json:"authorId"`
	AuthorHandle string    `json:"authorHandle"`
	CreatedAt    time.Time `json:"createdAt"`
	Likes        int       `json:"likes"`
	Replies      int       `json:"replies"`
	Reposts      int       `json:"reposts"`
	Quotes       int       `json:"quotes"`
}

// User identifies a platform account.
type User struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	Name      string `json:"name"`
	Followers int    `json:"followers"`
}

// SocialPlatform is the read/write surface of the outbound platform.
type SocialPlatform interface {
	SearchRecent(ctx context.Context, query string, max int) ([]Post, RateInfo, error)
	Mentions(ctx context.Context, userID, sinceID string) ([]Post, RateInfo, error)
	UserByHandle(ctx context.Context, handle string) (User, error)
	Post(ctx context.Context, text, replyTo string) (string, error)
}

// SearchResult is one web-search hit.
type SearchResult struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
	PublishedAt time.Time `json:"publishedAt"`
}

// WebSearch issues time-bounded queries. A nil since means unbounded.
type WebSearch interface {
	Query(ctx context.Context, text string, count int, since *time.Time) ([]SearchResult, error)
}

// TranscriptSegment is one timed piece of a video transcript.
type TranscriptSegment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// TranscriptSource fetches transcripts by video id. Fails with
// ErrNoTranscript or ErrUnavailable.
type TranscriptSource interface {
	Transcript(ctx context.Context, videoID string) ([]TranscriptSegment, error)
}
