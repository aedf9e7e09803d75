package sources

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MockQuoteSource serves scripted quotes and bars.
type MockQuoteSource struct {
	mu     sync.Mutex
	Quotes map[string]Quote
	Bars   map[string][]Bar
	Err    error
	calls  int
}

// PriceNow implements QuoteSource.
func (m *MockQuoteSource) PriceNow(_ context.Context, symbol string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return Quote{}, m.Err
	}
	q, ok := m.Quotes[symbol]
	if !ok {
		return Quote{Symbol: symbol, Timestamp: time.Now().UTC()}, nil
	}
	return q, nil
}

// History implements QuoteSource.
func (m *MockQuoteSource) History(_ context.Context, symbol string, _ time.Duration) ([]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Bars[symbol], nil
}

// Calls reports how many source methods ran.
func (m *MockQuoteSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockSocialPlatform serves scripted posts keyed by query, records
// outbound posts, and replays a configured rate window.
type MockSocialPlatform struct {
	mu           sync.Mutex
	SearchPosts  map[string][]Post
	MentionPosts []Post
	Users        map[string]User
	Rate         RateInfo
	PostErr      error
	Published    []string
	nextID       int
}

// SearchRecent implements SocialPlatform.
func (m *MockSocialPlatform) SearchRecent(_ context.Context, query string, max int) ([]Post, RateInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	posts := m.SearchPosts[query]
	if max > 0 && len(posts) > max {
		posts = posts[:max]
	}
	return posts, m.Rate, nil
}

// Mentions implements SocialPlatform. sinceID filters to posts with a
// strictly greater id, matching the platform's cursor semantics.
func (m *MockSocialPlatform) Mentions(_ context.Context, _ string, sinceID string) ([]Post, RateInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Post, 0, len(m.MentionPosts))
	for _, p := range m.MentionPosts {
		if sinceID == "" || p.ID > sinceID {
			out = append(out, p)
		}
	}
	return out, m.Rate, nil
}

// UserByHandle implements SocialPlatform.
func (m *MockSocialPlatform) UserByHandle(_ context.Context, handle string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[handle]; ok {
		return u, nil
	}
	return User{ID: "u_" + handle, Handle: handle}, nil
}

// Post implements SocialPlatform, recording published text.
func (m *MockSocialPlatform) Post(_ context.Context, text, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PostErr != nil {
		return "", m.PostErr
	}
	m.nextID++
	m.Published = append(m.Published, text)
	return "post_" + strconv.Itoa(m.nextID), nil
}

// PublishedTexts returns a copy of everything posted so far.
func (m *MockSocialPlatform) PublishedTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Published))
	copy(out, m.Published)
	return out
}

// MockWebSearch serves scripted results for any query.
type MockWebSearch struct {
	mu      sync.Mutex
	Results map[string][]SearchResult
	Err     error
	queries []string
}

// Query implements WebSearch. A since bound drops older results, the way
// a time-bounded search behaves.
func (m *MockWebSearch) Query(_ context.Context, text string, count int, since *time.Time) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, text)
	if m.Err != nil {
		return nil, m.Err
	}

	out := make([]SearchResult, 0)
	for _, r := range m.Results[text] {
		if since != nil && r.PublishedAt.Before(*since) {
			continue
		}
		out = append(out, r)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// Queries returns the queries issued so far.
func (m *MockWebSearch) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}

// MockTranscriptSource serves scripted transcripts by video id.
type MockTranscriptSource struct {
	Transcripts map[string][]TranscriptSegment
	Err         error
}

// Transcript implements TranscriptSource.
func (m *MockTranscriptSource) Transcript(_ context.Context, videoID string) ([]TranscriptSegment, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	segs, ok := m.Transcripts[videoID]
	if !ok {
		return nil, ErrNoTranscript
	}
	return segs, nil
}
