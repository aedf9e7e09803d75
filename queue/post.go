// Package queue implements the outbound post queue and the inbound
// interaction queue.
//
// Both queues are priority-ordered and serialize to JSON as part of the
// UnifiedState document. The post queue is capped; the QUEUE stage refuses
// inserts past the cap so narration overflow degrades to an error-log
// entry instead of blocking the scheduler.
package queue

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBackpressure is returned when the post queue is at capacity. Callers
// log the dropped artifact; they must not block on the queue.
var ErrBackpressure = errors.New("post queue at capacity")

// ErrEmpty is returned when there is nothing to dequeue.
var ErrEmpty = errors.New("queue is empty")

// DefaultPostQueueCap bounds the post queue when no cap is configured.
const DefaultPostQueueCap = 100

// QueuedPost is one outbound artifact waiting to be published.
type QueuedPost struct {
	ID        uuid.UUID      `json:"id"`
	Content   string         `json:"content"`
	Priority  int            `json:"priority"`
	ReplyToID string         `json:"replyToId,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PostQueue holds queued posts sorted by descending priority. Posts with
// equal priority keep insertion order, so the queue drains fairly.
type PostQueue struct {
	mu    sync.Mutex
	cap   int
	items []QueuedPost
}

// NewPostQueue creates a queue bounded at cap items. A non-positive cap
// falls back to DefaultPostQueueCap.
func NewPostQueue(cap int) *PostQueue {
	if cap <= 0 {
		cap = DefaultPostQueueCap
	}
	return &PostQueue{cap: cap}
}

// Add inserts a post in priority order. Returns ErrBackpressure when the
// queue is full; the queue is unchanged in that case.
func (q *PostQueue) Add(post QueuedPost) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cap {
		return ErrBackpressure
	}
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}

	// First index with strictly lower priority keeps same-priority FIFO.
	at := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < post.Priority
	})
	q.items = append(q.items, QueuedPost{})
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = post
	return nil
}

// Next removes and returns the highest-priority post.
func (q *PostQueue) Next() (QueuedPost, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueuedPost{}, ErrEmpty
	}
	post := q.items[0]
	q.items = q.items[1:]
	return post, nil
}

// Peek returns the highest-priority post without removing it.
func (q *PostQueue) Peek() (QueuedPost, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueuedPost{}, false
	}
	return q.items[0], true
}

// Requeue puts a post back after a failed publish attempt, keeping its
// priority so it competes again on the next QUEUE pass. Requeue ignores
// the cap: the post already held a slot.
func (q *PostQueue) Requeue(post QueuedPost) {
	q.mu.Lock()
	defer q.mu.Unlock()

	at := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < post.Priority
	})
	q.items = append(q.items, QueuedPost{})
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = post
}

// Len reports the queued post count.
func (q *PostQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap reports the configured capacity.
func (q *PostQueue) Cap() int { return q.cap }

// postQueueDoc is the serialized form.
type postQueueDoc struct {
	Cap   int          `json:"cap"`
	Items []QueuedPost `json:"items"`
}

// MarshalJSON serializes the queue for checkpointing.
func (q *PostQueue) MarshalJSON() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return json.Marshal(postQueueDoc{Cap: q.cap, Items: q.items})
}

// UnmarshalJSON restores a checkpointed queue.
func (q *PostQueue) UnmarshalJSON(data []byte) error {
	var doc postQueueDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cap = doc.Cap
	if q.cap <= 0 {
		q.cap = DefaultPostQueueCap
	}
	q.items = doc.Items
	return nil
}
