package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Interaction is one inbound item (usually a mention) awaiting a response.
type Interaction struct {
	ID        uuid.UUID      `json:"id"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Author    string         `json:"author"`
	Priority  int            `json:"priority"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// InteractionQueue separates pending items from those currently being
// processed. Items stuck in processing past a recovery window are moved
// back to pending with a priority bump so they are not starved twice.
type InteractionQueue struct {
	mu         sync.Mutex
	pending    []Interaction
	processing map[uuid.UUID]processingItem
}

type processingItem struct {
	Item  Interaction `json:"item"`
	Since time.Time   `json:"since"`
}

// NewInteractionQueue creates an empty interaction queue.
func NewInteractionQueue() *InteractionQueue {
	return &InteractionQueue{processing: make(map[uuid.UUID]processingItem)}
}

// Add inserts an interaction in descending priority order.
func (q *InteractionQueue) Add(item Interaction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	q.insertLocked(item)
}

func (q *InteractionQueue) insertLocked(item Interaction) {
	at := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < item.Priority
	})
	q.pending = append(q.pending, Interaction{})
	copy(q.pending[at+1:], q.pending[at:])
	q.pending[at] = item
}

// GetNext moves the highest-priority pending item into processing and
// returns it.
func (q *InteractionQueue) GetNext() (Interaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Interaction{}, ErrEmpty
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[item.ID] = processingItem{Item: item, Since: time.Now().UTC()}
	return item, nil
}

// Complete removes a finished item from processing.
func (q *InteractionQueue) Complete(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
}

// Fail moves a failed item from processing back to pending unchanged; the
// caller's retry handler decides when it runs again.
func (q *InteractionQueue) Fail(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.processing[id]
	if !ok {
		return
	}
	delete(q.processing, id)
	q.insertLocked(p.Item)
}

// Recover moves items stuck in processing longer than olderThan back to
// pending with their priority bumped by one. Returns the recovered count.
func (q *InteractionQueue) Recover(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	recovered := 0
	for id, p := range q.processing {
		if p.Since.After(cutoff) {
			continue
		}
		delete(q.processing, id)
		p.Item.Priority++
		q.insertLocked(p.Item)
		recovered++
	}
	return recovered
}

// PendingLen reports the pending item count.
func (q *InteractionQueue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessingLen reports items currently in flight.
func (q *InteractionQueue) ProcessingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

type interactionQueueDoc struct {
	Pending    []Interaction             `json:"pending"`
	Processing map[string]processingItem `json:"processing,omitempty"`
}

// MarshalJSON serializes the queue for checkpointing.
func (q *InteractionQueue) MarshalJSON() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc := interactionQueueDoc{Pending: q.pending}
	if len(q.processing) > 0 {
		doc.Processing = make(map[string]processingItem, len(q.processing))
		for id, p := range q.processing {
			doc.Processing[id.String()] = p
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a checkpointed queue.
func (q *InteractionQueue) UnmarshalJSON(data []byte) error {
	var doc interactionQueueDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = doc.Pending
	q.processing = make(map[uuid.UUID]processingItem, len(doc.Processing))
	for raw, p := range doc.Processing {
		id, err := uuid.Parse(raw)
		if err != nil {
			return err
		}
		q.processing[id] = p
	}
	return nil
}
