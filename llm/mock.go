package llm

import (
	"context"
	"strings"
	"sync"
)

// Mock is a test implementation of Client.
//
// Responses are returned in order; once consumed, the last one repeats.
// If Err is set it is returned instead. Every invocation is recorded in
// Calls. Safe for concurrent use.
//
//	mock := &llm.Mock{Responses: []string{"first", "second"}}
//	text, _ := mock.Complete(ctx, messages)
type Mock struct {
	// Responses is the sequence of completion texts to return.
	Responses []string

	// Err, if set, is returned by Complete and delivered on the stream
	// error channel instead of a response.
	Err error

	// Calls records the messages of every invocation.
	Calls [][]Message

	mu        sync.Mutex
	callIndex int
}

// Complete implements Client.
func (m *Mock) Complete(ctx context.Context, messages []Message) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)

	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CompleteStream implements Client. The canned response is delivered as
// word chunks to exercise consumer accumulation.
func (m *Mock) CompleteStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		text, err := m.Complete(ctx, messages)
		if err != nil {
			errs <- err
			return
		}
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case chunks <- w:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// Reset clears call history and rewinds the response sequence.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount reports how many times the mock has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
