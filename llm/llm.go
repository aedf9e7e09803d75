// Package llm defines the narrow LLM surface the agent consumes: plain
// completions and a streaming variant. Provider adapters live in the
// anthropic, openai, and google subpackages; callers hold the Client
// interface so providers stay swappable and retries stay outside.
package llm

import "context"

// Standard role constants for conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the completion surface used by the causal analyzer and the
// narrative stage. Implementations must respect context cancellation and
// must be safe for concurrent use.
type Client interface {
	// Complete sends the conversation and returns the full response text.
	Complete(ctx context.Context, messages []Message) (string, error)

	// CompleteStream sends the conversation and returns text chunks as
	// they arrive. Both channels close when the stream ends; at most one
	// error is delivered. Callers must drain the chunk channel.
	CompleteStream(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// SplitSystem separates system turns from the conversation. Several
// providers take the system prompt as a dedicated parameter; multiple
// system messages concatenate with blank lines.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
