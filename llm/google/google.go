// Package google adapts Gemini to llm.Client through generative-ai-go.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/narrativelabs/driftwatch/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash"

// Client implements llm.Client over the Gemini API. Close releases the
// underlying gRPC resources.
type Client struct {
	client *genai.Client
	model  string
}

// New builds a Gemini-backed client. An empty model selects DefaultModel.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// Close releases the client's connections.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	session, last, err := c.session(messages)
	if err != nil {
		return "", err
	}

	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", fmt.Errorf("google completion failed: %w", err)
	}
	return flatten(resp), nil
}

// CompleteStream implements llm.Client.
func (c *Client) CompleteStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		session, last, err := c.session(messages)
		if err != nil {
			errs <- err
			return
		}

		iter := session.SendMessageStream(ctx, genai.Text(last))
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("google stream failed: %w", err)
				return
			}
			text := flatten(resp)
			if text == "" {
				continue
			}
			select {
			case chunks <- text:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// session prepares a chat session: system turns become the system
// instruction, all turns but the last become history, and the last turn's
// content is what gets sent.
func (c *Client) session(messages []llm.Message) (*genai.ChatSession, string, error) {
	system, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return nil, "", errors.New("google completion requires at least one non-system message")
	}

	model := c.client.GenerativeModel(c.model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	session := model.StartChat()
	for _, m := range rest[:len(rest)-1] {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return session, rest[len(rest)-1].Content, nil
}

func flatten(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}
