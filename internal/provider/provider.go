// Package provider defines the unified interface for the completion
// providers a chat session talks to. Each adapter (openai.go, anthropic.go)
// normalizes its vendor's streaming response into a unified Event sequence.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ── Message types ────────────────────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn of the conversation history.
type Message struct {
	Role Role
	Text string
}

// ── Request types ────────────────────────────────────────────────────────────

// ChatRequest is the unified request format sent to a provider.
type ChatRequest struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
}

// ── Event types (streaming output) ───────────────────────────────────────────

type EventType int

const (
	// EventTextDelta: incremental text output, rendered in real time.
	EventTextDelta EventType = iota

	// EventDone: end of this turn, includes token usage.
	EventDone

	// EventError: an error occurred.
	EventError
)

// Event is the unified streaming event emitted by a provider.
type Event struct {
	Type EventType

	// EventTextDelta
	TextDelta string

	// EventDone
	Usage *Usage

	// EventError
	Error error
}

// Usage records token consumption for an API call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ── Provider interface ───────────────────────────────────────────────────────

// Provider is the unified interface for all completion providers.
type Provider interface {
	// Chat initiates a streaming completion.
	// The returned channel emits Events until EventDone or EventError, then closes.
	// The caller must fully consume the channel to avoid goroutine leaks.
	Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error)

	// Name returns the provider identifier, e.g. "anthropic", "openai", "deepseek".
	Name() string

	// DefaultModel returns the model used when ChatRequest.Model is empty.
	DefaultModel() string

	// ContextWindow returns the context window size of the default model.
	ContextWindow() int
}

// Reply is a fully drained streaming response.
type Reply struct {
	Text  string
	Model string
	Usage Usage
}

// ErrEmptyReply is returned when a stream ends without any text.
var ErrEmptyReply = errors.New("provider returned an empty reply")

// Collect runs req against p and drains the stream. onDelta, if set, sees
// each text fragment as it arrives.
func Collect(ctx context.Context, p Provider, req *ChatRequest, onDelta func(string)) (*Reply, error) {
	ch, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}
	reply := &Reply{Model: model}

	var sb strings.Builder
	var streamErr error
	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			sb.WriteString(ev.TextDelta)
			if onDelta != nil {
				onDelta(ev.TextDelta)
			}
		case EventDone:
			if ev.Usage != nil {
				reply.Usage = *ev.Usage
			}
		case EventError:
			if streamErr == nil {
				streamErr = ev.Error
			}
		}
	}
	if streamErr != nil {
		if sb.Len() > 0 {
			return nil, fmt.Errorf("%w: %w", ErrPartialReply, streamErr)
		}
		return nil, streamErr
	}
	reply.Text = sb.String()
	if strings.TrimSpace(reply.Text) == "" {
		return nil, ErrEmptyReply
	}
	return reply, nil
}
