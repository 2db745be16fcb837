package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider implements Provider for all OpenAI-compatible APIs,
// including OpenAI, DeepSeek, Groq, OpenRouter and Ollama.
type OpenAIProvider struct {
	client  openai.Client
	model   string
	name    string
	baseURL string
}

func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini" // fallback; normally buildProvider passes the configured default
	}

	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		model:   model,
		name:    detectName(baseURL),
		baseURL: baseURL,
	}
}

func detectName(baseURL string) string {
	switch {
	case baseURL == "":
		return "openai"
	case strings.Contains(baseURL, "deepseek"):
		return "deepseek"
	case strings.Contains(baseURL, "groq"):
		return "groq"
	case strings.Contains(baseURL, "openrouter"):
		return "openrouter"
	case strings.Contains(baseURL, "generativelanguage.googleapis.com"):
		return "gemini"
	case strings.Contains(baseURL, "localhost:11434"), strings.Contains(baseURL, "ollama"):
		return "ollama"
	}
	return "openai"
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

func (p *OpenAIProvider) ContextWindow() int {
	switch {
	case strings.Contains(p.model, "gpt-4o"):
		return 128000
	case strings.Contains(p.model, "gpt-4"):
		return 128000
	case strings.Contains(p.model, "o1"), strings.Contains(p.model, "o3"):
		return 200000
	case strings.Contains(p.model, "deepseek"):
		return 64000
	default:
		return 128000
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: p.buildMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan Event, 16)
	go p.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream reads the OpenAI SSE stream and emits unified events.
// With include_usage set, token counts arrive in a final chunk that has no
// choices, after the chunk carrying finish_reason.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- Event) {
	defer close(ch)
	defer stream.Close()

	usage := &Usage{}
	for stream.Next() {
		select {
		case <-ctx.Done():
			ch <- Event{Type: EventError, Error: ctx.Err()}
			return
		default:
		}

		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage.InputTokens = int(chunk.Usage.PromptTokens)
			usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta

		// Reasoning models (DeepSeek) stream reasoning_content outside the SDK
		// struct. It is discarded so thinking never reaches the transcript.
		if delta.Content == "" {
			if rc := extractReasoningContent(delta.RawJSON()); rc != "" {
				continue
			}
		}

		if delta.Content != "" {
			ch <- Event{Type: EventTextDelta, TextDelta: delta.Content}
		}
	}

	if err := stream.Err(); err != nil {
		ch <- Event{Type: EventError, Error: fmt.Errorf("openai streaming error: %w", err)}
		return
	}
	ch <- Event{Type: EventDone, Usage: usage}
}

// buildMessages converts unified Message types to OpenAI API params.
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var params []openai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		params = append(params, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			params = append(params, openai.UserMessage(msg.Text))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(msg.Text))
		}
	}
	return params
}

// extractReasoningContent parses the raw JSON of a delta chunk to find a
// "reasoning_content" field (used by DeepSeek and other reasoning models).
// Returns the reasoning text if present, empty string otherwise.
func extractReasoningContent(rawJSON string) string {
	var raw struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
		return ""
	}
	return raw.ReasoningContent
}
