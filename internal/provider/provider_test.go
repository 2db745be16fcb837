package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// --- ContextWindow tests ---

func TestOpenAIProvider_ContextWindow(t *testing.T) {
	tests := []struct {
		model    string
		expected int
	}{
		{"gpt-4o-mini", 128000},
		{"gpt-4o", 128000},
		{"gpt-4-turbo", 128000},
		{"o1-preview", 200000},
		{"o3-mini", 200000},
		{"deepseek-chat", 64000},
		{"some-unknown-model", 128000},
	}
	for _, tt := range tests {
		p := &OpenAIProvider{model: tt.model}
		if got := p.ContextWindow(); got != tt.expected {
			t.Errorf("OpenAI ContextWindow(%q) = %d, want %d", tt.model, got, tt.expected)
		}
	}
}

func TestAnthropicProvider_Metadata(t *testing.T) {
	p := NewAnthropicProvider("test-key", "", "")
	if p.Name() != "anthropic" {
		t.Errorf("expected name 'anthropic', got %q", p.Name())
	}
	if p.DefaultModel() != "claude-sonnet-4-20250514" {
		t.Errorf("expected default model, got %q", p.DefaultModel())
	}
	if p.ContextWindow() != 200000 {
		t.Errorf("ContextWindow() = %d, want 200000", p.ContextWindow())
	}
}

// --- OpenAI provider name detection ---

func TestOpenAIProvider_NameDetection(t *testing.T) {
	tests := []struct {
		baseURL  string
		expected string
	}{
		{"", "openai"},
		{"https://api.deepseek.com/v1", "deepseek"},
		{"https://api.groq.com/openai/v1", "groq"},
		{"https://openrouter.ai/api/v1", "openrouter"},
		{"https://generativelanguage.googleapis.com/v1beta/openai/", "gemini"},
		{"http://localhost:11434/v1", "ollama"},
		{"https://custom.api.com/v1", "openai"},
	}
	for _, tt := range tests {
		p := NewOpenAIProvider("test-key", tt.baseURL, "test-model")
		if p.Name() != tt.expected {
			t.Errorf("baseURL=%q: expected name %q, got %q", tt.baseURL, tt.expected, p.Name())
		}
	}
}

func TestOpenAIProvider_BuildMessages(t *testing.T) {
	p := NewOpenAIProvider("k", "", "")
	msgs := p.buildMessages(&ChatRequest{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: RoleUser, Text: "hi"},
			{Role: RoleAssistant, Text: "hello"},
			{Role: "system", Text: "ignored"},
		},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected system + 2 turns, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[2].OfAssistant == nil {
		t.Errorf("unexpected message order: %+v", msgs)
	}
}

func TestAnthropicProvider_BuildMessages(t *testing.T) {
	p := NewAnthropicProvider("k", "", "")
	msgs := p.buildMessages([]Message{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "hello"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestExtractReasoningContent(t *testing.T) {
	if got := extractReasoningContent(`{"reasoning_content":"thinking"}`); got != "thinking" {
		t.Errorf("got %q, want %q", got, "thinking")
	}
	if got := extractReasoningContent(`{"content":"x"}`); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := extractReasoningContent(`not json`); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

// --- Streaming against a local SSE server ---

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestOpenAIProvider_Stream(t *testing.T) {
	chunk := func(body string) string {
		return `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini",` + body + "}\n\n"
	}
	ts := sseServer(t, []string{
		chunk(`"choices":[{"index":0,"delta":{"reasoning_content":"hmm"},"finish_reason":null}]`),
		chunk(`"choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]`),
		chunk(`"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]`),
		chunk(`"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}`),
		"data: [DONE]\n\n",
	})

	p := NewOpenAIProvider("test-key", ts.URL, "gpt-4o-mini")
	var deltas []string
	reply, err := Collect(context.Background(), p, &ChatRequest{
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	}, func(s string) { deltas = append(deltas, s) })
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if reply.Text != "Hello" {
		t.Errorf("Text = %q, want %q", reply.Text, "Hello")
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if reply.Usage.InputTokens != 7 || reply.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v, want 7/2", reply.Usage)
	}
	if reply.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", reply.Model)
	}
}

func TestAnthropicProvider_Stream(t *testing.T) {
	ev := func(name, data string) string {
		return "event: " + name + "\ndata: " + data + "\n\n"
	}
	ts := sseServer(t, []string{
		ev("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":11,"output_tokens":1}}}`),
		ev("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`),
		ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`),
		ev("content_block_stop", `{"type":"content_block_stop","index":0}`),
		ev("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":4}}`),
		ev("message_stop", `{"type":"message_stop"}`),
	})

	p := NewAnthropicProvider("test-key", ts.URL, "claude-test")
	reply, err := Collect(context.Background(), p, &ChatRequest{
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	}, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if reply.Text != "Hi there" {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.Usage.InputTokens != 11 || reply.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v, want 11/4", reply.Usage)
	}
}

// --- Collect ---

type scriptedProvider struct {
	events []Event
	err    error
}

func (s *scriptedProvider) Chat(context.Context, *ChatRequest) (<-chan Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan Event, len(s.events))
	for _, e := range s.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}
func (s *scriptedProvider) Name() string         { return "scripted" }
func (s *scriptedProvider) DefaultModel() string { return "scripted-1" }
func (s *scriptedProvider) ContextWindow() int   { return 1000 }

func TestCollect_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := Collect(context.Background(), &scriptedProvider{err: boom}, &ChatRequest{}, nil)
	if !errors.Is(err, boom) {
		t.Errorf("start error = %v, want boom", err)
	}

	_, err = Collect(context.Background(), &scriptedProvider{events: []Event{
		{Type: EventTextDelta, TextDelta: "partial"},
		{Type: EventError, Error: boom},
	}}, &ChatRequest{}, nil)
	if !errors.Is(err, boom) {
		t.Errorf("stream error = %v, want boom", err)
	}

	_, err = Collect(context.Background(), &scriptedProvider{events: []Event{
		{Type: EventTextDelta, TextDelta: "  "},
		{Type: EventDone, Usage: &Usage{}},
	}}, &ChatRequest{}, nil)
	if !errors.Is(err, ErrEmptyReply) {
		t.Errorf("empty reply error = %v, want ErrEmptyReply", err)
	}

	reply, err := Collect(context.Background(), &scriptedProvider{events: []Event{
		{Type: EventTextDelta, TextDelta: "ok"},
		{Type: EventDone, Usage: &Usage{InputTokens: 1, OutputTokens: 2}},
	}}, &ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if reply.Model != "scripted-1" {
		t.Errorf("Model = %q, want default model", reply.Model)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("POST /v1/messages: 429 Too Many Requests"), true},
		{errors.New("overloaded_error"), true},
		{errors.New("502 Bad Gateway"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("401 invalid api key"), false},
		{context.Canceled, false},
		{fmt.Errorf("%w: %w", ErrPartialReply, errors.New("503")), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
