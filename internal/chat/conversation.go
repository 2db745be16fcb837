// Package chat runs conversation turns: each user message and provider
// reply is recorded through the session manager.
package chat

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/apexion-ai/sessiond/internal/manager"
	"github.com/apexion-ai/sessiond/internal/provider"
	"github.com/apexion-ai/sessiond/internal/retry"
	"github.com/apexion-ai/sessiond/internal/session"
)

// DefaultSystemPrompt is used when Options.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely."

// charsPerToken approximates how much history fits in a context window.
const charsPerToken = 3

// Sessions is the part of the manager a conversation needs.
type Sessions interface {
	CreateSession(ctx context.Context, userID, sessionType string, opts manager.CreateOptions) (*session.Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (*session.Session, error)
	AddMessage(ctx context.Context, sessionID string, role session.Role, content string, opts manager.MessageOptions) (*session.Message, error)
}

// Options configure Start.
type Options struct {
	// SessionID resumes an existing session; empty creates a new one.
	SessionID    string
	Type         string
	Title        string
	SystemPrompt string
	MaxTokens    int
	Logger       zerolog.Logger

	// Retry wraps each provider call. Nil makes a single attempt.
	Retry retry.Strategy
}

// Conversation is one user's chat over one session.
type Conversation struct {
	sessions Sessions
	provider provider.Provider
	userID   string
	session  *session.Session
	history  []provider.Message
	system   string
	maxTok   int
	retry    retry.Strategy
	logger   zerolog.Logger
}

// Start opens or resumes a session for userID.
func Start(ctx context.Context, sessions Sessions, p provider.Provider, userID string, opts Options) (*Conversation, error) {
	c := &Conversation{
		sessions: sessions,
		provider: p,
		userID:   userID,
		system:   opts.SystemPrompt,
		maxTok:   opts.MaxTokens,
		retry:    opts.Retry,
	}
	if c.retry == nil {
		c.retry = retry.Once{}
	}
	if c.system == "" {
		c.system = DefaultSystemPrompt
	}

	var err error
	if opts.SessionID != "" {
		c.session, err = sessions.GetSession(ctx, opts.SessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("resume session: %w", err)
		}
		for _, m := range c.session.Messages {
			switch m.Role {
			case session.RoleUser:
				c.history = append(c.history, provider.Message{Role: provider.RoleUser, Text: m.Content})
			case session.RoleAssistant:
				c.history = append(c.history, provider.Message{Role: provider.RoleAssistant, Text: m.Content})
			}
		}
	} else {
		typ := opts.Type
		if typ == "" {
			typ = "general"
		}
		c.session, err = sessions.CreateSession(ctx, userID, typ, manager.CreateOptions{Title: opts.Title})
		if err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
	}
	c.logger = opts.Logger.With().
		Str("session_id", c.session.ID).
		Str("user_id", userID).
		Str("provider", p.Name()).
		Logger()
	return c, nil
}

// Session returns the session as it was when the conversation started.
func (c *Conversation) Session() *session.Session { return c.session }

// History returns the turns sent to the provider so far.
func (c *Conversation) History() []provider.Message {
	return append([]provider.Message(nil), c.history...)
}

// Send records text as a user message, asks the provider for a reply and
// records the reply. The user message stays recorded if the provider fails.
func (c *Conversation) Send(ctx context.Context, text string, onDelta func(string)) (*session.Message, error) {
	if _, err := c.sessions.AddMessage(ctx, c.session.ID, session.RoleUser, text, manager.MessageOptions{UserID: c.userID}); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}
	c.history = append(c.history, provider.Message{Role: provider.RoleUser, Text: text})

	req := &provider.ChatRequest{
		Messages:     trimHistory(c.history, c.provider.ContextWindow()*charsPerToken-len(c.system)),
		SystemPrompt: c.system,
		MaxTokens:    c.maxTok,
	}
	var reply *provider.Reply
	err := c.retry.Do(ctx, "chat "+c.provider.Name(), func(ctx context.Context) error {
		var err error
		reply, err = provider.Collect(ctx, c.provider, req, onDelta)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Provider call failed")
		return nil, fmt.Errorf("provider %s: %w", c.provider.Name(), err)
	}

	opts := manager.MessageOptions{UserID: c.userID, Model: reply.Model}
	if reply.Usage.OutputTokens > 0 {
		tokens := reply.Usage.OutputTokens
		opts.Tokens = &tokens
	}
	msg, err := c.sessions.AddMessage(ctx, c.session.ID, session.RoleAssistant, reply.Text, opts)
	if err != nil {
		return nil, fmt.Errorf("record reply: %w", err)
	}
	c.history = append(c.history, provider.Message{Role: provider.RoleAssistant, Text: reply.Text})

	c.logger.Debug().
		Int("input_tokens", reply.Usage.InputTokens).
		Int("output_tokens", reply.Usage.OutputTokens).
		Str("model", reply.Model).
		Msg("Chat turn recorded")
	return msg, nil
}

// trimHistory keeps the newest messages whose text fits in budget
// characters. The last message is always kept, and the result never
// opens with an assistant turn.
func trimHistory(msgs []provider.Message, budget int) []provider.Message {
	used := 0
	start := len(msgs)
	for start > 0 {
		n := len(msgs[start-1].Text)
		if start < len(msgs) && used+n > budget {
			break
		}
		used += n
		start--
	}
	for start < len(msgs)-1 && msgs[start].Role == provider.RoleAssistant {
		start++
	}
	return msgs[start:]
}
