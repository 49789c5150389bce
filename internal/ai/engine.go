package ai

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider is one chat completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// MediaProvider is implemented by providers with a multimodal model.
type MediaProvider interface {
	Analyze(ctx context.Context, data []byte, prompt string) (string, error)
}

// Engine is what the conversation layer talks to.
type Engine interface {
	GenerateResponse(ctx context.Context, input string, recent []Message) (string, error)
	AnalyzeMedia(ctx context.Context, data []byte, hint string) (string, error)
}

var ErrMediaUnsupported = errors.New("ai: provider cannot analyze media")

// GenerationError wraps a provider failure. Its message names the provider
// only; the cause is kept for logs.
type GenerationError struct {
	Provider string
	Op       string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("ai: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const (
	defaultSystemPrompt = "You are a helpful assistant. Answer concisely."
	defaultMediaPrompt  = "Describe what happens in this video."
)

// Assistant adapts a Provider to Engine.
type Assistant struct {
	name         string
	provider     Provider
	systemPrompt string
}

func NewAssistant(name string, p Provider) *Assistant {
	return &Assistant{name: name, provider: p, systemPrompt: defaultSystemPrompt}
}

func (a *Assistant) GenerateResponse(ctx context.Context, input string, recent []Message) (string, error) {
	msgs := make([]Message, 0, len(recent)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: a.systemPrompt})
	msgs = append(msgs, recent...)
	msgs = append(msgs, Message{Role: RoleUser, Content: input})

	reply, err := a.provider.Chat(ctx, msgs)
	if err != nil {
		return "", &GenerationError{Provider: a.name, Op: "chat", Err: err}
	}
	if reply == "" {
		return "", &GenerationError{Provider: a.name, Op: "chat", Err: errors.New("empty reply")}
	}
	return reply, nil
}

func (a *Assistant) AnalyzeMedia(ctx context.Context, data []byte, hint string) (string, error) {
	mp, ok := a.provider.(MediaProvider)
	if !ok {
		return "", &GenerationError{Provider: a.name, Op: "analyze", Err: ErrMediaUnsupported}
	}
	prompt := hint
	if prompt == "" {
		prompt = defaultMediaPrompt
	}
	out, err := mp.Analyze(ctx, data, prompt)
	if err != nil {
		return "", &GenerationError{Provider: a.name, Op: "analyze", Err: err}
	}
	return out, nil
}
