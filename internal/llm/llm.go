// Package llm defines the narrow contract the core uses to talk to LLM
// providers. Concrete HTTP clients live outside the core and supply their
// own retry, timeout, and caching; the core never retries LLM calls.
package llm

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation call. Either Prompt or Messages is set.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
}

// Provider is implemented by external LLM adapters.
type Provider interface {
	GenerateText(ctx context.Context, req Request) (string, error)
	GenerateEmbeddings(ctx context.Context, text string) ([]float64, error)
}
