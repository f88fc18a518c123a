package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promohive/promohive/internal/errs"
)

// OpenAIClient talks to any OpenAI-compatible endpoint (direct OpenAI,
// OpenRouter, DeepSeek, local gateways).
type OpenAIClient struct {
	APIKey     string
	APIBase    string
	Model      string
	HTTPClient *http.Client
}

// NewOpenAIClient creates a client; apiBase defaults to the OpenAI API.
func NewOpenAIClient(apiKey, apiBase, model string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		APIKey:     apiKey,
		APIBase:    apiBase,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// GenerateText sends one chat completion request.
func (c *OpenAIClient) GenerateText(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}
	messages := req.Messages
	if len(messages) == 0 {
		messages = []Message{{Role: "user", Content: req.Prompt}}
	}
	maxTokens := req.MaxTokens
	if maxTokens < 1 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}

	var out struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errs.New(errs.KindInternal, "llm returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// GenerateEmbeddings returns the embedding vector for the text.
func (c *OpenAIClient) GenerateEmbeddings(ctx context.Context, text string) ([]float64, error) {
	body := map[string]any{
		"model": "text-embedding-3-small",
		"input": text,
	}
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errs.New(errs.KindInternal, "llm returned no embedding")
	}
	return out.Data[0].Embedding, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errs.Newf(errs.KindInternal, "marshal request: %v", err)
	}
	endpoint := strings.TrimRight(c.APIBase, "/") + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return errs.Newf(errs.KindInternal, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return errs.From(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Newf(errs.KindTransient, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Newf(errs.KindUnauthorized, "llm rejected credentials (HTTP %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Newf(errs.KindTransient, "llm unavailable (HTTP %d): %s", resp.StatusCode, truncate(respBody))
	default:
		return errs.Newf(errs.KindInternal, "llm error (HTTP %d): %s", resp.StatusCode, truncate(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errs.Newf(errs.KindInternal, "decode response: %v", err)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
