package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promohive/promohive/internal/errs"
)

func TestGenerateText(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "a blog post"}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, "gpt-4o-mini")
	text, err := c.GenerateText(context.Background(), Request{Prompt: "write"})
	require.NoError(t, err)
	assert.Equal(t, "a blog post", text)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])

	// A bare prompt becomes a single user message.
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestGenerateTextNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, "")
	_, err := c.GenerateText(context.Background(), Request{Prompt: "write"})
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
}

func TestGenerateEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, "")
	vec, err := c.GenerateEmbeddings(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, vec)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   errs.Kind
	}{
		{http.StatusUnauthorized, errs.KindUnauthorized},
		{http.StatusForbidden, errs.KindUnauthorized},
		{http.StatusTooManyRequests, errs.KindTransient},
		{http.StatusBadGateway, errs.KindTransient},
		{http.StatusBadRequest, errs.KindInternal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewOpenAIClient("sk-test", srv.URL, "")
		_, err := c.GenerateText(context.Background(), Request{Prompt: "write"})
		assert.Equal(t, tc.want, errs.KindOf(err), "HTTP %d", tc.status)
		srv.Close()
	}
}

func TestDefaults(t *testing.T) {
	c := NewOpenAIClient("sk-test", "", "")
	assert.Equal(t, "https://api.openai.com/v1", c.APIBase)
	assert.Equal(t, "gpt-4o-mini", c.Model)
}
