package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrecall/config"
	"github.com/c360/semrecall/errors"
)

// completionServer fakes an OpenAI-compatible streaming chat endpoint
func completionServer(t *testing.T, parts []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range parts {
			fmt.Fprintf(w,
				"data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n",
				part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIGenerator_Stream(t *testing.T) {
	server := completionServer(t, []string{"Hello", " world"})
	defer server.Close()

	gen, err := NewOpenAIGenerator(config.GenerationConfig{
		BaseURL:     server.URL + "/v1",
		Model:       "deepseek-chat",
		Temperature: 0.3,
	})
	require.NoError(t, err)

	stream, err := gen.Stream(context.Background(), "system", "user")
	require.NoError(t, err)

	var got string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		got += chunk.Content
	}
	assert.Equal(t, "Hello world", got)
}

func TestOpenAIGenerator_StartFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen, err := NewOpenAIGenerator(config.GenerationConfig{
		BaseURL: server.URL + "/v1",
		Model:   "deepseek-chat",
	})
	require.NoError(t, err)

	_, err = gen.Stream(context.Background(), "system", "user")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestNewOpenAIGenerator_RequiresBaseURL(t *testing.T) {
	_, err := NewOpenAIGenerator(config.GenerationConfig{})
	assert.True(t, errors.IsInvalid(err))
}
