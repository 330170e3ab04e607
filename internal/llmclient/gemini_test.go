// internal/llmclient/gemini_test.go
package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	json "github.com/json-iterator/go"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
)

func testLLMConfig(endpoint string) config.LLMConfig {
	return config.LLMConfig{
		Provider:      "gemini",
		Model:         "gemini-2.5-pro",
		APIKey:        "test-key",
		Endpoint:      endpoint,
		APITimeout:    5 * time.Second,
		MaxTokens:     1024,
		RatePerSecond: 0, // unlimited in tests
	}
}

func testRuntimeConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		LLMRetries:      3,
		LLMRetryBackoff: time.Millisecond,
	}
}

func sseEvent(texts ...string) string {
	payload := geminiResponsePayload{}
	payload.Candidates = []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	}{{}}
	for _, text := range texts {
		payload.Candidates[0].Content.Parts = append(payload.Candidates[0].Content.Parts, geminiPart{Text: text})
	}
	data, _ := json.MarshalToString(payload)
	return "data: " + data + "\n\n"
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(config.LLMConfig{}, testRuntimeConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestStream_DeliversDeltas(t *testing.T) {
	var gotPath string
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent("Hello, "))
		fmt.Fprint(w, sseEvent("world"))
	}))
	defer server.Close()

	client, err := NewGeminiClient(testLLMConfig(server.URL), testRuntimeConfig(), zap.NewNop())
	require.NoError(t, err)

	chunks, err := client.Stream(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)

	var texts []string
	var done bool
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			done = true
			continue
		}
		texts = append(texts, chunk.Text)
	}

	assert.Equal(t, []string{"Hello, ", "world"}, texts)
	assert.True(t, done, "the stream ends with a Done chunk")
	assert.Equal(t, "/gemini-2.5-pro:streamGenerateContent?alt=sse", gotPath)
	assert.Equal(t, "test-key", gotKey)
}

func TestStream_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, sseEvent("recovered"))
	}))
	defer server.Close()

	client, err := NewGeminiClient(testLLMConfig(server.URL), testRuntimeConfig(), zap.NewNop())
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStream_RetryCountComesFromConfig(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rt := config.RuntimeConfig{LLMRetries: 2, LLMRetryBackoff: time.Millisecond}
	client, err := NewGeminiClient(testLLMConfig(server.URL), rt, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "one initial attempt plus the configured retries")
}

func TestStream_PermanentErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "bad request"}`)
	}))
	defer server.Close()

	client, err := NewGeminiClient(testLLMConfig(server.URL), testRuntimeConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate_EmptyResponseIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A stream that closes without any candidate text.
	}))
	defer server.Close()

	client, err := NewGeminiClient(testLLMConfig(server.URL), testRuntimeConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content")
}

func TestBuildRequestPayload(t *testing.T) {
	client, err := NewGeminiClient(testLLMConfig("http://unused"), testRuntimeConfig(), zap.NewNop())
	require.NoError(t, err)

	payload := client.buildRequestPayload(schemas.GenerationRequest{
		SystemPrompt: "be helpful",
		UserPrompt:   "next step",
		History: []schemas.ChatMessage{
			{Role: "user", Content: "first"},
			{Role: "model", Content: "reply"},
		},
		Options: schemas.GenerationOptions{Temperature: 0.4, ForceJSONFormat: true},
	})

	require.Len(t, payload.Contents, 3)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, "model", payload.Contents[1].Role)
	assert.Equal(t, "next step", payload.Contents[2].Parts[0].Text)
	require.NotNil(t, payload.SystemInstruction)
	assert.Equal(t, "be helpful", payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
	assert.InDelta(t, 0.4, payload.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 1024, payload.GenerationConfig.MaxOutputTokens, "falls back to the configured cap")
}

func TestFactory(t *testing.T) {
	client, err := New(testLLMConfig("http://unused"), testRuntimeConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = New(config.LLMConfig{Provider: "martian"}, testRuntimeConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestScripted(t *testing.T) {
	s := NewScripted("first response", "second")
	s.ChunkSize = 5

	chunks, err := s.Stream(context.Background(), schemas.GenerationRequest{UserPrompt: "a"})
	require.NoError(t, err)

	var texts []string
	for chunk := range chunks {
		if !chunk.Done {
			texts = append(texts, chunk.Text)
		}
	}
	assert.Equal(t, []string{"first", " resp", "onse"}, texts)

	out, err := s.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "b"})
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	_, err = s.Generate(context.Background(), schemas.GenerationRequest{})
	assert.Error(t, err, "the script is exhausted")
	require.Len(t, s.Requests, 3)
	assert.Equal(t, "a", s.Requests[0].UserPrompt)
}
