// internal/llmclient/gemini.go
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
)

// GeminiClient implements schemas.StreamClient against the Gemini REST API.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.LLMConfig
	runtime    config.RuntimeConfig
}

// -- Gemini API Request/Response Structures (Internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.LLMConfig, rt config.RuntimeConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	}

	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &GeminiClient{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(endpoint, "/"),
		config:   cfg,
		runtime:  rt,
		limiter:  rate.NewLimiter(limit, burst),
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("llmclient.gemini"),
	}, nil
}

var _ schemas.StreamClient = (*GeminiClient)(nil)

// Stream opens an SSE response and forwards text deltas on the returned
// channel. Connection errors retry with backoff; once the first byte has
// streamed, a failure surfaces as the final chunk's Err instead, because the
// caller may already have consumed partial output.
func (c *GeminiClient) Stream(ctx context.Context, req schemas.GenerationRequest) (<-chan schemas.StreamChunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", c.endpoint, c.model(req))

	var resp *http.Response
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		r, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error opening LLM stream, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(r.Body)
			r.Body.Close()
			return c.handleAPIError(r.StatusCode, respBody)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return nil, err
	}

	out := make(chan schemas.StreamChunk)
	go c.consumeSSE(ctx, resp, out)
	return out, nil
}

// consumeSSE reads "data:" lines until the server closes the stream.
func (c *GeminiClient) consumeSSE(ctx context.Context, resp *http.Response, out chan<- schemas.StreamChunk) {
	defer close(out)
	defer resp.Body.Close()

	started := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var totalTokens int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.send(ctx, out, schemas.StreamChunk{Err: fmt.Errorf("failed to decode stream event: %w", err)})
			return
		}
		if payload.UsageMetadata.TotalTokenCount > 0 {
			totalTokens = payload.UsageMetadata.TotalTokenCount
		}
		if len(payload.Candidates) == 0 {
			continue
		}
		for _, part := range payload.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if !c.send(ctx, out, schemas.StreamChunk{Text: part.Text}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.send(ctx, out, schemas.StreamChunk{Err: fmt.Errorf("stream read failed: %w", err)})
		return
	}

	c.logger.Info("LLM stream complete (Gemini)",
		zap.Duration("duration", time.Since(started)),
		zap.Int("total_tokens", totalTokens),
	)
	c.send(ctx, out, schemas.StreamChunk{Done: true})
}

func (c *GeminiClient) send(ctx context.Context, out chan<- schemas.StreamChunk, chunk schemas.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Generate is the buffered form: it drains a stream and concatenates the
// text deltas.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	chunks, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini API returned no content")
	}
	return b.String(), nil
}

func (c *GeminiClient) model(req schemas.GenerationRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.config.Model
}

// newBackOff applies the configured retry budget: the initial interval comes
// from runtime.llm_retry_backoff and the attempt count from
// runtime.llm_retries.
func (c *GeminiClient) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if c.runtime.LLMRetryBackoff > 0 {
		b.InitialInterval = c.runtime.LLMRetryBackoff
	}
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // bounded by the retry count, not wall time

	retries := c.runtime.LLMRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) geminiRequestPayload {
	genConfig := geminiGenerationConfig{
		Temperature:     float64(req.Options.Temperature),
		MaxOutputTokens: req.Options.MaxOutputTokens,
	}
	if genConfig.MaxOutputTokens == 0 {
		genConfig.MaxOutputTokens = c.config.MaxTokens
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMimeType = "application/json"
	}

	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, msg := range req.History {
		role := msg.Role
		if role != "model" {
			role = "user"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.UserPrompt}},
	})

	payload := geminiRequestPayload{
		Contents:         contents,
		GenerationConfig: genConfig,
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiSystemInstruction{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	return payload
}

func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}
