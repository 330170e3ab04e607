// api/schemas/llm.go
package schemas

import "context"

// ChatMessage is one turn of conversation history sent to the model.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "model"
	Content string `json:"content"`
}

// GenerationOptions tune a single model call.
type GenerationOptions struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	ForceJSONFormat bool    `json:"force_json_format,omitempty"`
}

// GenerationRequest is the provider-independent input to a model call.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	History      []ChatMessage     `json:"history,omitempty"`
	UserPrompt   string            `json:"user_prompt"`
	Model        string            `json:"model,omitempty"`
	Options      GenerationOptions `json:"options,omitempty"`
}

// StreamChunk is one element of a streamed model response. Err is set on a
// transport failure, which is distinct from model-produced error text; a
// chunk with Err != nil is always the last chunk on the channel.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// StreamClient is the LLM transport contract. Stream returns a channel of
// chunks that is closed when the response ends; cancelling ctx cancels the
// call. Generate is the buffered convenience form.
type StreamClient interface {
	Stream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error)
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}
