// internal/llmclient/scripted.go
package llmclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarrylabs/agentcore/api/schemas"
)

// Scripted is a StreamClient that replays canned responses in order. It
// exists for tests and offline development; each Stream or Generate call
// consumes the next response.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	// ChunkSize splits streamed responses to exercise incremental parsing;
	// zero streams each response as a single chunk.
	ChunkSize int
	// Requests records every request received, in order.
	Requests []schemas.GenerationRequest
}

func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

var _ schemas.StreamClient = (*Scripted)(nil)

func (s *Scripted) next(req schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted client exhausted after %d requests", len(s.Requests))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *Scripted) Stream(ctx context.Context, req schemas.GenerationRequest) (<-chan schemas.StreamChunk, error) {
	resp, err := s.next(req)
	if err != nil {
		return nil, err
	}

	out := make(chan schemas.StreamChunk)
	go func() {
		defer close(out)
		size := s.ChunkSize
		if size <= 0 {
			size = len(resp)
		}
		for i := 0; i < len(resp); i += size {
			end := i + size
			if end > len(resp) {
				end = len(resp)
			}
			select {
			case out <- schemas.StreamChunk{Text: resp[i:end]}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- schemas.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *Scripted) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	return s.next(req)
}
