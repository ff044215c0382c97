package pipeline

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/c360/semrecall/config"
	semerrors "github.com/c360/semrecall/errors"
)

// Chunk is one unit of a streamed answer. Err is set on at most the final
// chunk; a chunk never carries both content and an error.
type Chunk struct {
	Content string
	Err     error
}

// Generator produces a streamed answer from a system and user prompt. The
// returned channel is closed when the stream ends, whether normally or
// after an error chunk.
type Generator interface {
	Stream(ctx context.Context, system, user string) (<-chan Chunk, error)
}

// OpenAIGenerator streams chat completions from an OpenAI-compatible
// endpoint.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIGenerator builds a generator from the generation config.
func NewOpenAIGenerator(cfg config.GenerationConfig) (*OpenAIGenerator, error) {
	if cfg.BaseURL == "" {
		return nil, semerrors.WrapInvalid(semerrors.ErrMissingConfig,
			"Generator", "NewOpenAIGenerator", "base url is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Stream opens a completion stream and relays deltas. Transport failures
// before the first token are returned synchronously; later failures arrive
// as a final error chunk.
func (g *OpenAIGenerator) Stream(ctx context.Context, system, user string) (<-chan Chunk, error) {
	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, semerrors.WrapTransient(err, "Generator", "Stream", "open completion stream")
	}

	out := make(chan Chunk)

	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}

			select {
			case out <- Chunk{Content: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
