package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/sollol/sollol/api"
)

// Client translates Ollama-shaped requests into the OpenAI dialect
// llama-server speaks on /v1 and maps the answers back.
type Client struct {
	oai *openai.Client
}

// NewClient dials the coordinator at addr ("host:port"). llama-server
// does not check the bearer token, so none is sent.
func NewClient(addr string) *Client {
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = "http://" + addr + "/v1"
	return &Client{oai: openai.NewClientWithConfig(cfg)}
}

// Chat runs a chat completion through the sharded model.
func (c *Client) Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	start := time.Now()
	resp, err := c.oai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("coordinator chat: empty response")
	}

	choice := resp.Choices[0]
	return &api.ChatResponse{
		Model:      req.Model,
		CreatedAt:  time.Now().UTC(),
		Message:    api.Message{Role: choice.Message.Role, Content: choice.Message.Content},
		Done:       true,
		DoneReason: string(choice.FinishReason),
		Metrics: api.Metrics{
			TotalDuration:   time.Since(start),
			PromptEvalCount: resp.Usage.PromptTokens,
			EvalCount:       resp.Usage.CompletionTokens,
		},
	}, nil
}

// Generate runs a plain completion through the sharded model.
func (c *Client) Generate(ctx context.Context, req *api.GenerateRequest) (*api.GenerateResponse, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}

	start := time.Now()
	resp, err := c.oai.CreateCompletion(ctx, openai.CompletionRequest{
		Model:  req.Model,
		Prompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("coordinator generate: empty response")
	}

	choice := resp.Choices[0]
	return &api.GenerateResponse{
		Model:      req.Model,
		CreatedAt:  time.Now().UTC(),
		Response:   choice.Text,
		Done:       true,
		DoneReason: string(choice.FinishReason),
		Metrics: api.Metrics{
			TotalDuration:   time.Since(start),
			PromptEvalCount: resp.Usage.PromptTokens,
			EvalCount:       resp.Usage.CompletionTokens,
		},
	}, nil
}

// Embed computes embeddings through the sharded model.
func (c *Client) Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error) {
	inputs, err := req.InputStrings()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.oai.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Model: openai.EmbeddingModel(req.Model),
		Input: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator embed: %w", err)
	}

	embeddings := make([][]float32, 0, len(resp.Data))
	for _, d := range resp.Data {
		embeddings = append(embeddings, d.Embedding)
	}

	return &api.EmbedResponse{
		Model:           req.Model,
		CreatedAt:       time.Now().UTC(),
		Embeddings:      embeddings,
		TotalDuration:   time.Since(start),
		PromptEvalCount: resp.Usage.PromptTokens,
	}, nil
}
