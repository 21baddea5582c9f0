package providers

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI adapts the chat completions API. A custom base URL points the
// same wire format at a compatible gateway.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds the adapter. An empty key is allowed so configuration
// can arrive later; Invoke fails with ReasonAuth until it does.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	p := &OpenAI{}
	if apiKey == "" {
		return p
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *OpenAI) Name() string { return "openai" }

// Invoke implements Invoker.
func (p *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	if p.client == nil {
		return nil, &ProviderError{
			Reason:   ReasonAuth,
			Provider: p.Name(),
			Model:    req.Model,
			Message:  "api key not configured",
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.maxTokens(),
		Messages:  p.messages(req),
	}
	if req.Stream {
		return p.invokeStream(ctx, chatReq, req)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrap(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.Name(), req.Model, errors.New("response carried no choices"))
	}
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (p *OpenAI) invokeStream(ctx context.Context, chatReq openai.ChatCompletionRequest, req Request) (*Response, error) {
	chatReq.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrap(req.Model, err)
	}
	defer stream.Close()

	var text strings.Builder
	out := &Response{Model: req.Model}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, p.wrap(req.Model, err)
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			text.WriteString(delta)
			req.emit(delta)
		}
	}
	out.Text = text.String()
	return out, nil
}

// messages renders the system prompt as a leading system message, the
// way this API wants it.
func (p *OpenAI) messages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return msgs
}

func (p *OpenAI) wrap(model string, err error) error {
	pe := NewProviderError(p.Name(), model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			pe.WithMessage(apiErr.Message)
		}
	}
	return pe
}
