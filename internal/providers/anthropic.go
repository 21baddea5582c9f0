package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic adapts the Messages API. The system prompt travels in the
// dedicated System field, never in the messages array.
type Anthropic struct {
	client     anthropic.Client
	configured bool
}

// NewAnthropic builds the adapter. An empty key is allowed; Invoke
// fails with ReasonAuth until a key is configured.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if apiKey == "" {
		return &Anthropic{}
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client:     anthropic.NewClient(opts...),
		configured: true,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Invoke implements Invoker.
func (p *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	if !p.configured {
		return nil, &ProviderError{
			Reason:   ReasonAuth,
			Provider: p.Name(),
			Model:    req.Model,
			Message:  "api key not configured",
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.maxTokens()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if req.Stream {
		return p.invokeStream(ctx, params, req)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrap(req.Model, err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func (p *Anthropic) invokeStream(ctx context.Context, params anthropic.MessageNewParams, req Request) (*Response, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	out := &Response{Model: req.Model}
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			out.InputTokens = int(start.Message.Usage.InputTokens)
			if start.Message.Model != "" {
				out.Model = string(start.Message.Model)
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				text.WriteString(delta.Text)
				req.emit(delta.Text)
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				out.OutputTokens = int(delta.Usage.OutputTokens)
			}
		case "message_stop":
			out.Text = text.String()
			return out, nil
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrap(req.Model, err)
	}
	out.Text = text.String()
	return out, nil
}

func (p *Anthropic) wrap(model string, err error) error {
	pe := NewProviderError(p.Name(), model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.StatusCode)
	}
	return pe
}
