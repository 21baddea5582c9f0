package providers

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// Gemini adapts the Gemini API through the genai SDK. The system prompt
// rides in the generation config as a system instruction.
type Gemini struct {
	client  *genai.Client
	initErr error
}

// NewGemini builds the adapter. Client construction needs no network
// round trip, but an empty key still defers failure to Invoke so the
// runtime can start without credentials.
func NewGemini(apiKey string) *Gemini {
	if apiKey == "" {
		return &Gemini{}
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	return &Gemini{client: client, initErr: err}
}

func (p *Gemini) Name() string { return "gemini" }

// Invoke implements Invoker.
func (p *Gemini) Invoke(ctx context.Context, req Request) (*Response, error) {
	if p.client == nil {
		if p.initErr != nil {
			return nil, NewProviderError(p.Name(), req.Model, p.initErr)
		}
		return nil, &ProviderError{
			Reason:   ReasonAuth,
			Provider: p.Name(),
			Model:    req.Model,
			Message:  "api key not configured",
		}
	}

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if n := req.maxTokens(); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}

	if req.Stream {
		return p.invokeStream(ctx, contents, cfg, req)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}
	out := &Response{Model: req.Model}
	var text strings.Builder
	collectGeminiText(resp, &text, nil)
	applyGeminiUsage(resp, out)
	out.Text = text.String()
	return out, nil
}

func (p *Gemini) invokeStream(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig, req Request) (*Response, error) {
	out := &Response{Model: req.Model}
	var text strings.Builder
	for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return nil, NewProviderError(p.Name(), req.Model, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, NewProviderError(p.Name(), req.Model, err)
		}
		if resp == nil {
			continue
		}
		collectGeminiText(resp, &text, req.emit)
		applyGeminiUsage(resp, out)
	}
	out.Text = text.String()
	return out, nil
}

func collectGeminiText(resp *genai.GenerateContentResponse, text *strings.Builder, emit func(string)) {
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			text.WriteString(part.Text)
			if emit != nil {
				emit(part.Text)
			}
		}
	}
}

func applyGeminiUsage(resp *genai.GenerateContentResponse, out *Response) {
	if resp.UsageMetadata == nil {
		return
	}
	if resp.UsageMetadata.PromptTokenCount > 0 {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
	}
	if resp.UsageMetadata.CandidatesTokenCount > 0 {
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
}
