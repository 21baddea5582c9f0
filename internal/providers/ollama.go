package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaURL is the local daemon address used when the config
// leaves base_url empty.
const DefaultOllamaURL = "http://localhost:11434"

// Ollama talks NDJSON to a local daemon's /api/chat endpoint. It needs
// no credential; only a reachable base URL.
type Ollama struct {
	baseURL string
	client  *http.Client
}

// NewOllama builds the adapter against baseURL, defaulting to the local
// daemon address.
func NewOllama(baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *Ollama) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	Model           string `json:"model"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
}

// Invoke implements Invoker. The daemon always answers as an NDJSON
// stream; with Stream unset we simply withhold the per-line callback.
func (p *Ollama) Invoke(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: req.Prompt})

	payload := ollamaRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
		Options:  map[string]any{"num_predict": req.maxTokens()},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewProviderError(p.Name(), req.Model,
			fmt.Errorf("daemon replied %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
			WithStatus(resp.StatusCode)
	}

	return p.drain(ctx, resp.Body, req)
}

func (p *Ollama) drain(ctx context.Context, body io.Reader, req Request) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var text strings.Builder
	out := &Response{Model: req.Model}
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, NewProviderError(p.Name(), req.Model, err)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, NewProviderError(p.Name(), req.Model, fmt.Errorf("decode response: %w", err))
		}
		if chunk.Error != "" {
			return nil, NewProviderError(p.Name(), req.Model, errors.New(chunk.Error))
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if req.Stream {
				req.emit(chunk.Message.Content)
			}
		}
		if chunk.Done {
			out.InputTokens = chunk.PromptEvalCount
			out.OutputTokens = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}
	out.Text = text.String()
	return out, nil
}
