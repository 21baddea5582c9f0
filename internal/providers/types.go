// Package providers hosts the model provider adapters and the strict
// JSON reply contracts used by every component that calls a model.
//
// Each adapter satisfies Invoker. Callers never import an SDK directly;
// they hold an Invoker and let the factory pick the adapter from the AI
// config. Errors crossing the Invoker boundary are *ProviderError so
// retry decisions can be made on the classified reason.
package providers

import "context"

// DefaultMaxTokens bounds a completion when the request does not say
// otherwise.
const DefaultMaxTokens = 1024

// Invoker is the single call surface every provider adapter implements.
//
// Implementations must be safe for concurrent use.
type Invoker interface {
	// Invoke sends one completion request and returns the final
	// aggregated response. With Stream set and OnToken non-nil,
	// partial text is delivered through the callback as it arrives;
	// the Response still carries the full text.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider key ("openai", "anthropic", ...).
	Name() string
}

// Request carries one completion call.
type Request struct {
	// Model is the provider-side model identifier. Adapters treat an
	// empty model as a hard error; routing resolves it first.
	Model string

	// System is the system prompt, empty for none.
	System string

	// Prompt is the user turn.
	Prompt string

	// MaxTokens caps the reply length; 0 means DefaultMaxTokens.
	MaxTokens int

	// Stream selects the provider's streaming transport when the
	// adapter supports one. Tokens are preview-only; callers persist
	// nothing until the final text is back.
	Stream bool

	// OnToken receives partial text during a streaming call. It is
	// invoked from the adapter's goroutine and must not block.
	OnToken func(token string)
}

// Response is the final result of a completion call.
type Response struct {
	// Text is the full aggregated reply.
	Text string

	// Model echoes the model that actually served the call when the
	// provider reports one.
	Model string

	// InputTokens and OutputTokens carry usage when the provider
	// reports it, zero otherwise.
	InputTokens  int
	OutputTokens int
}

// emit forwards a token to the callback when streaming is active.
func (r Request) emit(token string) {
	if r.OnToken != nil && token != "" {
		r.OnToken(token)
	}
}

// maxTokens returns the effective completion cap.
func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}
