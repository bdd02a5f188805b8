package provider

import "context"

type ChatPayload struct {
	System    string
	User      string
	MaxTokens int
	// Tag labels the call in the LLM dump log (usually the asset).
	Tag string
}

// ModelProvider is one configured chat model.
type ModelProvider interface {
	ID() string
	Enabled() bool

	Call(ctx context.Context, payload ChatPayload) (string, error)
}
