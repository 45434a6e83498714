// Package provider defines the text-generation capability the session
// actor invokes, plus the OpenAI-backed implementation.
package provider

import "context"

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// Generator produces an assistant reply from a conversation.
// Implementations block until the reply is complete; the actor treats
// generation as a single synchronous capability.
type Generator interface {
	// Generate returns the assistant's reply for the given messages.
	Generate(ctx context.Context, messages []Message) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, messages []Message) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}
