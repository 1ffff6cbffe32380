package providers

import "context"

type Message struct {
	Role    string
	Content string
}

// Role selects which model configuration backs a call. The intent classifier
// runs on a cheap, low-latency model; the patch generator on a higher
// capability one. Either can be swapped without touching the engine.
type Role string

const (
	RoleClassifier Role = "classifier"
	RoleGenerator  Role = "generator"
)

type Provider interface {
	// Chat returns free-form text for the given role and messages.
	Chat(ctx context.Context, role Role, messages []Message) (string, error)
	// ChatJSON constrains the response to a single JSON object. Both engine
	// round-trips use this; free text from the generator is a hard failure.
	ChatJSON(ctx context.Context, role Role, messages []Message) (string, error)
	Name() string
}
