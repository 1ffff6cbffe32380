package providers

import (
	"context"
	"fmt"
	"strings"
)

// LocalProvider is an offline stub used by tests and by explicit opt-in
// (PATCHLINE_LOCAL_PROVIDER=1). It echoes the last message and answers every
// JSON-constrained call with an empty object, which the engine treats as a
// parse fallback (classifier) or a parse failure (generator).
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (l *LocalProvider) Chat(ctx context.Context, role Role, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	last := messages[len(messages)-1].Content
	return "[local-stub] " + strings.TrimSpace(last), nil
}

func (l *LocalProvider) ChatJSON(ctx context.Context, role Role, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	return "{}", nil
}

func (l *LocalProvider) Name() string {
	return "local"
}
