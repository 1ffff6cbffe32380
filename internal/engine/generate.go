package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/llm"
	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
)

// Generator turns minimized records plus the instruction into a candidate
// patch list with one round-trip to the higher-capability model. Unlike the
// classifier it has no permissive fallback: a response that cannot be parsed
// deterministically surfaces as GenerationParseError, because guessing
// patches is unsafe.
type Generator struct {
	provider llm.Provider
}

func NewGenerator(provider llm.Provider) *Generator {
	return &Generator{provider: provider}
}

// CandidatePatch is a model-proposed edit before validation. Previous is
// absent on purpose; pre-images come from engine-held record state, never
// from the model.
type CandidatePatch struct {
	ID      string                 `json:"id"`
	Updates map[string]interface{} `json:"updates"`
}

// GenerationResult is the parsed generator response.
type GenerationResult struct {
	Status              string           `json:"status"`
	Patches             []CandidatePatch `json:"patches"`
	TriggerRegeneration bool             `json:"trigger_regeneration"`
	Summary             string           `json:"summary"`
	Clarification       string           `json:"clarification"`
}

// Generator statuses. The dialogue state machine maps these onto terminal
// outcomes after validation.
const (
	genStatusSuccess   = "success"
	genStatusNoChanges = "no_changes"
	genStatusAmbiguous = "ambiguous"
)

// GenerateInput carries everything one generation call needs. Schema and
// Records are the scoped projections for the modification path and the full
// set for the confirmation path.
type GenerateInput struct {
	Instruction     string
	Schema          schema.Schema
	Records         []record.Record
	History         []DialogueTurn
	CatalogGuidance string
}

func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*GenerationResult, error) {
	logger := common.Logger()
	prompt, err := buildGeneratorPrompt(in.Instruction, in.Schema, in.Records, in.CatalogGuidance)
	if err != nil {
		return nil, fmt.Errorf("build generator prompt: %w", err)
	}
	messages := []llm.Message{{Role: "system", Content: generatorSystemPrompt}}
	messages = append(messages, historyMessages(in.History)...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	logger.Debug("generator: requesting patches", "records", len(in.Records), "fields", in.Schema.Len())
	raw, err := g.provider.ChatJSON(ctx, llm.RoleGenerator, messages)
	if err != nil {
		return nil, fmt.Errorf("generation call: %w", err)
	}
	result, err := parseGenerationResult(raw)
	if err != nil {
		logger.Error("generator: response rejected", "error", err)
		return nil, err
	}
	logger.Info("generator: response parsed", "status", result.Status, "patches", len(result.Patches))
	return result, nil
}

func parseGenerationResult(raw string) (*GenerationResult, error) {
	var result GenerationResult
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &result); err != nil {
		return nil, &GenerationParseError{Raw: raw, Err: err}
	}
	switch strings.ToLower(strings.TrimSpace(result.Status)) {
	case genStatusSuccess:
		result.Status = genStatusSuccess
	case genStatusNoChanges, "nochange", "no_change":
		result.Status = genStatusNoChanges
	case genStatusAmbiguous:
		result.Status = genStatusAmbiguous
	default:
		return nil, &GenerationParseError{Raw: raw, Err: fmt.Errorf("unknown status %q", result.Status)}
	}
	return &result, nil
}
