package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/llm"
	"github.com/ordercraft/patchline/internal/schema"
)

// Classifier turns an instruction plus the live schema into a structured
// Intent with one round-trip to the fast model. It always returns a
// structurally valid Intent: a downstream call with an over-wide scope is
// safer than an unhandled fault in a conversational flow, so parse failures
// fall back to a permissive default instead of propagating.
type Classifier struct {
	provider llm.Provider
}

func NewClassifier(provider llm.Provider) *Classifier {
	return &Classifier{provider: provider}
}

// intentPayload is the raw classifier response before schema validation.
type intentPayload struct {
	Category          string           `json:"category"`
	TargetFields      []string         `json:"target_fields"`
	ContextFields     []string         `json:"context_fields"`
	AllRows           *bool            `json:"all_rows"`
	Filter            *FilterCondition `json:"filter"`
	RecalculateFields []string         `json:"recalculate_fields"`
	Clarification     string           `json:"clarification"`
}

func (c *Classifier) Classify(ctx context.Context, instruction string, sch schema.Schema, history []DialogueTurn) Intent {
	logger := common.Logger()
	instruction = strings.TrimSpace(instruction)

	// Confirmation phrases resolve from conversation history, not from the
	// current utterance, so they are detected locally before any field
	// matching and never reach the ambiguous path.
	if isConfirmationPhrase(instruction) {
		logger.Debug("classifier: confirmation phrase detected locally", "instruction", instruction)
		return Intent{Category: CategoryConfirmation, AllRows: true}
	}

	prompt, err := buildClassifierPrompt(instruction, sch)
	if err != nil {
		logger.Error("classifier: prompt build failed, using fallback intent", "error", err)
		return fallbackIntent(sch)
	}
	messages := []llm.Message{{Role: "system", Content: classifierSystemPrompt}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	raw, err := c.provider.ChatJSON(ctx, llm.RoleClassifier, messages)
	if err != nil {
		logger.Warn("classifier: inference failed, using fallback intent", "error", err)
		return fallbackIntent(sch)
	}
	var payload intentPayload
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &payload); err != nil {
		logger.Warn("classifier: unparseable response, using fallback intent", "error", err)
		return fallbackIntent(sch)
	}
	intent := c.normalize(payload, instruction, sch)
	logger.Info("classifier: intent resolved",
		"category", string(intent.Category),
		"target_fields", intent.TargetFields,
		"context_fields", intent.ContextFields,
		"all_rows", intent.AllRows,
		"filtered", intent.Filter != nil)
	return intent
}

// normalize validates the raw payload against the schema and applies the
// category precedence rules.
func (c *Classifier) normalize(payload intentPayload, instruction string, sch schema.Schema) Intent {
	logger := common.Logger()
	intent := Intent{
		TargetFields:      normalizeKeys(payload.TargetFields, sch),
		ContextFields:     normalizeKeys(payload.ContextFields, sch),
		RecalculateFields: normalizeKeys(payload.RecalculateFields, sch),
		Clarification:     strings.TrimSpace(payload.Clarification),
		AllRows:           true,
	}
	if payload.AllRows != nil {
		intent.AllRows = *payload.AllRows
	}
	switch Category(strings.ToLower(strings.TrimSpace(payload.Category))) {
	case CategoryQuestion:
		intent.Category = CategoryQuestion
	case CategoryConfirmation:
		intent.Category = CategoryConfirmation
	case CategoryRecalculate:
		intent.Category = CategoryRecalculate
	case CategoryAmbiguous:
		intent.Category = CategoryAmbiguous
	default:
		intent.Category = CategoryModification
	}
	if payload.Filter != nil {
		intent.Filter = normalizeFilter(*payload.Filter, sch)
	}

	// An instruction that assigns a concrete value is a modification even
	// when a recalculation verb rides along; the recompute clause loses.
	if intent.Category == CategoryRecalculate && hasAssignment(instruction) {
		logger.Debug("classifier: assignment beats recalculation, reclassifying as modification")
		intent.Category = CategoryModification
		if len(intent.TargetFields) == 0 {
			intent.TargetFields = intent.RecalculateFields
		}
		intent.RecalculateFields = nil
	}
	if intent.Category == CategoryRecalculate && len(intent.RecalculateFields) == 0 {
		// Some models put the regeneration targets in target_fields.
		intent.RecalculateFields = intent.TargetFields
	}
	// A confirmation mislabelled as ambiguous would stall the conversation;
	// the local phrase check wins.
	if intent.Category == CategoryAmbiguous && isConfirmationPhrase(instruction) {
		intent.Category = CategoryConfirmation
		intent.Clarification = ""
	}
	return intent
}

// fallbackIntent is the permissive default when the classifier response
// cannot be used: include every field, treat the turn as a modification and
// let the generator sort it out.
func fallbackIntent(sch schema.Schema) Intent {
	return Intent{
		TargetFields: sch.Keys(),
		Category:     CategoryModification,
		AllRows:      true,
	}
}

func normalizeKeys(keys []string, sch schema.Schema) []string {
	logger := common.Logger()
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		canonical, ok := sch.Normalize(key)
		if !ok {
			logger.Debug("classifier: dropping unknown field key", "key", key)
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

func normalizeFilter(filter FilterCondition, sch schema.Schema) *FilterCondition {
	logger := common.Logger()
	canonical, ok := sch.Normalize(filter.Field)
	if !ok {
		logger.Debug("classifier: dropping filter on unknown field", "field", filter.Field)
		return nil
	}
	op, ok := normalizeOperator(filter.Operator)
	if !ok {
		logger.Debug("classifier: dropping filter with unknown operator", "operator", filter.Operator)
		return nil
	}
	return &FilterCondition{Field: canonical, Operator: op, Value: filter.Value}
}

func normalizeOperator(op string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "equals", "eq", "=", "==":
		return OpEquals, true
	case "contains":
		return OpContains, true
	case "startswith", "starts_with":
		return OpStartsWith, true
	case "endswith", "ends_with":
		return OpEndsWith, true
	}
	return "", false
}

var confirmationPhrases = map[string]struct{}{
	"yes":              {},
	"y":                {},
	"yep":              {},
	"yeah":             {},
	"yes please":       {},
	"ok":               {},
	"okay":             {},
	"sure":             {},
	"do it":            {},
	"go ahead":         {},
	"proceed":          {},
	"confirm":          {},
	"confirmed":        {},
	"apply":            {},
	"apply it":         {},
	"apply that":       {},
	"apply the change": {},
	"make the change":  {},
	"that's right":     {},
	"correct":          {},
	"sounds good":      {},
	"looks good":       {},
}

func isConfirmationPhrase(instruction string) bool {
	normalized := strings.ToLower(strings.TrimSpace(instruction))
	normalized = strings.TrimRight(normalized, ".!,")
	_, ok := confirmationPhrases[normalized]
	return ok
}

var assignmentPattern = regexp.MustCompile(`(?i)\b(set|change|update|make|replace|rename)\b.+\bto\b\s+\S`)

// hasAssignment reports a direct value assignment in the instruction text,
// e.g. "set X to Y".
func hasAssignment(instruction string) bool {
	return assignmentPattern.MatchString(instruction)
}

// stripCodeFence removes a single surrounding markdown fence. A fenced JSON
// object is still deterministic output; anything beyond that is left to the
// JSON parser to reject.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
