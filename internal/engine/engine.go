package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/llm"
	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
	"github.com/ordercraft/patchline/internal/session"
)

// ErrEmptyInstruction reports a turn with no instruction text.
var ErrEmptyInstruction = errors.New("instruction required")

// Engine is the dialogue state machine. Each turn is stateless and
// synchronous: at most two sequential inference round-trips, no background
// work, and no mutation side effects until the modification path has fully
// validated its patches. The only mutable state it holds is the session
// ledger.
type Engine struct {
	classifier *Classifier
	generator  *Generator
	provider   llm.Provider
	records    RecordStore
	schemas    SchemaSource
	guidance   GuidanceSource
	ledger     *session.Ledger
}

// New wires the engine. guidance may be nil when no catalog tables exist.
func New(provider llm.Provider, records RecordStore, schemas SchemaSource, guidance GuidanceSource, ledger *session.Ledger) *Engine {
	return &Engine{
		classifier: NewClassifier(provider),
		generator:  NewGenerator(provider),
		provider:   provider,
		records:    records,
		schemas:    schemas,
		guidance:   guidance,
		ledger:     ledger,
	}
}

// Turn processes one instruction and returns a terminal outcome. Inference
// or store failures abort the turn with an error; because no session is
// recorded until patches are validated and applied, an aborted turn has no
// side effects.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	logger := common.Logger()
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, ErrEmptyInstruction
	}
	sch, err := e.schemas.FetchSchema(ctx, req.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("fetch schema: %w", err)
	}
	if sch.Len() == 0 {
		return nil, fmt.Errorf("profile %q has no fields", req.ProfileID)
	}
	records, err := e.records.FetchRecords(ctx, req.ProfileID, req.RecordIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	logger.Info("engine: turn started", "profile_id", req.ProfileID, "records", len(records), "instruction_length", len(instruction))

	intent := e.classifier.Classify(ctx, instruction, sch, req.History)
	switch intent.Category {
	case CategoryAmbiguous:
		return ambiguousResult(intent.Clarification), nil
	case CategoryQuestion:
		return e.answerQuestion(ctx, req, instruction, sch, records)
	case CategoryRecalculate:
		return recalculateResult(intent, records), nil
	case CategoryConfirmation:
		// Confirmations resolve from prior turns, so the generator gets the
		// full schema and record set. Scoping this path was observed to lose
		// the context the confirmation refers to; keep it unscoped.
		return e.generateAndApply(ctx, req, instruction, sch, sch, records, records)
	default:
		scopedSchema, scopedRecords := ScopeRecords(intent, sch, records)
		return e.generateAndApply(ctx, req, instruction, sch, scopedSchema, records, scopedRecords)
	}
}

func (e *Engine) answerQuestion(ctx context.Context, req TurnRequest, instruction string, sch schema.Schema, records []record.Record) (*TurnResult, error) {
	logger := common.Logger()
	if !req.AllowQuestions {
		logger.Info("engine: question declined, mode not enabled")
		return &TurnResult{
			Status:  StatusQuestion,
			Summary: "That looks like a question about the data. Enable question mode (allow_questions) and ask again to get an answer.",
		}, nil
	}
	// Analytical questions are unpredictable, so the scoper is bypassed and
	// the model sees the full schema and record set.
	prompt, err := buildQuestionPrompt(instruction, sch, records)
	if err != nil {
		return nil, fmt.Errorf("build question prompt: %w", err)
	}
	messages := []llm.Message{{Role: "system", Content: questionSystemPrompt}}
	messages = append(messages, historyMessages(req.History)...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})
	answer, err := e.provider.Chat(ctx, llm.RoleGenerator, messages)
	if err != nil {
		return nil, fmt.Errorf("answer question: %w", err)
	}
	logger.Info("engine: question answered", "answer_length", len(answer))
	return &TurnResult{
		Status:  StatusQuestion,
		Summary: "Answered from the current records; nothing was changed.",
		Answer:  strings.TrimSpace(answer),
	}, nil
}

func (e *Engine) generateAndApply(ctx context.Context, req TurnRequest, instruction string, fullSchema, genSchema schema.Schema, fullRecords, genRecords []record.Record) (*TurnResult, error) {
	logger := common.Logger()
	guidance, err := e.catalogGuidance(ctx, genSchema)
	if err != nil {
		// Guidance is optional prompt enrichment; a broken catalog table must
		// not take down the turn.
		logger.Warn("engine: catalog guidance unavailable", "error", err)
		guidance = ""
	}
	result, err := e.generator.Generate(ctx, GenerateInput{
		Instruction:     instruction,
		Schema:          genSchema,
		Records:         genRecords,
		History:         req.History,
		CatalogGuidance: guidance,
	})
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case genStatusAmbiguous:
		return ambiguousResult(result.Clarification), nil
	case genStatusNoChanges:
		return noChangesResult(result.Summary), nil
	}

	patches := ValidatePatches(fullSchema, result.Patches, fullRecords)
	if len(patches) == 0 {
		logger.Info("engine: no patches survived validation")
		return noChangesResult(result.Summary), nil
	}
	if _, err := e.records.ApplyPatches(ctx, req.ProfileID, patches); err != nil {
		return nil, fmt.Errorf("apply patches: %w", err)
	}
	sess := e.ledger.Record(req.ProfileID, patches)

	trigger := result.TriggerRegeneration
	if !trigger {
		trigger = touchesTemplateInput(fullSchema, patches)
	}
	summary := strings.TrimSpace(result.Summary)
	if summary == "" {
		summary = fmt.Sprintf("Updated %d record(s).", len(patches))
	}
	logger.Info("engine: turn succeeded", "session_id", sess.ID, "patches", len(patches), "trigger_regeneration", trigger)
	return &TurnResult{
		Status:              StatusSuccess,
		Summary:             summary,
		SessionID:           sess.ID,
		Patches:             patches,
		TriggerRegeneration: trigger,
	}, nil
}

func (e *Engine) catalogGuidance(ctx context.Context, sch schema.Schema) (string, error) {
	if e.guidance == nil {
		return "", nil
	}
	var keys []string
	seen := make(map[string]struct{})
	for _, f := range sch.Fields() {
		key := strings.TrimSpace(f.CatalogKey)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return "", nil
	}
	return e.guidance.CatalogGuidance(ctx, keys)
}

// touchesTemplateInput reports whether any applied update feeds another
// field's formula, in which case the external recompute collaborator should
// regenerate the dependents.
func touchesTemplateInput(sch schema.Schema, patches []record.Patch) bool {
	for _, patch := range patches {
		for key := range patch.Updates {
			if len(sch.TemplateDependents(key)) > 0 {
				return true
			}
		}
	}
	return false
}

// Undo reverts a previously applied session exactly once. The ledger claim
// flips the undone flag race-free; if the store rejects the revert the claim
// is reinstated so the caller can retry.
func (e *Engine) Undo(ctx context.Context, sessionID string) (*UndoResult, error) {
	logger := common.Logger()
	profileID, patches, err := e.ledger.Undo(strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	items, err := e.records.ApplyPatches(ctx, profileID, patches)
	if err != nil {
		e.ledger.Reinstate(sessionID)
		return nil, fmt.Errorf("revert patches: %w", err)
	}
	logger.Info("engine: session undone", "session_id", sessionID, "reverted", len(patches))
	return &UndoResult{RevertedCount: len(patches), Items: items}, nil
}

func ambiguousResult(clarification string) *TurnResult {
	clarification = strings.TrimSpace(clarification)
	if clarification == "" {
		clarification = "Which field and value did you mean? Please restate the instruction with the field name."
	}
	return &TurnResult{
		Status:        StatusAmbiguous,
		Summary:       "The instruction could not be resolved unambiguously. " + clarification,
		Clarification: clarification,
	}
}

func noChangesResult(summary string) *TurnResult {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "No records matched the instruction; nothing was changed."
	}
	return &TurnResult{Status: StatusNoChanges, Summary: summary}
}

func recalculateResult(intent Intent, records []record.Record) *TurnResult {
	fields := intent.RecalculateFields
	if len(fields) == 0 {
		return ambiguousResult("Which computed fields should be recalculated?")
	}
	matching := MatchRecords(records, intent.Filter)
	summary := fmt.Sprintf("Recalculation of %s requested for %d record(s); the template engine will regenerate them.",
		strings.Join(fields, ", "), len(matching))
	return &TurnResult{
		Status:            StatusRecalculate,
		Summary:           summary,
		RecalculateFields: fields,
		RecalculateFilter: intent.Filter,
		MatchingIDs:       matching,
	}
}
