// Package engine implements the conversational patch engine: intent
// classification, context scoping, patch generation and validation, the
// dialogue state machine and session-scoped undo.
package engine

import (
	"context"
	"fmt"

	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
)

// Category is the dialogue category of a classified instruction. A single
// instruction is never more than one category.
type Category string

const (
	CategoryModification Category = "modification"
	CategoryQuestion     Category = "question"
	CategoryConfirmation Category = "confirmation"
	CategoryRecalculate  Category = "recalculate"
	CategoryAmbiguous    Category = "ambiguous"
)

// Filter operators, matched case-insensitively against a single field's
// string value. Matching happens locally, never through the model.
const (
	OpEquals     = "equals"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
)

// FilterCondition restricts an operation to records whose field matches.
type FilterCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Intent is the classifier's structured reading of an instruction. Every
// field key is normalized against the supplied schema; unknown keys are
// dropped before the intent leaves the classifier.
type Intent struct {
	TargetFields      []string         `json:"target_fields"`
	ContextFields     []string         `json:"context_fields"`
	Category          Category         `json:"category"`
	AllRows           bool             `json:"all_rows"`
	Filter            *FilterCondition `json:"filter,omitempty"`
	RecalculateFields []string         `json:"recalculate_fields,omitempty"`
	Clarification     string           `json:"clarification,omitempty"`
}

// DialogueTurn is one turn of caller-owned conversation memory, passed in
// verbatim on each call and treated as read-only context.
type DialogueTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Status is the terminal outcome of a turn.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusNoChanges   Status = "no_changes"
	StatusAmbiguous   Status = "ambiguous"
	StatusQuestion    Status = "question"
	StatusRecalculate Status = "recalculate"
)

// TurnRequest is one user turn against a working set.
type TurnRequest struct {
	ProfileID      string         `json:"profile_id"`
	Instruction    string         `json:"instruction"`
	RecordIDs      []string       `json:"record_ids,omitempty"`
	History        []DialogueTurn `json:"history,omitempty"`
	AllowQuestions bool           `json:"allow_questions,omitempty"`
}

// TurnResult is the tagged union returned for a turn. Summary is always
// populated and suitable for direct display.
type TurnResult struct {
	Status              Status           `json:"status"`
	Summary             string           `json:"summary"`
	SessionID           string           `json:"session_id,omitempty"`
	Patches             []record.Patch   `json:"patches,omitempty"`
	TriggerRegeneration bool             `json:"trigger_regeneration,omitempty"`
	Answer              string           `json:"answer,omitempty"`
	Clarification       string           `json:"clarification,omitempty"`
	RecalculateFields   []string         `json:"recalculate_fields,omitempty"`
	RecalculateFilter   *FilterCondition `json:"recalculate_filter,omitempty"`
	MatchingIDs         []string         `json:"matching_ids,omitempty"`
}

// UndoResult reports a successful revert.
type UndoResult struct {
	RevertedCount int             `json:"reverted_count"`
	Items         []record.Record `json:"items"`
}

// RecordStore is the external record collaborator. Apply performs per-id
// updates with last-writer-wins semantics; undo safety comes from explicit
// pre-images, not from the store.
type RecordStore interface {
	FetchRecords(ctx context.Context, profileID string, ids []string) ([]record.Record, error)
	ApplyPatches(ctx context.Context, profileID string, patches []record.Patch) ([]record.Record, error)
}

// SchemaSource supplies the authoritative field schema per profile, fresh on
// every turn.
type SchemaSource interface {
	FetchSchema(ctx context.Context, profileID string) (schema.Schema, error)
}

// GuidanceSource renders optional catalog guidance for the catalog keys
// bound to in-scope fields. An empty string means no guidance.
type GuidanceSource interface {
	CatalogGuidance(ctx context.Context, catalogKeys []string) (string, error)
}

// GenerationParseError reports that the generation model returned output the
// engine could not parse deterministically. Guessing patches is unsafe, so
// this always surfaces to the caller instead of being defaulted away.
type GenerationParseError struct {
	Raw string
	Err error
}

func (e *GenerationParseError) Error() string {
	return fmt.Sprintf("generation output not parseable: %v", e.Err)
}

func (e *GenerationParseError) Unwrap() error { return e.Err }
