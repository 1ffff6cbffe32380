package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"github.com/ordercraft/patchline/internal/llm"
	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
)

const classifierSystemPrompt = "You classify a reviewer's natural-language instruction against the editable " +
	"fields of an order line grid. You never edit data yourself; you only decide what the instruction is asking for. " +
	"Respond with a single JSON object and nothing else."

const classifierTemplate = `Available fields (key: label):
{{.schema}}

Instruction:
{{.instruction}}

Pick exactly one category:
- "modification": the instruction assigns concrete values to fields. If it both assigns a value and asks to recalculate or regenerate something, it is still a modification; ignore the recalculation clause.
- "question": the instruction asks about the data without changing it.
- "confirmation": the instruction affirms a previous assistant suggestion, for example "yes", "do it", "apply that". Confirmations are never ambiguous even when they name no fields.
- "recalculate": the instruction asks to regenerate formula-derived fields from their templates rather than assigning values.
- "ambiguous": the target genuinely cannot be resolved; supply a clarification question.

Respond with this JSON shape:
{"category": "modification", "target_fields": [], "context_fields": [], "all_rows": true, "filter": null, "recalculate_fields": [], "clarification": ""}

Rules:
- target_fields: fields the instruction writes to. context_fields: fields needed to interpret or filter the instruction.
- Use only field keys from the list above, exactly as written.
- all_rows is false when the instruction limits itself to a subset of rows.
- filter, when the instruction restricts by a field value, is {"field": "...", "operator": "equals|contains|startsWith|endsWith", "value": "..."}.
- recalculate_fields is only for the "recalculate" category.
- clarification is only for the "ambiguous" category.`

const generatorSystemPrompt = "You are the patch generator of an order-intake review tool. You turn a reviewer's " +
	"instruction into precise per-record field updates. You only ever update the fields listed in the provided schema, " +
	"you never invent records or fields, and you respond with a single JSON object and nothing else."

const generatorTemplate = `Editable fields (key: label):
{{.schema}}
{{.templates}}{{.catalog}}Records (JSON, only relevant fields shown):
{{.records}}

Instruction:
{{.instruction}}

Respond with this JSON shape:
{"status": "success", "patches": [{"id": "record id", "updates": {"field_key": "new value"}}], "trigger_regeneration": false, "summary": "one sentence describing what changed", "clarification": ""}

Rules:
- status "success" with one patch per changed record; include only fields that actually change.
- status "no_changes" with an empty patches list when nothing matches the instruction.
- status "ambiguous" with a clarification question when the instruction cannot be resolved against these records.
- Formula templates are read-only guidance for understanding derived fields; never compute or assign their results yourself. Set trigger_regeneration to true when an updated field feeds another field's formula.
- summary is always present and written for the reviewer.`

const questionSystemPrompt = "You answer a reviewer's analytical question about the order lines below. Answer " +
	"concisely from the data alone; if the data cannot answer the question, say so. Never propose or perform edits."

const questionTemplate = `Fields (key: label):
{{.schema}}

Records (JSON):
{{.records}}

Question:
{{.instruction}}`

var (
	classifierPrompt = prompts.NewPromptTemplate(classifierTemplate, []string{"schema", "instruction"})
	generatorPrompt  = prompts.NewPromptTemplate(generatorTemplate, []string{"schema", "templates", "catalog", "records", "instruction"})
	questionPrompt   = prompts.NewPromptTemplate(questionTemplate, []string{"schema", "records", "instruction"})
)

func buildClassifierPrompt(instruction string, sch schema.Schema) (string, error) {
	return classifierPrompt.Format(map[string]any{
		"schema":      sch.Flatten(),
		"instruction": instruction,
	})
}

func buildGeneratorPrompt(instruction string, sch schema.Schema, records []record.Record, catalogGuidance string) (string, error) {
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	return generatorPrompt.Format(map[string]any{
		"schema":      sch.Flatten(),
		"templates":   formatTemplateGuidance(sch),
		"catalog":     formatCatalogGuidance(catalogGuidance),
		"records":     string(recordsJSON),
		"instruction": instruction,
	})
}

func buildQuestionPrompt(instruction string, sch schema.Schema, records []record.Record) (string, error) {
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	return questionPrompt.Format(map[string]any{
		"schema":      sch.Flatten(),
		"records":     string(recordsJSON),
		"instruction": instruction,
	})
}

// formatTemplateGuidance renders "key = template" lines for the computed
// fields in scope. Empty when the scope has none, so the block disappears
// from the prompt entirely.
func formatTemplateGuidance(sch schema.Schema) string {
	var lines []string
	for _, f := range sch.Fields() {
		if strings.TrimSpace(f.Template) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s = %s", f.Key, f.Template))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Formula templates (read-only guidance):\n" + strings.Join(lines, "\n") + "\n\n"
}

func formatCatalogGuidance(guidance string) string {
	trimmed := strings.TrimSpace(guidance)
	if trimmed == "" {
		return ""
	}
	return "Catalog guidance (canonical values and known aliases):\n" + trimmed + "\n\n"
}

// historyMessages converts caller-owned conversation memory into provider
// messages, preserving order and roles verbatim.
func historyMessages(history []DialogueTurn) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "assistant" {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}
