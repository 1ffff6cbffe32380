package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
	"github.com/ordercraft/patchline/internal/session"
)

// fakeStore is an in-memory RecordStore/SchemaSource/GuidanceSource.
type fakeStore struct {
	sch      schema.Schema
	records  []record.Record
	guidance string
	applyErr error
	applied  [][]record.Patch
}

func (f *fakeStore) FetchSchema(ctx context.Context, profileID string) (schema.Schema, error) {
	return f.sch, nil
}

func (f *fakeStore) FetchRecords(ctx context.Context, profileID string, ids []string) ([]record.Record, error) {
	if len(ids) == 0 {
		out := make([]record.Record, 0, len(f.records))
		for _, rec := range f.records {
			out = append(out, rec.Clone())
		}
		return out, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []record.Record
	for _, rec := range f.records {
		if _, ok := wanted[rec.ID]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyPatches(ctx context.Context, profileID string, patches []record.Patch) ([]record.Record, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	stored := make([]record.Patch, 0, len(patches))
	for _, p := range patches {
		stored = append(stored, p.Clone())
	}
	f.applied = append(f.applied, stored)
	var out []record.Record
	for _, patch := range patches {
		for i := range f.records {
			if f.records[i].ID != patch.ID {
				continue
			}
			for key, value := range patch.Updates {
				if value == nil {
					delete(f.records[i].Data, key)
					continue
				}
				f.records[i].Data[key] = value
			}
			out = append(out, f.records[i].Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) CatalogGuidance(ctx context.Context, keys []string) (string, error) {
	return f.guidance, nil
}

func navyFixture() *fakeStore {
	return &fakeStore{
		sch: gridSchema(),
		records: []record.Record{
			{ID: "r1", Data: map[string]interface{}{"color": "Red", "size": "M", "sku": "RED-M"}},
			{ID: "r2", Data: map[string]interface{}{"color": "Green", "size": "L", "sku": "GRN-L"}},
			{ID: "r3", Data: map[string]interface{}{"color": "Navy", "size": "S", "sku": "NVY-S"}},
		},
	}
}

func newTestEngine(provider *scriptedProvider, store *fakeStore) (*Engine, *session.Ledger) {
	ledger := session.NewLedger()
	return New(provider, store, store, store, ledger), ledger
}

func TestTurnModificationSuccess(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"],"all_rows":true}`,
		`{"status":"success","patches":[
                        {"id":"r1","updates":{"color":"Navy"}},
                        {"id":"r2","updates":{"color":"Navy"}},
                        {"id":"r3","updates":{"color":"Navy"}}],
                  "trigger_regeneration":false,"summary":"Set every color to Navy."}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set all colors to Navy"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "Set every color to Navy.", result.Summary)
	require.Len(t, result.Patches, 3)
	assert.Equal(t, map[string]interface{}{"color": "Navy"}, result.Patches[0].Updates)
	assert.Equal(t, "Red", result.Patches[0].Previous["color"])
	assert.Equal(t, "Green", result.Patches[1].Previous["color"])
	// color feeds sku's template, so regeneration is flagged even though the
	// model said false.
	assert.True(t, result.TriggerRegeneration)
	// Exactly two inference round-trips, in order.
	require.Len(t, provider.calls, 2)
	assert.Equal(t, result.Patches, store.applied[0])
	// Store state reflects the edit.
	assert.Equal(t, "Navy", store.records[0].Data["color"])
}

func TestTurnGeneratorSeesOnlyScopedFields(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"],"all_rows":true}`,
		`{"status":"no_changes","patches":[],"summary":"Nothing to do."}`,
	}}
	eng, _ := newTestEngine(provider, store)

	_, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set all colors to Navy"})
	require.NoError(t, err)

	require.Len(t, provider.calls, 2)
	genPrompt := provider.calls[1].messages[len(provider.calls[1].messages)-1].Content
	assert.Contains(t, genPrompt, "color: Color")
	assert.NotContains(t, genPrompt, "size: Size")
	assert.NotContains(t, genPrompt, `"sku"`)
}

func TestTurnNoChanges(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"],"all_rows":true}`,
		`{"status":"no_changes","patches":[],"summary":"No records matched."}`,
	}}
	eng, ledger := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set purple rows to Navy"})
	require.NoError(t, err)
	assert.Equal(t, StatusNoChanges, result.Status)
	assert.Empty(t, result.Patches)
	assert.Empty(t, result.SessionID)
	assert.Empty(t, store.applied)
	_, ok := ledger.Get(result.SessionID)
	assert.False(t, ok)
}

func TestTurnAmbiguousFromClassifier(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"ambiguous","clarification":"Which field should become Navy?"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "make it Navy"})
	require.NoError(t, err)
	assert.Equal(t, StatusAmbiguous, result.Status)
	assert.Equal(t, "Which field should become Navy?", result.Clarification)
	assert.Contains(t, result.Summary, "Which field should become Navy?")
	// Ambiguity short-circuits before generation.
	assert.Len(t, provider.calls, 1)
}

func TestTurnQuestionWithoutOptIn(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"question"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "how many have color Navy?"})
	require.NoError(t, err)
	assert.Equal(t, StatusQuestion, result.Status)
	assert.Empty(t, result.Answer)
	assert.Contains(t, result.Summary, "question mode")
	// Only the classifier ran; the refusal costs nothing.
	assert.Len(t, provider.calls, 1)
}

func TestTurnQuestionWithOptIn(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{
		jsonResponses: []string{`{"category":"question"}`},
		chatResponse:  "One record has color Navy.",
	}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{
		ProfileID:      "orders",
		Instruction:    "how many have color Navy?",
		AllowQuestions: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQuestion, result.Status)
	assert.Equal(t, "One record has color Navy.", result.Answer)
	assert.Empty(t, store.applied)

	// The question path bypasses scoping: the prompt carries the full
	// schema and full records.
	require.Len(t, provider.calls, 2)
	questionCall := provider.calls[1]
	assert.False(t, questionCall.json)
	prompt := questionCall.messages[len(questionCall.messages)-1].Content
	for _, key := range []string{"color", "size", "sku"} {
		assert.Contains(t, prompt, key)
	}
}

func TestTurnRecalculate(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"recalculate","recalculate_fields":["sku"],"filter":{"field":"color","operator":"equals","value":"Navy"}}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "regenerate sku for items with color Navy"})
	require.NoError(t, err)
	assert.Equal(t, StatusRecalculate, result.Status)
	assert.Equal(t, []string{"sku"}, result.RecalculateFields)
	require.NotNil(t, result.RecalculateFilter)
	assert.Equal(t, OpEquals, result.RecalculateFilter.Operator)
	assert.Equal(t, []string{"r3"}, result.MatchingIDs)
	// Matching is local: classification was the only inference call.
	assert.Len(t, provider.calls, 1)
	assert.Empty(t, store.applied)
}

func TestTurnConfirmationUsesFullSchema(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"status":"success","patches":[{"id":"r1","updates":{"color":"Navy"}}],"summary":"Applied the suggested change."}`,
	}}
	eng, _ := newTestEngine(provider, store)

	history := []DialogueTurn{
		{Role: "user", Content: "should r1 be Navy?"},
		{Role: "assistant", Content: "r1 is Red; I can set it to Navy if you confirm."},
	}
	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "do it", History: history})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	// The phrase is detected locally, so the single inference call is the
	// generator, and it gets the unscoped schema.
	require.Len(t, provider.calls, 1)
	genCall := provider.calls[0]
	prompt := genCall.messages[len(genCall.messages)-1].Content
	for _, line := range []string{"color: Color", "size: Size", "sku: SKU"} {
		assert.Contains(t, prompt, line)
	}
	// History rides along as real conversation messages.
	var sawHistory bool
	for _, msg := range genCall.messages {
		if msg.Role == "assistant" && strings.Contains(msg.Content, "set it to Navy") {
			sawHistory = true
		}
	}
	assert.True(t, sawHistory)
}

func TestTurnGenerationParseErrorPropagates(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`I went ahead and changed the colors for you!`,
	}}
	eng, ledger := newTestEngine(provider, store)

	_, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set all colors to Navy"})
	var parseErr *GenerationParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Empty(t, store.applied)
	_, ok := ledger.Get("")
	assert.False(t, ok)
}

func TestTurnUnknownGeneratorStatusIsParseError(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"partial","patches":[]}`,
	}}
	eng, _ := newTestEngine(provider, store)

	_, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set all colors to Navy"})
	var parseErr *GenerationParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestTurnInvalidPatchesBecomeNoChanges(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"success","patches":[{"id":"r1","updates":{"weight":"9"}}],"summary":"Updated weight."}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set weight to 9"})
	require.NoError(t, err)
	assert.Equal(t, StatusNoChanges, result.Status)
	assert.Empty(t, result.SessionID)
	assert.Empty(t, store.applied)
}

func TestTurnApplyFailureLeavesNoSession(t *testing.T) {
	store := navyFixture()
	store.applyErr = errors.New("database locked")
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"success","patches":[{"id":"r1","updates":{"color":"Navy"}}],"summary":"ok"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	_, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set color to Navy"})
	require.Error(t, err)
}

func TestTurnEmptyInstruction(t *testing.T) {
	eng, _ := newTestEngine(&scriptedProvider{}, navyFixture())
	_, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "   "})
	assert.ErrorIs(t, err, ErrEmptyInstruction)
}

func TestTurnSelectionScopesRecords(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"success","patches":[{"id":"r2","updates":{"color":"Navy"}}],"summary":"ok"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{
		ProfileID:   "orders",
		Instruction: "set color to Navy",
		RecordIDs:   []string{"r2"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	genPrompt := provider.calls[1].messages[len(provider.calls[1].messages)-1].Content
	assert.Contains(t, genPrompt, "r2")
	assert.NotContains(t, genPrompt, "r1")
}

func TestUndoRoundTrip(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"success","patches":[
                        {"id":"r1","updates":{"color":"Navy"}},
                        {"id":"r2","updates":{"color":"Navy"}}],
                  "summary":"ok"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set all colors to Navy"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Navy", store.records[0].Data["color"])

	undone, err := eng.Undo(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, undone.RevertedCount)
	assert.Equal(t, "Red", store.records[0].Data["color"])
	assert.Equal(t, "Green", store.records[1].Data["color"])

	// Second undo is a typed error, never a silent no-op or a re-apply.
	_, err = eng.Undo(context.Background(), result.SessionID)
	assert.ErrorIs(t, err, session.ErrAlreadyUndone)
	assert.Equal(t, "Red", store.records[0].Data["color"])
}

func TestUndoUnknownSession(t *testing.T) {
	eng, _ := newTestEngine(&scriptedProvider{}, navyFixture())
	_, err := eng.Undo(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUndoReinstatesClaimOnApplyFailure(t *testing.T) {
	store := navyFixture()
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"success","patches":[{"id":"r1","updates":{"color":"Navy"}}],"summary":"ok"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	result, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set color to Navy"})
	require.NoError(t, err)

	store.applyErr = errors.New("database locked")
	_, err = eng.Undo(context.Background(), result.SessionID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrAlreadyUndone)

	// The claim was released, so the retry succeeds.
	store.applyErr = nil
	undone, err := eng.Undo(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, undone.RevertedCount)
	assert.Equal(t, "Red", store.records[0].Data["color"])
}

func TestTurnCatalogGuidanceReachesPrompt(t *testing.T) {
	store := navyFixture()
	store.guidance = "colors:\n  - Navy (also: dark blue)"
	provider := &scriptedProvider{jsonResponses: []string{
		`{"category":"modification","target_fields":["color"]}`,
		`{"status":"no_changes","patches":[],"summary":"ok"}`,
	}}
	eng, _ := newTestEngine(provider, store)

	_, err := eng.Turn(context.Background(), TurnRequest{ProfileID: "orders", Instruction: "set color to dark blue"})
	require.NoError(t, err)
	genPrompt := provider.calls[1].messages[len(provider.calls[1].messages)-1].Content
	assert.Contains(t, genPrompt, "dark blue")
	assert.Contains(t, genPrompt, "Catalog guidance")
}
