package engine

import (
	"strings"

	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
)

// ScopeFields resolves the field set the generation step needs: the union of
// target and context fields, or the full schema when that union is empty.
// Declaration order is preserved for prompt stability.
func ScopeFields(intent Intent, sch schema.Schema) []string {
	wanted := make(map[string]struct{}, len(intent.TargetFields)+len(intent.ContextFields))
	for _, key := range intent.TargetFields {
		if canonical, ok := sch.Normalize(key); ok {
			wanted[canonical] = struct{}{}
		}
	}
	for _, key := range intent.ContextFields {
		if canonical, ok := sch.Normalize(key); ok {
			wanted[canonical] = struct{}{}
		}
	}
	if intent.Filter != nil {
		if canonical, ok := sch.Normalize(intent.Filter.Field); ok {
			wanted[canonical] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return sch.Keys()
	}
	out := make([]string, 0, len(wanted))
	for _, key := range sch.Keys() {
		if _, ok := wanted[key]; ok {
			out = append(out, key)
		}
	}
	return out
}

// ScopeRecords projects the schema and every record down to the scoped field
// set, preserving ids. This is the cost and accuracy valve in front of the
// expensive generation call: no more than the instruction needs, no less.
// The question path bypasses it entirely and uses full context.
func ScopeRecords(intent Intent, sch schema.Schema, records []record.Record) (schema.Schema, []record.Record) {
	fields := ScopeFields(intent, sch)
	scopedSchema := sch.Subset(fields)
	scoped := make([]record.Record, 0, len(records))
	for _, rec := range records {
		projected := record.Record{ID: rec.ID, Data: make(map[string]interface{}, len(fields))}
		lower := make(map[string]string, len(rec.Data))
		for dataKey := range rec.Data {
			lower[strings.ToLower(dataKey)] = dataKey
		}
		for _, key := range fields {
			if dataKey, ok := lower[strings.ToLower(key)]; ok {
				projected.Data[key] = rec.Data[dataKey]
			}
		}
		scoped = append(scoped, projected)
	}
	return scopedSchema, scoped
}
