package engine

import (
	"strings"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
)

// ValidatePatches is the last gate before any mutation is reported. It
// filters every candidate update against the full, non-minimized schema —
// the model is never rewarded for inventing fields outside the scoped set —
// drops patches left empty, and fills Previous from pre-patch record state
// so each surviving patch is self-reverting. Schema mismatches are dropped
// and logged, never surfaced as errors; the validator knows key existence,
// not business rules.
func ValidatePatches(full schema.Schema, candidates []CandidatePatch, records []record.Record) []record.Patch {
	logger := common.Logger()
	byID := make(map[string]record.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	out := make([]record.Patch, 0, len(candidates))
	for _, candidate := range candidates {
		rec, ok := byID[candidate.ID]
		if !ok {
			logger.Warn("validator: dropping patch for unknown record", "record_id", candidate.ID)
			continue
		}
		updates := make(map[string]interface{}, len(candidate.Updates))
		previous := make(map[string]interface{}, len(candidate.Updates))
		for key, value := range candidate.Updates {
			canonical, known := full.Normalize(key)
			if !known {
				logger.Warn("validator: dropping update to unknown field", "record_id", candidate.ID, "field", key)
				continue
			}
			updates[canonical] = value
			previous[canonical] = preImage(rec, canonical)
		}
		if len(updates) == 0 {
			logger.Debug("validator: dropping empty patch", "record_id", candidate.ID)
			continue
		}
		out = append(out, record.Patch{ID: candidate.ID, Updates: updates, Previous: previous})
	}
	return out
}

func preImage(rec record.Record, field string) interface{} {
	if value, ok := rec.Data[field]; ok {
		return value
	}
	for key, value := range rec.Data {
		if strings.EqualFold(key, field) {
			return value
		}
	}
	return nil
}
