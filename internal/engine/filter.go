package engine

import (
	"fmt"
	"strings"

	"github.com/ordercraft/patchline/internal/record"
)

// MatchRecords evaluates a filter condition against a record set and returns
// the matching ids, in input order. A nil condition matches everything.
// Matching is local string comparison; no inference call is involved.
func MatchRecords(records []record.Record, cond *FilterCondition) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if cond == nil || matches(rec, *cond) {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func matches(rec record.Record, cond FilterCondition) bool {
	value := fieldString(rec, cond.Field)
	target := strings.ToLower(strings.TrimSpace(cond.Value))
	subject := strings.ToLower(strings.TrimSpace(value))
	switch cond.Operator {
	case OpEquals:
		return subject == target
	case OpContains:
		return strings.Contains(subject, target)
	case OpStartsWith:
		return strings.HasPrefix(subject, target)
	case OpEndsWith:
		return strings.HasSuffix(subject, target)
	}
	return false
}

func fieldString(rec record.Record, field string) string {
	for key, value := range rec.Data {
		if strings.EqualFold(key, field) {
			if value == nil {
				return ""
			}
			return fmt.Sprint(value)
		}
	}
	return ""
}
