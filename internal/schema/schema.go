package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Field describes one column of the active record set. Source distinguishes
// values read off the document ("extracted") from values derived by formula
// ("computed"); computed fields carry the template that derives them, and the
// template is regenerated by an external collaborator, never evaluated here.
type Field struct {
	Key        string `json:"key" yaml:"key" db:"field_key"`
	Label      string `json:"label" yaml:"label" db:"label"`
	Required   bool   `json:"required,omitempty" yaml:"required" db:"required"`
	Source     string `json:"source,omitempty" yaml:"source" db:"source"`
	Template   string `json:"template,omitempty" yaml:"template" db:"template"`
	CatalogKey string `json:"catalog_key,omitempty" yaml:"catalog_key" db:"catalog_key"`
}

const (
	SourceExtracted = "extracted"
	SourceComputed  = "computed"
)

// Schema is the authoritative field set for a working record set. It is
// supplied fresh per call and never persisted by the engine. Field order is
// preserved for display and prompt stability; key lookup is case-insensitive.
type Schema struct {
	fields []Field
	index  map[string]int
}

// New builds a Schema, keeping the first occurrence of duplicate keys.
func New(fields []Field) Schema {
	s := Schema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		norm := strings.ToLower(key)
		if _, exists := s.index[norm]; exists {
			continue
		}
		f.Key = key
		s.index[norm] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s
}

func (s Schema) Len() int { return len(s.fields) }

// Fields returns the fields in declaration order.
func (s Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Keys returns the canonical field keys in declaration order.
func (s Schema) Keys() []string {
	out := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f.Key)
	}
	return out
}

// Normalize maps an arbitrarily-cased key to its canonical form. Unknown keys
// report ok=false and must be dropped by the caller, never passed downstream.
func (s Schema) Normalize(key string) (string, bool) {
	idx, ok := s.index[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return "", false
	}
	return s.fields[idx].Key, true
}

// Lookup returns the full field definition for a key, case-insensitively.
func (s Schema) Lookup(key string) (Field, bool) {
	idx, ok := s.index[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Field{}, false
	}
	return s.fields[idx], true
}

// Flatten renders the schema as "key: label" lines for prompts.
func (s Schema) Flatten() string {
	var b strings.Builder
	for i, f := range s.fields {
		if i > 0 {
			b.WriteString("\n")
		}
		label := f.Label
		if label == "" {
			label = f.Key
		}
		fmt.Fprintf(&b, "%s: %s", f.Key, label)
	}
	return b.String()
}

// Subset projects the schema onto the given keys, preserving declaration
// order. Unknown keys are ignored.
func (s Schema) Subset(keys []string) Schema {
	wanted := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if canonical, ok := s.Normalize(key); ok {
			wanted[canonical] = struct{}{}
		}
	}
	fields := make([]Field, 0, len(wanted))
	for _, f := range s.fields {
		if _, ok := wanted[f.Key]; ok {
			fields = append(fields, f)
		}
	}
	return New(fields)
}

// TemplateDependents lists the computed fields whose template references the
// given key. Editing such a key means the dependents are stale and the
// external recompute collaborator should regenerate them.
func (s Schema) TemplateDependents(key string) []string {
	canonical, ok := s.Normalize(key)
	if !ok {
		return nil
	}
	needle := "{" + strings.ToLower(canonical) + "}"
	var out []string
	for _, f := range s.fields {
		if f.Template == "" || strings.EqualFold(f.Key, canonical) {
			continue
		}
		if strings.Contains(strings.ToLower(f.Template), needle) {
			out = append(out, f.Key)
		}
	}
	sort.Strings(out)
	return out
}
