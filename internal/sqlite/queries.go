package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ordercraft/patchline/internal/record"
	"github.com/ordercraft/patchline/internal/schema"
)

// FetchSchema returns the field schema for a profile in declaration order.
func (s *Store) FetchSchema(ctx context.Context, profileID string) (schema.Schema, error) {
	if s == nil || s.db == nil {
		return schema.Schema{}, fmt.Errorf("sqlite store not initialised")
	}
	rows := []fieldRow{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT profile_id, position, field_key, label, required, source, template, catalog_key
                 FROM fields WHERE profile_id = ? ORDER BY position`, profileID); err != nil {
		return schema.Schema{}, fmt.Errorf("select fields: %w", err)
	}
	fields := make([]schema.Field, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, schema.Field{
			Key:        row.FieldKey,
			Label:      row.Label,
			Required:   row.Required,
			Source:     row.Source,
			Template:   row.Template,
			CatalogKey: row.CatalogKey,
		})
	}
	return schema.New(fields), nil
}

// FetchRecords returns the working set for a profile, optionally limited to
// a selection of ids. Insertion order is preserved.
func (s *Store) FetchRecords(ctx context.Context, profileID string, ids []string) ([]record.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlite store not initialised")
	}
	rows := []recordRow{}
	if len(ids) == 0 {
		if err := s.db.SelectContext(ctx, &rows,
			`SELECT profile_id, record_id, data FROM records WHERE profile_id = ? ORDER BY rowid`, profileID); err != nil {
			return nil, fmt.Errorf("select records: %w", err)
		}
	} else {
		query, args, err := sqlx.In(
			`SELECT profile_id, record_id, data FROM records WHERE profile_id = ? AND record_id IN (?) ORDER BY rowid`,
			profileID, ids)
		if err != nil {
			return nil, fmt.Errorf("build record query: %w", err)
		}
		query = s.db.Rebind(query)
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("select records: %w", err)
		}
	}
	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ApplyPatches merges each patch's updates into the stored record data in a
// single transaction and returns the post-image of the touched records.
// A nil update value removes the field. Last-writer-wins per record; undo
// safety comes from the explicit pre-images the engine captured.
func (s *Store) ApplyPatches(ctx context.Context, profileID string, patches []record.Patch) ([]record.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlite store not initialised")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]record.Record, 0, len(patches))
	for _, patch := range patches {
		var row recordRow
		if err := tx.GetContext(ctx, &row,
			`SELECT profile_id, record_id, data FROM records WHERE profile_id = ? AND record_id = ?`,
			profileID, patch.ID); err != nil {
			return nil, fmt.Errorf("load record %q: %w", patch.ID, err)
		}
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		if rec.Data == nil {
			rec.Data = make(map[string]interface{}, len(patch.Updates))
		}
		for key, value := range patch.Updates {
			if value == nil {
				delete(rec.Data, key)
				continue
			}
			rec.Data[key] = value
		}
		encoded, err := json.Marshal(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", patch.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET data = ?, updated_at = ? WHERE profile_id = ? AND record_id = ?`,
			string(encoded), now, profileID, patch.ID); err != nil {
			return nil, fmt.Errorf("update record %q: %w", patch.ID, err)
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply: %w", err)
	}
	return out, nil
}

// ReplaceRecords swaps the full working set of a profile, used for seeding
// and by the extraction pipeline when a new document lands.
func (s *Store) ReplaceRecords(ctx context.Context, profileID string, records []record.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialised")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			return fmt.Errorf("record id required")
		}
		encoded, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("encode record %q: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (profile_id, record_id, data, updated_at) VALUES (?, ?, ?, ?)`,
			profileID, rec.ID, string(encoded), now); err != nil {
			return fmt.Errorf("insert record %q: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// SaveProfile upserts a profile and its field schema.
func (s *Store) SaveProfile(ctx context.Context, profile schema.Profile) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialised")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save profile: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (id, name) VALUES (?, ?)
                 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		profile.ID, profile.Name); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fields WHERE profile_id = ?`, profile.ID); err != nil {
		return fmt.Errorf("clear fields: %w", err)
	}
	for i, field := range profile.Fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fields (profile_id, position, field_key, label, required, source, template, catalog_key)
                         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			profile.ID, i, field.Key, field.Label, field.Required, field.Source, field.Template, field.CatalogKey); err != nil {
			return fmt.Errorf("insert field %q: %w", field.Key, err)
		}
	}
	return tx.Commit()
}

// SeedCatalog replaces the entries of a catalog table.
func (s *Store) SeedCatalog(ctx context.Context, catalogKey string, entries map[string][]string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store not initialised")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin seed catalog: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entries WHERE catalog_key = ?`, catalogKey); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	for canonical, aliases := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_entries (catalog_key, canonical, aliases) VALUES (?, ?, ?)`,
			catalogKey, canonical, strings.Join(aliases, ",")); err != nil {
			return fmt.Errorf("insert catalog entry %q: %w", canonical, err)
		}
	}
	return tx.Commit()
}

// CatalogGuidance renders the canonical values and known aliases for the
// given catalog keys as a prompt text block. Empty when no entries exist.
func (s *Store) CatalogGuidance(ctx context.Context, catalogKeys []string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("sqlite store not initialised")
	}
	if len(catalogKeys) == 0 {
		return "", nil
	}
	query, args, err := sqlx.In(
		`SELECT catalog_key, canonical, aliases FROM catalog_entries WHERE catalog_key IN (?) ORDER BY catalog_key, canonical`,
		catalogKeys)
	if err != nil {
		return "", fmt.Errorf("build catalog query: %w", err)
	}
	query = s.db.Rebind(query)
	rows := []catalogRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return "", fmt.Errorf("select catalog entries: %w", err)
	}
	var b strings.Builder
	lastKey := ""
	for _, row := range rows {
		if row.CatalogKey != lastKey {
			if lastKey != "" {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s:", row.CatalogKey)
			lastKey = row.CatalogKey
		}
		b.WriteString("\n  - ")
		b.WriteString(row.Canonical)
		if aliases := strings.TrimSpace(row.Aliases); aliases != "" {
			fmt.Fprintf(&b, " (also: %s)", strings.ReplaceAll(aliases, ",", ", "))
		}
	}
	return b.String(), nil
}

func decodeRecord(row recordRow) (record.Record, error) {
	rec := record.Record{ID: row.RecordID}
	if strings.TrimSpace(row.Data) == "" {
		rec.Data = map[string]interface{}{}
		return rec, nil
	}
	if err := json.Unmarshal([]byte(row.Data), &rec.Data); err != nil {
		return record.Record{}, fmt.Errorf("decode record %q: %w", row.RecordID, err)
	}
	return rec, nil
}
