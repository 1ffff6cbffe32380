package sqlite

type fieldRow struct {
	ProfileID  string `db:"profile_id"`
	Position   int    `db:"position"`
	FieldKey   string `db:"field_key"`
	Label      string `db:"label"`
	Required   bool   `db:"required"`
	Source     string `db:"source"`
	Template   string `db:"template"`
	CatalogKey string `db:"catalog_key"`
}

type recordRow struct {
	ProfileID string `db:"profile_id"`
	RecordID  string `db:"record_id"`
	Data      string `db:"data"`
}

type catalogRow struct {
	CatalogKey string `db:"catalog_key"`
	Canonical  string `db:"canonical"`
	Aliases    string `db:"aliases"`
}
