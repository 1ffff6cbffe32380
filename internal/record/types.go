// Package record holds the domain types shared by the engine, the session
// ledger and the SQLite store: the dynamic working-set record and the
// self-reverting field patch.
package record

// Record is one row of the working set. Data is an open field map; the
// engine treats it as opaque except for the keys the active schema exposes.
// ID is stable and targets patches.
type Record struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// Clone returns a deep copy with an independent data map.
func (r Record) Clone() Record {
	out := Record{ID: r.ID}
	if r.Data != nil {
		out.Data = make(map[string]interface{}, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Patch is a per-record edit. Previous carries the pre-image of every key in
// Updates, captured by the engine from record state before application, so a
// patch can be reverted exactly without consulting anything else.
type Patch struct {
	ID       string                 `json:"id"`
	Updates  map[string]interface{} `json:"updates"`
	Previous map[string]interface{} `json:"previous"`
}

// Clone returns a deep copy with independent maps.
func (p Patch) Clone() Patch {
	return Patch{ID: p.ID, Updates: cloneMap(p.Updates), Previous: cloneMap(p.Previous)}
}

// Inverse swaps Updates and Previous, producing the patch that undoes p.
func (p Patch) Inverse() Patch {
	return Patch{ID: p.ID, Updates: cloneMap(p.Previous), Previous: cloneMap(p.Updates)}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
