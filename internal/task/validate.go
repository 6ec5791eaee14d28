package task

import (
	"fmt"
	"strings"
)

// FieldSpec declares one position of a tuple.
type FieldSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Schema is the fixed arity and typing of items (or answers).
type Schema struct {
	Fields []FieldSpec `json:"fields"`
}

// ValidationError reports a malformed item. It is fatal and raised before
// any remote call is made.
type ValidationError struct {
	Index  int // position in the input, -1 when not applicable
	ItemID string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid item")
	if e.Index >= 0 {
		fmt.Fprintf(&b, " #%d", e.Index)
	}
	if e.ItemID != "" {
		fmt.Fprintf(&b, " (%s)", e.ItemID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Check validates one tuple against the schema. A schema without fields
// accepts any tuple.
func (s Schema) Check(fields []Field) error {
	if len(s.Fields) == 0 {
		return nil
	}
	if len(fields) != len(s.Fields) {
		return fmt.Errorf("expected %d fields, got %d", len(s.Fields), len(fields))
	}
	for i, spec := range s.Fields {
		f := fields[i]
		if f.Name != spec.Name {
			return fmt.Errorf("field %d: expected %q, got %q", i, spec.Name, f.Name)
		}
		if f.Value.Kind != spec.Kind {
			return fmt.Errorf("field %q: expected kind %s, got %s", f.Name, spec.Kind, f.Value.Kind)
		}
	}
	return nil
}

// ValidateItems checks every item against schema and rejects duplicate IDs.
// It returns the item IDs in input order.
func ValidateItems(schema Schema, items []Item) ([]string, error) {
	ids := make([]string, len(items))
	seen := make(map[string]int, len(items))
	for i, it := range items {
		id := it.ID()
		if err := schema.Check(it.Fields); err != nil {
			return nil, &ValidationError{Index: i, ItemID: id, Reason: err.Error()}
		}
		if prev, dup := seen[id]; dup {
			return nil, &ValidationError{Index: i, ItemID: id, Reason: fmt.Sprintf("duplicate of item #%d", prev)}
		}
		seen[id] = i
		ids[i] = id
	}
	return ids, nil
}
