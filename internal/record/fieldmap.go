package record

// FieldMap is an insertion-ordered field -> value map.
//
// Overwriting an existing field keeps its position; new fields are appended.
// The zero value is ready to use.
type FieldMap struct {
	index map[string]int
	pairs []FieldValue
}

// NewFieldMap builds a FieldMap from pairs, later duplicates winning.
func NewFieldMap(pairs []FieldValue) *FieldMap {
	m := &FieldMap{}
	m.Merge(pairs)
	return m
}

// Merge applies pairs last-writer-wins. Fields not named in pairs are untouched.
func (m *FieldMap) Merge(pairs []FieldValue) {
	if m.index == nil {
		m.index = make(map[string]int, len(pairs))
	}
	for _, fv := range pairs {
		if i, ok := m.index[fv.Field]; ok {
			m.pairs[i].Value = fv.Value
			continue
		}
		m.index[fv.Field] = len(m.pairs)
		m.pairs = append(m.pairs, fv)
	}
}

// Get returns the value for field.
func (m *FieldMap) Get(field string) (string, bool) {
	i, ok := m.index[field]
	if !ok {
		return "", false
	}
	return m.pairs[i].Value, true
}

// Len returns the number of fields.
func (m *FieldMap) Len() int {
	return len(m.pairs)
}

// Pairs returns a copy of the fields in insertion order.
// Returns an empty slice (not nil) when there are no fields.
func (m *FieldMap) Pairs() []FieldValue {
	out := make([]FieldValue, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Reset drops every field.
func (m *FieldMap) Reset() {
	m.index = nil
	m.pairs = nil
}

// Clone returns an independent copy.
func (m *FieldMap) Clone() *FieldMap {
	return NewFieldMap(m.pairs)
}
