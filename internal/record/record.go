package record

import "fmt"

// Op is the pending intent recorded for a key.
type Op string

const (
	// OpNone is the op of an empty pop result.
	OpNone Op = ""
	// OpSet applies the carried fields on top of the downstream state.
	OpSet Op = "SET"
	// OpDel means the key's last known value is gone.
	OpDel Op = "DEL"
)

// Valid reports whether op is SET or DEL.
func (op Op) Valid() bool {
	return op == OpSet || op == OpDel
}

// ParseOp converts the stored tag back into an Op.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if !op.Valid() {
		return OpNone, fmt.Errorf("unknown op %q", s)
	}
	return op, nil
}

// FieldValue is a single field/value pair.
type FieldValue struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// FV is shorthand for FieldValue{Field: field, Value: value}.
func FV(field, value string) FieldValue {
	return FieldValue{Field: field, Value: value}
}

// KeyOpFieldsValues is the update handed to a consumer by a pop.
//
// The zero value is the "nothing pending" result: empty key and empty op.
type KeyOpFieldsValues struct {
	Key    string       `json:"key"`
	Op     Op           `json:"op"`
	Fields []FieldValue `json:"fields"`
}

// IsEmpty reports whether this is the "nothing pending" result.
func (k KeyOpFieldsValues) IsEmpty() bool {
	return k.Key == "" && k.Op == OpNone
}

// Get returns the value of field and whether it was present.
func (k KeyOpFieldsValues) Get(field string) (string, bool) {
	for _, fv := range k.Fields {
		if fv.Field == field {
			return fv.Value, true
		}
	}
	return "", false
}

// Map returns the fields as a plain map. Field order is lost.
func (k KeyOpFieldsValues) Map() map[string]string {
	m := make(map[string]string, len(k.Fields))
	for _, fv := range k.Fields {
		m[fv.Field] = fv.Value
	}
	return m
}

// String renders the update as "<OP> <key> f1=v1 f2=v2".
func (k KeyOpFieldsValues) String() string {
	if k.IsEmpty() {
		return "<empty>"
	}
	s := fmt.Sprintf("%s %s", k.Op, k.Key)
	for _, fv := range k.Fields {
		s += fmt.Sprintf(" %s=%s", fv.Field, fv.Value)
	}
	return s
}
