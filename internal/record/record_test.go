package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOp(t *testing.T) {
	op, err := ParseOp("SET")
	require.NoError(t, err)
	assert.Equal(t, OpSet, op)

	op, err = ParseOp("DEL")
	require.NoError(t, err)
	assert.Equal(t, OpDel, op)

	_, err = ParseOp("HSET")
	assert.Error(t, err)

	_, err = ParseOp("")
	assert.Error(t, err)
}

func TestFieldMap_MergeKeepsInsertionOrder(t *testing.T) {
	m := NewFieldMap([]FieldValue{FV("a", "1"), FV("b", "2")})
	m.Merge([]FieldValue{FV("c", "3"), FV("a", "10")})

	assert.Equal(t, []FieldValue{FV("a", "10"), FV("b", "2"), FV("c", "3")}, m.Pairs())
	assert.Equal(t, 3, m.Len())
}

func TestFieldMap_DuplicateInOneCallLastWins(t *testing.T) {
	m := NewFieldMap([]FieldValue{FV("a", "1"), FV("a", "2")})

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, m.Len())
}

func TestFieldMap_ZeroValueAndReset(t *testing.T) {
	var m FieldMap
	assert.Equal(t, []FieldValue{}, m.Pairs())

	m.Merge([]FieldValue{FV("x", "")})
	v, ok := m.Get("x")
	assert.True(t, ok, "empty values are legal")
	assert.Equal(t, "", v)

	m.Reset()
	assert.Equal(t, 0, m.Len())
	_, ok = m.Get("x")
	assert.False(t, ok)
}

func TestFieldMap_CloneIsIndependent(t *testing.T) {
	m := NewFieldMap([]FieldValue{FV("a", "1")})
	c := m.Clone()
	c.Merge([]FieldValue{FV("a", "2"), FV("b", "3")})

	v, _ := m.Get("a")
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, m.Len())
}

func TestFieldMap_PairsIsACopy(t *testing.T) {
	m := NewFieldMap([]FieldValue{FV("a", "1")})
	p := m.Pairs()
	p[0].Value = "changed"

	v, _ := m.Get("a")
	assert.Equal(t, "1", v)
}

func TestKeyOpFieldsValues_Empty(t *testing.T) {
	var k KeyOpFieldsValues
	assert.True(t, k.IsEmpty())
	assert.Equal(t, "<empty>", k.String())

	k = KeyOpFieldsValues{Key: "k", Op: OpDel}
	assert.False(t, k.IsEmpty())
}

func TestKeyOpFieldsValues_Accessors(t *testing.T) {
	k := KeyOpFieldsValues{
		Key:    "Ethernet0",
		Op:     OpSet,
		Fields: []FieldValue{FV("mtu", "9100"), FV("admin", "up")},
	}

	v, ok := k.Get("admin")
	assert.True(t, ok)
	assert.Equal(t, "up", v)

	_, ok = k.Get("speed")
	assert.False(t, ok)

	assert.Equal(t, map[string]string{"mtu": "9100", "admin": "up"}, k.Map())
	assert.Equal(t, "SET Ethernet0 mtu=9100 admin=up", k.String())
}
