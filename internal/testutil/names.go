package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/statesync/internal/record"
)

// Sequence is a thread-safe monotonic counter for generating unique test
// names.
type Sequence struct {
	mu  sync.Mutex
	seq int64
}

// Next increments and returns the next value. The first call returns 1.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Reset starts the sequence over.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}

var (
	tables Sequence
	runID  = uuid.NewString()[:8]
)

// TableName returns a table name unique to this call and this test run, so
// tests sharing a persistent database never see each other's keys.
func TableName(base string) string {
	return fmt.Sprintf("%s_%s_%d", base, runID, tables.Next())
}

// Key returns the i-th test key.
func Key(i int) string {
	return fmt.Sprintf("key_%d", i)
}

// Field returns the i-th test field name.
func Field(i int) string {
	return fmt.Sprintf("field_%d", i)
}

// Value returns a value tying field i to writer w, so tests can tell which
// write won.
func Value(w, i int) string {
	return fmt.Sprintf("value_%d_%d", w, i)
}

// Fields returns n field/value pairs written by writer w.
func Fields(w, n int) []record.FieldValue {
	out := make([]record.FieldValue, n)
	for i := range out {
		out[i] = record.FV(Field(i), Value(w, i))
	}
	return out
}
