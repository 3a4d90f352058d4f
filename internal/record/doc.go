// Package record defines the values exchanged between producers, consumers
// and storage backends: the pending op tag, field/value pairs, and the
// KeyOpFieldsValues update returned by a pop.
package record
