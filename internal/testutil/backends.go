package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/backend/memory"
	"github.com/roach88/statesync/internal/backend/postgres"
	"github.com/roach88/statesync/internal/backend/sqlite"
)

// PostgresDSNEnv names the environment variable holding a test database DSN.
const PostgresDSNEnv = "STATESYNC_POSTGRES_DSN"

// NamedBackend pairs a backend constructor with a name for t.Run.
type NamedBackend struct {
	Name string
	Open func(t *testing.T) backend.Backend
}

// Backends returns every backend available to this test run. memory and
// sqlite always are; postgres only when PostgresDSNEnv is set.
//
// Each Open call returns a fresh backend closed by t.Cleanup.
func Backends() []NamedBackend {
	out := []NamedBackend{
		{Name: "memory", Open: OpenMemory},
		{Name: "sqlite", Open: OpenSQLite},
	}
	if os.Getenv(PostgresDSNEnv) != "" {
		out = append(out, NamedBackend{Name: "postgres", Open: OpenPostgres})
	}
	return out
}

// ForEachBackend runs fn as a subtest against every available backend.
func ForEachBackend(t *testing.T, fn func(t *testing.T, b backend.Backend)) {
	t.Helper()
	for _, nb := range Backends() {
		t.Run(nb.Name, func(t *testing.T) {
			fn(t, nb.Open(t))
		})
	}
}

// OpenMemory returns a fresh in-process backend.
func OpenMemory(t *testing.T) backend.Backend {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { b.Close() })
	return b
}

// OpenSQLite returns a backend on a new database file in t.TempDir().
func OpenSQLite(t *testing.T) backend.Backend {
	t.Helper()
	b, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"), sqlite.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// OpenPostgres connects to the database named by PostgresDSNEnv. Tests
// using it pick unique table names, since the database outlives the test.
func OpenPostgres(t *testing.T) backend.Backend {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	b, err := postgres.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}
