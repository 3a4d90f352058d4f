package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/backend/memory"
	"github.com/roach88/statesync/internal/config"
)

// cliRun executes one CLI invocation against the SQLite database at db and
// returns stdout.
func cliRun(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	return cliRunCtx(context.Background(), t, &RootOptions{}, append([]string{"--db", db}, args...)...)
}

func cliRunCtx(ctx context.Context, t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := newRootCommand(opts)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := cliRun(t, db, args...)
	require.NoError(t, err, "statesync %s", strings.Join(args, " "))
	return out
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.db")
}

func assertGolden(t *testing.T, name, got string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(got))
}

// sharedMemory lets several invocations see one in-process backend.
type sharedMemory struct {
	backend.Backend
}

func (sharedMemory) Close() error { return nil }

func TestPopCoalescedText(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "set", "PORT", "Ethernet0", "mtu=9100", "admin=up")
	mustRun(t, db, "set", "PORT", "Ethernet0", "mtu=1500")
	mustRun(t, db, "set", "PORT", "Ethernet4", "speed=100000")
	mustRun(t, db, "del", "PORT", "Ethernet4")
	mustRun(t, db, "set", "PORT", "Ethernet8")

	assertGolden(t, "pop_coalesced_text", mustRun(t, db, "pop", "PORT"))
	assertGolden(t, "pop_empty_text", mustRun(t, db, "pop", "PORT"))
}

func TestPopJSON(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "set", "PORT", "Ethernet0", "mtu=9100")
	mustRun(t, db, "del", "PORT", "Ethernet4")

	assertGolden(t, "pop_json", mustRun(t, db, "--format", "json", "pop", "PORT"))
}

func TestPopCountAndPrefix(t *testing.T) {
	db := tempDB(t)
	for _, k := range []string{"Vlan10", "Ethernet0", "Ethernet4", "Ethernet8"} {
		mustRun(t, db, "set", "PORT", k)
	}

	out := mustRun(t, db, "pop", "PORT", "--prefix", "Ethernet", "-n", "2")
	assert.Equal(t, "PORT SET Ethernet0\nPORT SET Ethernet4\n", out)

	out = mustRun(t, db, "pop", "PORT")
	assert.Equal(t, "PORT SET Vlan10\nPORT SET Ethernet8\n", out)
}

func TestSetAndDelOutput(t *testing.T) {
	db := tempDB(t)
	assert.Equal(t, "PORT SET Ethernet0 (2 fields)\n", mustRun(t, db, "set", "PORT", "Ethernet0", "a=1", "b="))
	assert.Equal(t, "PORT DEL Ethernet0\n", mustRun(t, db, "del", "PORT", "Ethernet0"))

	out := mustRun(t, db, "--format", "json", "set", "PORT", "Ethernet0", "alias=a=b")
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"table": "PORT", "key": "Ethernet0", "op": "SET", "fields": 1.0}, resp.Data)

	assert.Equal(t, "PORT SET Ethernet0 alias=a=b\n", mustRun(t, db, "pop", "PORT"))
}

func TestStats(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "set", "PORT", "Ethernet0")
	mustRun(t, db, "set", "PORT", "Ethernet4")
	mustRun(t, db, "del", "PORT", "Ethernet0")

	assertGolden(t, "stats_text", mustRun(t, db, "stats", "PORT", "ROUTE"))
	assert.Equal(t, "PORT 0\n", mustRun(t, db, "stats", "PORT", "--prefix", "Vlan"))
}

func TestWatchSingleTable(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "set", "PORT", "Ethernet0", "mtu=9100")
	mustRun(t, db, "del", "PORT", "Ethernet4")

	start := time.Now()
	out := mustRun(t, db, "watch", "PORT", "--timeout", "200ms")
	assert.Equal(t, "PORT SET Ethernet0 mtu=9100\nPORT DEL Ethernet4\n", out)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "watch stops only after an idle timeout")
}

func TestWatchMultiTableAndLimit(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "set", "PORT", "Ethernet0")
	mustRun(t, db, "set", "ROUTE", "10.0.0.0/24", "nexthop=10.0.0.1")

	out := mustRun(t, db, "watch", "PORT", "ROUTE", "--timeout", "200ms")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.ElementsMatch(t, []string{
		"PORT SET Ethernet0",
		"ROUTE SET 10.0.0.0/24 nexthop=10.0.0.1",
	}, lines)

	for _, k := range []string{"a", "b", "c"} {
		mustRun(t, db, "set", "PORT", k)
	}
	out = mustRun(t, db, "watch", "PORT", "--limit", "2")
	assert.Equal(t, "PORT SET a\nPORT SET b\n", out)
	assert.Equal(t, "PORT 1\n", mustRun(t, db, "stats", "PORT"))
}

func TestWatchJSON(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "set", "PORT", "Ethernet0", "mtu=9100")

	out := mustRun(t, db, "--format", "json", "watch", "PORT", "--limit", "1")
	assertGolden(t, "watch_json", out)
}

func TestWatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cliRunCtx(ctx, t, &RootOptions{}, "--backend", "memory", "watch", "PORT")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

// cancelOnAtomic cancels a context when the nth transaction starts, then
// runs that transaction with the cancelled context.
type cancelOnAtomic struct {
	sharedMemory
	n      int32
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (c *cancelOnAtomic) Atomic(ctx context.Context, table string, fn func(backend.Txn) error) error {
	if c.calls.Add(1) == c.n {
		c.cancel()
	}
	return c.sharedMemory.Atomic(ctx, table, fn)
}

func TestWatchCancelledDuringPopExitsCleanly(t *testing.T) {
	shared := memory.New()
	defer shared.Close()
	_, err := cliRunCtx(context.Background(), t, &RootOptions{
		OpenBackend: func(context.Context, config.Config) (backend.Backend, error) {
			return sharedMemory{shared}, nil
		},
	}, "set", "PORT", "Ethernet0", "mtu=9100")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The consumer's startup count is transaction 1, its first pop is 2.
	b := &cancelOnAtomic{sharedMemory: sharedMemory{shared}, n: 2, cancel: cancel}
	out, err := cliRunCtx(ctx, t, &RootOptions{
		OpenBackend: func(context.Context, config.Config) (backend.Backend, error) {
			return b, nil
		},
	}, "watch", "PORT")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, GetExitCode(err))
}

func TestSharedBackendOverride(t *testing.T) {
	shared := memory.New()
	defer shared.Close()
	opts := func() *RootOptions {
		return &RootOptions{
			OpenBackend: func(context.Context, config.Config) (backend.Backend, error) {
				return sharedMemory{shared}, nil
			},
		}
	}

	_, err := cliRunCtx(context.Background(), t, opts(), "set", "T", "k", "f=v")
	require.NoError(t, err)
	out, err := cliRunCtx(context.Background(), t, opts(), "pop", "T")
	require.NoError(t, err)
	assert.Equal(t, "T SET k f=v\n", out)
}

func TestCommandErrors(t *testing.T) {
	db := tempDB(t)
	missingConfig := filepath.Join(t.TempDir(), "missing.yaml")
	badConfig := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte("backend:\n  kind: redis\n"), 0o644))

	cases := []struct {
		name     string
		args     []string
		exitCode int
		contains string
	}{
		{"bad field", []string{"--db", db, "set", "T", "k", "novalue"}, ExitCommandError, "invalid field"},
		{"empty field name", []string{"--db", db, "set", "T", "k", "=v"}, ExitCommandError, "invalid field"},
		{"invalid table", []string{"--db", db, "set", "bad table", "k"}, ExitCommandError, "invalid table"},
		{"invalid format", []string{"--format", "xml", "--db", db, "stats", "T"}, ExitCommandError, "invalid format"},
		{"missing config", []string{"--config", missingConfig, "stats", "T"}, ExitCommandError, "failed to load config"},
		{"invalid config", []string{"--config", badConfig, "stats", "T"}, ExitCommandError, "failed to load config"},
		{"unknown backend flag", []string{"--backend", "redis", "stats", "T"}, ExitCommandError, "failed to load config"},
		{"unopenable db", []string{"--db", filepath.Join(t.TempDir(), "no", "such", "dir", "x.db"), "stats", "T"}, ExitCommandError, "failed to open backend"},
		{"empty key", []string{"--db", db, "del", "T", ""}, ExitFailure, "del failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cliRunCtx(context.Background(), t, &RootOptions{}, tc.args...)
			require.Error(t, err)
			assert.Equal(t, tc.exitCode, GetExitCode(err))
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestCommandErrorJSON(t *testing.T) {
	out, err := cliRunCtx(context.Background(), t, &RootOptions{},
		"--format", "json", "--db", tempDB(t), "set", "T", "k", "novalue")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeArgs, resp.Error.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cliRunCtx(ctx, t, &RootOptions{}, "--backend", "memory", "serve", "--addr", "127.0.0.1:0")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"a=1", "b=", "c=x=y"})
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "", fields[1].Value)
	assert.Equal(t, "x=y", fields[2].Value)

	_, err = parseFields([]string{"oops"})
	assert.Error(t, err)
}
