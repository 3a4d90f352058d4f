package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/backend/memory"
	"github.com/roach88/statesync/internal/record"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	b := memory.New()
	s := New(b, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		b.Close()
	})
	return s, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func pop(t *testing.T, ts *httptest.Server, table, query string) []record.KeyOpFieldsValues {
	t.Helper()
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/tables/"+table+"/pop"+query, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var us []record.KeyOpFieldsValues
	require.NoError(t, json.Unmarshal([]byte(body), &us))
	return us
}

func TestGateway_SetDelPop(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := do(t, http.MethodPut, ts.URL+"/v1/tables/PORT/keys/Ethernet0",
		`{"fields":[{"field":"mtu","value":"9100"},{"field":"admin","value":"up"}]}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, ts.URL+"/v1/tables/PORT/keys/Ethernet0",
		`{"fields":[{"field":"mtu","value":"1500"}]}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/tables/PORT/keys/Ethernet4", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	us := pop(t, ts, "PORT", "")
	require.Len(t, us, 2)
	assert.Equal(t, record.KeyOpFieldsValues{
		Key: "Ethernet0",
		Op:  record.OpSet,
		Fields: []record.FieldValue{
			record.FV("mtu", "1500"),
			record.FV("admin", "up"),
		},
	}, us[0])
	assert.Equal(t, "Ethernet4", us[1].Key)
	assert.Equal(t, record.OpDel, us[1].Op)

	assert.Empty(t, pop(t, ts, "PORT", ""))
}

func TestGateway_KeysMayContainSlashes(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := do(t, http.MethodPut, ts.URL+"/v1/tables/ROUTE/keys/10.0.0.0/24", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	us := pop(t, ts, "ROUTE", "")
	require.Len(t, us, 1)
	assert.Equal(t, "10.0.0.0/24", us[0].Key)
}

func TestGateway_PopCountAndPrefix(t *testing.T) {
	_, ts := newTestServer(t)
	for _, k := range []string{"a:1", "b:1", "a:2", "a:3"} {
		resp, _ := do(t, http.MethodPut, ts.URL+"/v1/tables/T/keys/"+k, "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	us := pop(t, ts, "T", "?count=2&prefix=a:")
	require.Len(t, us, 2)
	assert.Equal(t, "a:1", us[0].Key)
	assert.Equal(t, "a:2", us[1].Key)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/tables/T/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending PendingResponse
	require.NoError(t, json.Unmarshal([]byte(body), &pending))
	assert.Equal(t, PendingResponse{Table: "T", Pending: 2}, pending)

	us = pop(t, ts, "T", "")
	require.Len(t, us, 2)
	assert.Equal(t, "b:1", us[0].Key)
}

func TestGateway_BadRequests(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []struct {
		name, method, path, body string
	}{
		{"invalid table", http.MethodPut, "/v1/tables/bad%20name/keys/k", ""},
		{"malformed body", http.MethodPut, "/v1/tables/T/keys/k", "{"},
		{"zero count", http.MethodPost, "/v1/tables/T/pop?count=0", ""},
		{"non-numeric count", http.MethodPost, "/v1/tables/T/pop?count=many", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := do(t, tc.method, ts.URL+tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

}

func TestGateway_WrongMethodIsNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/v1/tables/T/pop"},
		{http.MethodPost, "/v1/tables/T/pending"},
		{http.MethodPatch, "/v1/tables/T/keys/k"},
		{http.MethodPost, "/v1/tables/T/watch"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			resp, _ := do(t, tc.method, ts.URL+tc.path, "")
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		})
	}

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/tables/T/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", body)

	do(t, http.MethodPut, ts.URL+"/v1/tables/PORT/keys/k", "")
	pop(t, ts, "PORT", "")

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `statesync_sets_total{table="PORT"} 1`)
	assert.Contains(t, body, `statesync_pops_total{op="SET",table="PORT"} 1`)
}

func TestGateway_WatchStreamsBatches(t *testing.T) {
	s, ts := newTestServer(t, WithPingInterval(50*time.Millisecond))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tables/PORT/watch?prefix=Eth"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	do(t, http.MethodPut, ts.URL+"/v1/tables/PORT/keys/Vlan10", "")
	do(t, http.MethodPut, ts.URL+"/v1/tables/PORT/keys/Ethernet0", `{"fields":[{"field":"mtu","value":"9100"}]}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var us []record.KeyOpFieldsValues
	require.NoError(t, conn.ReadJSON(&us))
	require.Len(t, us, 1)
	assert.Equal(t, "Ethernet0", us[0].Key)

	// The non-matching key is left for others.
	left := pop(t, ts, "PORT", "")
	require.Len(t, left, 1)
	assert.Equal(t, "Vlan10", left[0].Key)

	// Closing the server ends the stream.
	require.NoError(t, s.Close())
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	b := memory.New()
	defer b.Close()
	s := New(b)
	defer s.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

type failingWriter struct{}

func (failingWriter) SetWriteDeadline(time.Time) error { return nil }
func (failingWriter) WriteJSON(any) error              { return errors.New("connection reset") }

func TestServer_DeliverLogsLostKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s, _ := newTestServer(t, WithLogger(logger))

	us := []record.KeyOpFieldsValues{
		{Key: "Ethernet0", Op: record.OpDel},
		{Key: "Ethernet4", Op: record.OpDel},
	}
	err := s.deliver(failingWriter{}, "PORT", us)
	require.Error(t, err)

	var entry struct {
		Level string   `json:"level"`
		Msg   string   `json:"msg"`
		Table string   `json:"table"`
		Keys  []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "PORT", entry.Table)
	assert.Equal(t, []string{"Ethernet0", "Ethernet4"}, entry.Keys)

	buf.Reset()
	require.NoError(t, s.deliver(failingWriter{}, "PORT", nil))
	assert.Zero(t, buf.Len())
}
