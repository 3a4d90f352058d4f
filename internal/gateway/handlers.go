package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
	"github.com/roach88/statesync/internal/statetable"
)

// SetRequest is the body of a PUT to a key.
type SetRequest struct {
	Fields []record.FieldValue `json:"fields"`
}

// PendingResponse is the body returned by the pending route.
type PendingResponse struct {
	Table   string `json:"table"`
	Pending int    `json:"pending"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok\n"))
}

func (s *Server) setHandler(w http.ResponseWriter, r *http.Request) {
	t, key, ok := s.tableKey(w, r)
	if !ok {
		return
	}

	var req SetRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	p := statetable.NewProducer(s.b, t, s.engineOptions()...)
	if err := p.Set(r.Context(), key, req.Fields); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) delHandler(w http.ResponseWriter, r *http.Request) {
	t, key, ok := s.tableKey(w, r)
	if !ok {
		return
	}

	p := statetable.NewProducer(s.b, t, s.engineOptions()...)
	if err := p.Del(r.Context(), key); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) popHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	count := s.batch
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = n
	}

	c, err := s.consumer(r.Context(), t)
	if err != nil {
		s.fail(w, err)
		return
	}
	us, err := c.PopsPrefix(r.Context(), count, r.URL.Query().Get("prefix"))
	if err != nil && len(us) == 0 {
		s.fail(w, err)
		return
	}
	if err != nil {
		// The updates already popped are gone from the table; deliver them.
		s.logger.Warn("partial pop", "table", t.Name, "popped", len(us), "error", err)
	}
	writeJSON(w, http.StatusOK, us)
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	c, err := s.consumer(r.Context(), t)
	if err != nil {
		s.fail(w, err)
		return
	}
	n, err := c.Pending(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingResponse{Table: t.Name, Pending: n})
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (statetable.Table, bool) {
	t, err := statetable.NewTable(mux.Vars(r)["table"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return statetable.Table{}, false
	}
	return t, true
}

func (s *Server) tableKey(w http.ResponseWriter, r *http.Request) (statetable.Table, string, bool) {
	t, ok := s.table(w, r)
	if !ok {
		return t, "", false
	}
	return t, mux.Vars(r)["key"], true
}

// fail maps engine errors to HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, statetable.ErrEmptyKey), errors.Is(err, backend.ErrInvalidTable):
		status = http.StatusBadRequest
	case errors.Is(err, backend.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
