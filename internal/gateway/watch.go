package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/statesync/internal/record"
	"github.com/roach88/statesync/internal/selector"
	"github.com/roach88/statesync/internal/statetable"
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// watchHandler streams drained batches over a websocket. Each message is a
// JSON array of updates. Every watch owns its consumer, so concurrent
// watchers of one table split its keys between them.
//
// Delivery is at-most-once: updates are popped before they are written, so
// a batch whose write fails is lost. Its keys are logged at warn level.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "gateway closing", http.StatusServiceUnavailable)
		return
	}
	s.watchers.Add(1)
	s.mu.Unlock()
	defer s.watchers.Done()

	prefix := r.URL.Query().Get("prefix")
	c, err := statetable.NewConsumer(r.Context(), s.b, t, s.engineOptions(statetable.WithPrefix(prefix))...)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer c.Close()

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("problem initiating websocket", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closing:
		case <-ctx.Done():
		}
		cancel()
	}()
	// The read loop only notices the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With("table", t.Name, "consumer", c.ID(), "remote", r.RemoteAddr)
	logger.Info("watch started", "prefix", prefix)
	err = s.stream(ctx, conn, c)
	logger.Info("watch ended", "error", err)

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, c *statetable.Consumer) error {
	for {
		_, res, err := selector.Select(ctx, s.ping, c)
		switch res {
		case selector.ResultError:
			return err
		case selector.ResultTimeout:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
			continue
		}

		us, err := c.Pops(ctx, 0)
		if werr := s.deliver(conn, c.Table().Name, us); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
	}
}

// batchWriter is the part of a websocket connection deliver needs.
type batchWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
}

// deliver writes one batch. The updates are already gone from the table,
// so a failed write reports the lost keys.
func (s *Server) deliver(w batchWriter, table string, us []record.KeyOpFieldsValues) error {
	if len(us) == 0 {
		return nil
	}
	w.SetWriteDeadline(time.Now().Add(writeWait))
	err := w.WriteJSON(us)
	if err != nil {
		keys := make([]string, len(us))
		for i, u := range us {
			keys[i] = u.Key
		}
		s.logger.Warn("watch write failed, updates lost", "table", table, "keys", keys, "error", err)
	}
	return err
}
