package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/statesync/internal/backend"
)

// subscription tracks the last publish counter seen for its table.
// last is guarded by Backend.mu.
type subscription struct {
	*backend.Signal
	b     *Backend
	table string
	last  int64
}

func (s *subscription) Close() error {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.Stop()
	return nil
}

// Subscribe implements backend.Backend.
func (b *Backend) Subscribe(ctx context.Context, table string) (backend.Subscription, error) {
	if err := backend.ValidateTable(table); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, backend.Transport("subscribe", backend.ErrClosed)
	}

	seq, err := b.signalSeq(ctx, table)
	if err != nil {
		return nil, err
	}

	s := &subscription{Signal: backend.NewSignal(), b: b, table: table, last: seq}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, backend.Transport("subscribe", backend.ErrClosed)
	}
	b.subs[s] = struct{}{}
	b.logger.Debug("sqlite subscription opened", "table", table, "seq", seq)
	return s, nil
}

func (b *Backend) signalSeq(ctx context.Context, table string) (int64, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx, `SELECT seq FROM table_signals WHERE tbl = ?`, table).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, backend.Transport("signal seq", err)
	}
	return seq, nil
}

// notifyLocal signals this process's subscribers right after a commit and
// records seq so the next poll does not signal them again for it.
func (b *Backend) notifyLocal(table string, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.table != table {
			continue
		}
		// A poll that already saw seq has already signalled.
		if seq > s.last {
			s.last = seq
			s.Notify()
		}
	}
}

// watch re-checks publish counters on every relevant file event and on
// every poll tick.
func (b *Backend) watch() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if b.watcher != nil {
		events = b.watcher.Events
		errs = b.watcher.Errors
	}

	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if b.isDatabaseFile(ev.Name) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				b.poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.logger.Warn("sqlite file watch error", "path", b.path, "error", err)
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *Backend) isDatabaseFile(name string) bool {
	return b.watchBase != "" && strings.HasPrefix(filepath.Base(name), b.watchBase)
}

// poll compares each subscribed table's publish counter with what its
// subscribers last saw and signals those that are behind.
func (b *Backend) poll() {
	b.mu.Lock()
	tables := make(map[string]struct{})
	for s := range b.subs {
		tables[s.table] = struct{}{}
	}
	b.mu.Unlock()

	if len(tables) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for table := range tables {
		seq, err := b.signalSeq(ctx, table)
		if err != nil {
			if !b.isClosed() {
				b.logger.Warn("sqlite poll failed", "table", table, "error", err)
			}
			continue
		}

		b.mu.Lock()
		for s := range b.subs {
			if s.table == table && seq > s.last {
				s.last = seq
				s.Notify()
			}
		}
		b.mu.Unlock()
	}
}
