// Package gateway exposes state tables over HTTP.
//
// Routes:
//
//	PUT    /v1/tables/{table}/keys/{key}   merge fields (JSON body)
//	DELETE /v1/tables/{table}/keys/{key}   queue a delete
//	POST   /v1/tables/{table}/pop          drain up to ?count updates
//	GET    /v1/tables/{table}/pending      pending key count
//	GET    /v1/tables/{table}/watch        websocket stream of drained batches
//	GET    /metrics                        Prometheus metrics
//	GET    /healthz                        liveness
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/metrics"
	"github.com/roach88/statesync/internal/statetable"
)

// DefaultPingInterval is how often an idle watch connection is pinged.
const DefaultPingInterval = 30 * time.Second

// Server serves the gateway routes on top of a backend.
type Server struct {
	b         backend.Backend
	logger    *slog.Logger
	collector *metrics.Collector
	registry  *prometheus.Registry
	batch     int
	ping      time.Duration
	router    *mux.Router

	mu        sync.Mutex
	consumers map[string]*statetable.Consumer
	closing   chan struct{}
	closed    bool
	watchers  sync.WaitGroup
}

// Option configures New.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBatchSize sets the default number of updates per pop and per watch
// message.
func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithPingInterval sets how often idle watch connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.ping = d
		}
	}
}

// New creates a gateway over b with its own metrics registry.
func New(b backend.Backend, opts ...Option) *Server {
	s := &Server{
		b:         b,
		logger:    slog.Default(),
		collector: metrics.NewCollector(),
		registry:  prometheus.NewRegistry(),
		batch:     statetable.DefaultPopBatchSize,
		ping:      DefaultPingInterval,
		consumers: make(map[string]*statetable.Consumer),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.MustRegister(s.collector)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Registered on the root router: a method mismatch on a subrouter
	// route answers 404 rather than 405.
	const tables = "/v1/tables/{table}"
	r.HandleFunc(tables+"/keys/{key:.+}", s.setHandler).Methods(http.MethodPut)
	r.HandleFunc(tables+"/keys/{key:.+}", s.delHandler).Methods(http.MethodDelete)
	r.HandleFunc(tables+"/pop", s.popHandler).Methods(http.MethodPost)
	r.HandleFunc(tables+"/pending", s.pendingHandler).Methods(http.MethodGet)
	r.HandleFunc(tables+"/watch", s.watchHandler).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the registry backing /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Serve accepts connections on l until ctx ends, then shuts down
// gracefully. It returns nil after a shutdown triggered by ctx.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.logger.Info("gateway listening", "addr", l.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err2 := <-errc; err2 != nil && !errors.Is(err2, http.ErrServerClosed) && err == nil {
		err = err2
	}
	s.logger.Info("gateway stopped")
	return err
}

// Close ends every watch stream and releases cached consumers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	s.watchers.Wait()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// consumer returns the shared consumer draining table, creating it on
// first use.
func (s *Server) consumer(ctx context.Context, t statetable.Table) (*statetable.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, backend.Transport("gateway", backend.ErrClosed)
	}
	if c, ok := s.consumers[t.Name]; ok {
		return c, nil
	}
	c, err := statetable.NewConsumer(ctx, s.b, t, s.engineOptions()...)
	if err != nil {
		return nil, err
	}
	s.consumers[t.Name] = c
	return c, nil
}

func (s *Server) engineOptions(extra ...statetable.Option) []statetable.Option {
	return append([]statetable.Option{
		statetable.WithLogger(s.logger),
		statetable.WithObserver(s.collector),
		statetable.WithBatchSize(s.batch),
	}, extra...)
}
