package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/cobalt/profile"
	"github.com/chazu/cobalt/vm"
)

// CobaltServer hosts VM sessions behind the ExecutionService. It serves
// the Connect protocol (HTTP, CBOR bodies) and gRPC-compatible framing on
// the same port.
type CobaltServer struct {
	sessions *SessionStore
	mux      *http.ServeMux
	http     *http.Server
	log      commonlog.Logger
}

// ServerOption configures a CobaltServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	options func() vm.Options
	store   *profile.Store
}

// WithVMOptions sets the factory for per-session VM options.
func WithVMOptions(fn func() vm.Options) ServerOption {
	return func(c *serverConfig) { c.options = fn }
}

// WithProfileStore persists session profiles: programs loaded into a
// session are seeded from the store and saved back when it is destroyed.
func WithProfileStore(store *profile.Store) ServerOption {
	return func(c *serverConfig) { c.store = store }
}

// New creates a CobaltServer.
func New(opts ...ServerOption) *CobaltServer {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &CobaltServer{
		sessions: NewSessionStore(cfg.options, cfg.store),
		mux:      http.NewServeMux(),
		log:      commonlog.GetLogger("cobalt.server"),
	}

	path, handler := NewExecutionServiceHandler(NewExecutionService(s.sessions, cfg.store))
	s.mux.Handle(path, handler)
	return s
}

// Handler returns the server's HTTP handler.
func (s *CobaltServer) Handler() http.Handler { return s.mux }

// Sessions returns the session store.
func (s *CobaltServer) Sessions() *SessionStore { return s.sessions }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *CobaltServer) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Noticef("cobalt server listening on %s", addr)
	s.log.Noticef("  Connect (HTTP/CBOR): http://%s%s", addr, ExecuteProcedure)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts down the listener and destroys every session.
func (s *CobaltServer) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.sessions.DestroyAll()
	return err
}
