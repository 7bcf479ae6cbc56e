package fixture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/compose-network/scenario-harness/internal/logger"
)

const StatePath = "/state.json"

// Server hands the rendered fixture document to the wallet under test.
type Server struct {
	document []byte
	logger   *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	stopped  bool
}

// NewServer renders state with the given bindings and prepares a server for it.
func NewServer(state State, bindings Bindings) (*Server, error) {
	document, err := state.Render(bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to render fixture state: %w", err)
	}

	return &Server{
		document: document,
		logger:   logger.Named("fixture_server"),
	}, nil
}

// Start binds an ephemeral localhost port and serves the document in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("fixture server already started")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+StatePath, s.handleState)

	s.listener = listener
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.With("err", err).Error("fixture server stopped unexpectedly")
		}
	}()

	s.logger.With("url", "http://"+listener.Addr().String()+StatePath).Info("fixture server started")
	return nil
}

// URL is the address of the state document. Empty until Start succeeds.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String() + StatePath
}

// Document returns the rendered fixture document.
func (s *Server) Document() []byte {
	return append([]byte(nil), s.document...)
}

// Stop shuts the server down. Calling it more than once, or before Start, is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil || s.stopped {
		return nil
	}
	s.stopped = true

	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return fmt.Errorf("failed to stop fixture server: %w", err)
	}

	s.logger.Info("fixture server stopped")
	return nil
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(s.document); err != nil {
		s.logger.With("err", err).Warn("failed to write fixture document")
	}
}
